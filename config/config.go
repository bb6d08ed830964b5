// Package config loads the relayer configuration from a YAML file with
// environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ClipFinance/deposit-relay/chains/evm/claim"
	"github.com/ClipFinance/deposit-relay/chains/evm/signer"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/delivery/natsdeliverer"
	"github.com/ClipFinance/deposit-relay/delivery/redisdeliverer"
	"github.com/ClipFinance/deposit-relay/relay"
	"github.com/ClipFinance/deposit-relay/store/postgres"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	SignerLocal  = "local"
	SignerRemote = "remote"

	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the relayer configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Sources     []SourceConfig    `yaml:"sources"`
	Destination DestinationConfig `yaml:"destination"`
	Signer      SignerConfig      `yaml:"signer"`
	Retry       RetryConfig       `yaml:"retry"`
	Engine      EngineConfig      `yaml:"engine"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	API         APIConfig         `yaml:"api"`
	Alert       AlertConfig       `yaml:"alert"`
}

// LogConfig selects the log level and format (text or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SourceConfig describes one source chain to watch.
type SourceConfig struct {
	Name          string        `yaml:"name"`
	ChainID       uint64        `yaml:"chainId"`
	RpcURL        string        `yaml:"rpcUrl"`
	BridgeAddress string        `yaml:"bridgeAddress"`
	Confirmations uint64        `yaml:"confirmations"`
	StartBlock    uint64        `yaml:"startBlock"`
	MaxBlockRange uint64        `yaml:"maxBlockRange"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	RPCRateLimit  float64       `yaml:"rpcRateLimit"`
	RPCTimeout    time.Duration `yaml:"rpcTimeout"`
}

// DestinationConfig describes the chain claims are pushed to.
type DestinationConfig struct {
	Name          string `yaml:"name"`
	ChainID       uint64 `yaml:"chainId"`
	RpcURL        string `yaml:"rpcUrl"`
	BridgeAddress string `yaml:"bridgeAddress"`
	TxType        uint64 `yaml:"txType"`
	WaitNBlocks   uint64 `yaml:"waitNBlocks"`
}

// SignerConfig selects a local key or a remote signing service. The key is
// never logged.
type SignerConfig struct {
	Type    string        `yaml:"type"`
	Key     string        `yaml:"key"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	KeyID   string        `yaml:"keyId"`
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig is the backoff of failed deposits.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// EngineConfig tunes the relay engine.
type EngineConfig struct {
	Workers        int           `yaml:"workers"`
	LeaseDuration  time.Duration `yaml:"leaseDuration"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
	RetryBatchSize int           `yaml:"retryBatchSize"`
	SignTimeout    time.Duration `yaml:"signTimeout"`
	StoreTimeout   time.Duration `yaml:"storeTimeout"`
	DeliverTimeout time.Duration `yaml:"deliverTimeout"`
	InstanceID     string        `yaml:"instanceId"`
}

// PersistenceConfig selects the record store.
type PersistenceConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
	// ChainsFromDB adds the EVM chains of the chain registry tables to Sources.
	ChainsFromDB bool `yaml:"chainsFromDb"`
}

// DeliveryConfig enables the deliverers. The log deliverer is used when
// nothing else is enabled.
type DeliveryConfig struct {
	Log   bool        `yaml:"log"`
	Claim bool        `yaml:"claim"`
	NATS  NATSConfig  `yaml:"nats"`
	Redis RedisConfig `yaml:"redis"`
}

type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subjectPrefix"`
	JetStream     bool          `yaml:"jetStream"`
	Stream        string        `yaml:"stream"`
	Timeout       time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"keyPrefix"`
	Channel   string        `yaml:"channel"`
	TTL       time.Duration `yaml:"ttl"`
	Timeout   time.Duration `yaml:"timeout"`
}

// APIConfig is the status API listener. An empty address disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// AlertConfig configures alert channels. Alerts are always logged.
type AlertConfig struct {
	WebhookURL string        `yaml:"webhookUrl"`
	Timeout    time.Duration `yaml:"timeout"`
	Cooldown   time.Duration `yaml:"cooldown"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path configures the relayer
// from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil, os.Getenv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	return Parse(data, os.Getenv)
}

// Parse decodes data and applies the overrides found through getenv. An
// empty document is valid when the environment supplies the rest.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(relayerrors.ErrInvalidConfig, "yaml: %v", err)
	}

	if err := c.overrideFromEnv(getenv); err != nil {
		return nil, err
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// overrideFromEnv applies the environment. Source overrides target the
// first source, which is created when the file declares none.
func (c *Config) overrideFromEnv(getenv func(string) string) error {
	source := func() *SourceConfig {
		if len(c.Sources) == 0 {
			c.Sources = append(c.Sources, SourceConfig{Name: "source"})
		}
		return &c.Sources[0]
	}

	if v := getenv("SRC_RPC"); v != "" {
		source().RpcURL = v
	}
	if v := getenv("SOURCE_BRIDGE"); v != "" {
		source().BridgeAddress = v
	}
	if v := getenv("SOURCE_CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return errors.Wrapf(relayerrors.ErrInvalidConfig, "SOURCE_CHAIN_ID: %q is not a chain id", v)
		}
		source().ChainID = id
	}
	if v := getenv("CONFIRMATIONS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return errors.Wrapf(relayerrors.ErrInvalidConfig, "CONFIRMATIONS: %q is not a block count", v)
		}
		source().Confirmations = n
	}

	if v := getenv("DEST_RPC"); v != "" {
		c.Destination.RpcURL = v
	}
	if v := getenv("RELAYER_KEY"); v != "" {
		c.Signer.Key = v
		if c.Signer.Type == "" {
			c.Signer.Type = SignerLocal
		}
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Persistence.DSN = v
		if c.Persistence.Driver == "" {
			c.Persistence.Driver = DriverPostgres
		}
	}
	if v := getenv("NATS_URL"); v != "" {
		c.Delivery.NATS.URL = v
		c.Delivery.NATS.Enabled = true
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Delivery.Redis.URL = v
		c.Delivery.Redis.Enabled = true
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("API_ADDR"); v != "" {
		c.API.Listen = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Signer.Type == "" {
		c.Signer.Type = SignerLocal
	}
	// Records must survive restarts; the memory driver is opt-in.
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = DriverPostgres
	}
	if c.Engine.LeaseDuration <= 0 {
		c.Engine.LeaseDuration = 2 * time.Minute
	}
	if c.Alert.Cooldown <= 0 {
		c.Alert.Cooldown = 10 * time.Minute
	}
	if c.Destination.Name == "" {
		c.Destination.Name = "destination"
	}
	for i := range c.Sources {
		if c.Sources[i].Name == "" {
			c.Sources[i].Name = "chain-" + strconv.FormatUint(c.Sources[i].ChainID, 10)
		}
	}
}

// Validate checks the configuration. Every error wraps ErrInvalidConfig and
// names the offending field.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "%v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format", "must be text or json, got %q", c.Log.Format)
	}

	if len(c.Sources) == 0 && !c.Persistence.ChainsFromDB {
		return invalid("sources", "at least one source chain is required")
	}
	seen := make(map[uint64]string, len(c.Sources))
	for i, s := range c.Sources {
		if err := s.validate(); err != nil {
			return errors.Wrapf(err, "sources[%d]", i)
		}
		if other, dup := seen[s.ChainID]; dup {
			return invalid("sources", "chain %d declared by both %s and %s", s.ChainID, other, s.Name)
		}
		seen[s.ChainID] = s.Name
	}

	switch c.Signer.Type {
	case SignerLocal:
		if c.Signer.Key == "" {
			return invalid("signer.key", "a local signer needs a key (RELAYER_KEY)")
		}
	case SignerRemote:
		if c.Signer.URL == "" {
			return invalid("signer.url", "a remote signer needs a service url")
		}
	default:
		return invalid("signer.type", "must be local or remote, got %q", c.Signer.Type)
	}

	switch c.Persistence.Driver {
	case DriverPostgres:
		if c.Persistence.DSN == "" {
			return invalid("persistence.dsn", "postgres needs a dsn (DATABASE_URL)")
		}
	case DriverMemory:
		if c.Persistence.ChainsFromDB {
			return invalid("persistence.chainsFromDb", "the chain registry needs the postgres driver")
		}
	default:
		return invalid("persistence.driver", "must be postgres or memory, got %q", c.Persistence.Driver)
	}

	if c.Delivery.Claim {
		if err := c.Destination.validate(); err != nil {
			return err
		}
		if c.Signer.Type != SignerLocal {
			return invalid("delivery.claim", "claim submission signs transactions and needs a local signer")
		}
	}
	if c.Delivery.NATS.Enabled && c.Delivery.NATS.URL == "" {
		return invalid("delivery.nats.url", "required when nats delivery is enabled")
	}
	if c.Delivery.Redis.Enabled && c.Delivery.Redis.URL == "" {
		return invalid("delivery.redis.url", "required when redis delivery is enabled")
	}

	if err := c.EngineConfig().Validate(c.Engine.LeaseDuration); err != nil {
		return errors.Wrap(err, "engine")
	}
	return nil
}

func (s SourceConfig) validate() error {
	if s.ChainID == 0 {
		return invalid("chainId", "must be set (SOURCE_CHAIN_ID)")
	}
	if s.RpcURL == "" {
		return invalid("rpcUrl", "must be set (SRC_RPC)")
	}
	if !common.IsHexAddress(s.BridgeAddress) {
		return invalid("bridgeAddress", "%q is not an address (SOURCE_BRIDGE)", s.BridgeAddress)
	}
	return nil
}

func (d DestinationConfig) validate() error {
	if d.RpcURL == "" {
		return invalid("destination.rpcUrl", "must be set (DEST_RPC)")
	}
	if d.ChainID == 0 {
		return invalid("destination.chainId", "must be set")
	}
	if !common.IsHexAddress(d.BridgeAddress) {
		return invalid("destination.bridgeAddress", "%q is not an address", d.BridgeAddress)
	}
	if d.TxType != claim.TxTypeLegacy && d.TxType != claim.TxTypeEIP1559 {
		return invalid("destination.txType", "unsupported transaction type %d", d.TxType)
	}
	return nil
}

func invalid(field, format string, args ...interface{}) error {
	return errors.Wrapf(relayerrors.ErrInvalidConfig, field+": "+format, args...)
}

// ChainConfig converts the source to the chain configuration used by readers.
func (s SourceConfig) ChainConfig() *types.ChainConfig {
	return &types.ChainConfig{
		Name:          s.Name,
		ChainType:     types.EVM,
		ChainID:       s.ChainID,
		RpcUrl:        s.RpcURL,
		BridgeAddress: s.BridgeAddress,
		Confirmations: s.Confirmations,
		StartBlock:    s.StartBlock,
		MaxBlockRange: s.MaxBlockRange,
		PollInterval:  s.PollInterval,
		RPCRateLimit:  s.RPCRateLimit,
		RPCTimeout:    s.RPCTimeout,
	}
}

// SourceChainConfigs returns the chain configuration of every source.
func (c *Config) SourceChainConfigs() []*types.ChainConfig {
	out := make([]*types.ChainConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.ChainConfig())
	}
	return out
}

// DestinationChainConfig returns the chain configuration of the claim target.
func (c *Config) DestinationChainConfig() *types.ChainConfig {
	return &types.ChainConfig{
		Name:          c.Destination.Name,
		ChainType:     types.EVM,
		ChainID:       c.Destination.ChainID,
		RpcUrl:        c.Destination.RpcURL,
		BridgeAddress: c.Destination.BridgeAddress,
		TxType:        c.Destination.TxType,
		WaitNBlocks:   c.Destination.WaitNBlocks,
	}
}

// EngineConfig returns the relay engine settings.
func (c *Config) EngineConfig() relay.Config {
	cfg := relay.Config{
		Workers:         c.Engine.Workers,
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		Multiplier:      c.Retry.Multiplier,
		RetryInterval:   c.Engine.RetryInterval,
		RetryBatchSize:  c.Engine.RetryBatchSize,
		SignTimeout:     c.Engine.SignTimeout,
		StoreTimeout:    c.Engine.StoreTimeout,
		DeliverTimeout:  c.Engine.DeliverTimeout,
	}
	return cfg.WithDefaults()
}

func (c *Config) PostgresConfig() postgres.Config {
	return postgres.Config{
		URL:             c.Persistence.DSN,
		MaxOpenConns:    c.Persistence.MaxOpenConns,
		MaxIdleConns:    c.Persistence.MaxIdleConns,
		ConnMaxLifetime: c.Persistence.ConnMaxLifetime,
		ConnMaxIdleTime: c.Persistence.ConnMaxIdleTime,
	}
}

func (c *Config) NATSDelivererConfig() natsdeliverer.Config {
	n := c.Delivery.NATS
	return natsdeliverer.Config{
		URL:           n.URL,
		SubjectPrefix: n.SubjectPrefix,
		JetStream:     n.JetStream,
		Stream:        n.Stream,
		Timeout:       n.Timeout,
	}
}

func (c *Config) RedisDelivererConfig() redisdeliverer.Config {
	r := c.Delivery.Redis
	return redisdeliverer.Config{
		URL:       r.URL,
		KeyPrefix: r.KeyPrefix,
		Channel:   r.Channel,
		TTL:       r.TTL,
		Timeout:   r.Timeout,
	}
}

func (c *Config) RemoteSignerConfig() signer.RemoteConfig {
	return signer.RemoteConfig{
		URL:       c.Signer.URL,
		AuthToken: c.Signer.Token,
		KeyID:     c.Signer.KeyID,
		Address:   c.Signer.Address,
		Timeout:   c.Signer.Timeout,
	}
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
