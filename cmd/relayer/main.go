// Command relayer watches source chain bridges for Deposit events, signs an
// attestation for each confirmed deposit exactly once and delivers it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ClipFinance/deposit-relay/alert"
	"github.com/ClipFinance/deposit-relay/api"
	"github.com/ClipFinance/deposit-relay/chainmanager"
	"github.com/ClipFinance/deposit-relay/chains"
	"github.com/ClipFinance/deposit-relay/chains/evm/claim"
	"github.com/ClipFinance/deposit-relay/chains/evm/reader"
	"github.com/ClipFinance/deposit-relay/chains/evm/signer"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/config"
	"github.com/ClipFinance/deposit-relay/dbconfig"
	"github.com/ClipFinance/deposit-relay/delivery"
	"github.com/ClipFinance/deposit-relay/delivery/natsdeliverer"
	"github.com/ClipFinance/deposit-relay/delivery/redisdeliverer"
	"github.com/ClipFinance/deposit-relay/relay"
	"github.com/ClipFinance/deposit-relay/store/memory"
	"github.com/ClipFinance/deposit-relay/store/postgres"
	"github.com/ClipFinance/deposit-relay/tracker"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// store is what the relayer needs from a record store.
type store interface {
	tracker.Store
	reader.Checkpoints
	api.Pinger
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (environment only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Relayer stopped")
		os.Exit(1)
	}
	logger.Info("Relayer stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	st, sourceConfigs, err := openStore(ctx, cfg, logger, &closers)
	if err != nil {
		return err
	}

	tr := tracker.New(st, logger,
		tracker.WithLeaseDuration(cfg.Engine.LeaseDuration),
		tracker.WithInstanceID(cfg.Engine.InstanceID),
	)

	registry := chainmanager.NewChainRegistry(chains.NewSourceFactory(st), logger)
	closers = append(closers, func() {
		for _, src := range registry.List() {
			registry.Remove(src.ChainID())
		}
	})
	for _, sc := range sourceConfigs {
		if err := registry.Add(ctx, sc); err != nil {
			return errors.Wrapf(err, "failed to add source chain %s", sc.Name)
		}
	}

	attestor, err := newSigner(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.WithField("signer", attestor.Address().Hex()).Info("Attestation signer ready")

	deliverer, err := newDeliverer(ctx, cfg, attestor, logger, &closers)
	if err != nil {
		return err
	}

	alerters := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL, cfg.Alert.Timeout))
	}

	engine, err := relay.NewEngine(cfg.EngineConfig(), registry.List(), tr, attestor, deliverer, logger,
		relay.WithAlerter(alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	if cfg.API.Listen != "" {
		server := api.NewServer(tr, st, registry.List, logger)
		g.Go(func() error {
			return server.Run(gctx, cfg.API.Listen)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore opens the record store and returns the source chains to watch:
// the configured ones plus, when enabled, the active chain registry rows.
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger, closers *[]func()) (store, []*types.ChainConfig, error) {
	sources := cfg.SourceChainConfigs()

	if cfg.Persistence.Driver != config.DriverPostgres {
		logger.Warn("Using the in-memory store, processing state is lost on restart")
		st := memory.New()
		*closers = append(*closers, func() { st.Close() })
		return st, sources, nil
	}

	db, err := postgres.New(ctx, cfg.PostgresConfig(), logger)
	if err != nil {
		return nil, nil, err
	}
	*closers = append(*closers, func() { db.Close() })

	if err := db.Migrate(ctx); err != nil {
		return nil, nil, err
	}

	if cfg.Persistence.ChainsFromDB {
		fromDB, err := dbconfig.NewDBConfig(db.DB).SourceChainConfigs(ctx)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to load source chains from database")
		}
		sources = mergeSources(sources, fromDB, logger)
	}

	return db, sources, nil
}

// mergeSources appends the database chains that are not configured already.
// The file and environment win on conflicts.
func mergeSources(configured, fromDB []*types.ChainConfig, logger *logrus.Logger) []*types.ChainConfig {
	seen := make(map[uint64]bool, len(configured))
	for _, c := range configured {
		seen[c.ChainID] = true
	}
	for _, c := range fromDB {
		if seen[c.ChainID] {
			logger.WithField("chain_id", c.ChainID).Debug("Chain configured locally, ignoring database row")
			continue
		}
		seen[c.ChainID] = true
		configured = append(configured, c)
	}
	return configured
}

func newSigner(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (signer.Signer, error) {
	if cfg.Signer.Type == config.SignerRemote {
		return signer.NewRemoteSigner(ctx, cfg.RemoteSignerConfig(), logger)
	}
	s, err := signer.NewSignerFromHex(cfg.Signer.Key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load relayer key")
	}
	return s, nil
}

func newDeliverer(ctx context.Context, cfg *config.Config, attestor signer.Signer, logger *logrus.Logger, closers *[]func()) (delivery.Deliverer, error) {
	var deliverers []delivery.Deliverer

	if cfg.Delivery.Claim {
		txSigner, ok := attestor.(signer.KeySigner)
		if !ok {
			return nil, errors.New("claim delivery requires a local signer")
		}
		dest := cfg.DestinationChainConfig()
		client, err := ethclient.DialContext(ctx, dest.RpcUrl)
		if err != nil {
			return nil, errors.Wrap(err, "failed to dial destination chain")
		}
		*closers = append(*closers, client.Close)

		submitter, err := claim.NewSubmitter(dest, client, txSigner, logger)
		if err != nil {
			return nil, err
		}
		deliverers = append(deliverers, submitter)
	}

	if cfg.Delivery.NATS.Enabled {
		d, err := natsdeliverer.Connect(cfg.NATSDelivererConfig(), logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { d.Close() })
		deliverers = append(deliverers, d)
	}

	if cfg.Delivery.Redis.Enabled {
		d, err := redisdeliverer.Connect(ctx, cfg.RedisDelivererConfig(), logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { d.Close() })
		deliverers = append(deliverers, d)
	}

	if cfg.Delivery.Log || len(deliverers) == 0 {
		deliverers = append(deliverers, delivery.NewLog(logger))
	}

	if len(deliverers) == 1 {
		return deliverers[0], nil
	}
	return delivery.NewMulti(logger, deliverers...), nil
}
