// Package redisdeliverer stores attestations in Redis, where recipients pull
// them by source chain and nonce.
package redisdeliverer

import (
	"context"
	"fmt"
	"time"

	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/delivery"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultKeyPrefix = "relay:attestation"
	defaultTimeout   = 5 * time.Second
)

// Config holds the Redis settings.
//
// Fields:
// - URL: the redis:// URL.
// - KeyPrefix: attestations are stored at "<KeyPrefix>:<srcChainId>:<nonce>".
// - Channel: when set, the key is also published on this channel.
// - TTL: the key expiry; zero keeps keys forever.
// - Timeout: the per-delivery timeout.
type Config struct {
	URL       string
	KeyPrefix string
	Channel   string
	TTL       time.Duration
	Timeout   time.Duration
}

// client is the subset of redis.Cmdable the deliverer uses.
type client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Deliverer writes attestations to Redis.
type Deliverer struct {
	client  client
	closer  func() error
	prefix  string
	channel string
	ttl     time.Duration
	timeout time.Duration
	logger  *logrus.Logger
}

// Connect parses the URL, pings the server and prepares the deliverer.
func Connect(ctx context.Context, cfg Config, logger *logrus.Logger) (*Deliverer, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}

	d := newDeliverer(rdb, cfg, logger)
	d.closer = rdb.Close
	return d, nil
}

func newDeliverer(c client, cfg Config, logger *logrus.Logger) *Deliverer {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Deliverer{
		client:  c,
		prefix:  prefix,
		channel: cfg.Channel,
		ttl:     cfg.TTL,
		timeout: timeout,
		logger:  logger,
	}
}

// Key returns the Redis key of the attestation for key.
func (d *Deliverer) Key(key types.DepositKey) string {
	return fmt.Sprintf("%s:%d:%s", d.prefix, key.SourceChainID, key.Nonce)
}

// Name returns "redis".
func (d *Deliverer) Name() string {
	return "redis"
}

// Deliver stores the JSON attestation. Storing the same attestation twice
// writes the same value, so redelivery is harmless.
func (d *Deliverer) Deliver(ctx context.Context, att types.Attestation) error {
	body, err := delivery.Marshal(att)
	if err != nil {
		return delivery.Failed(err, "redis")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	key := d.Key(att.Event.Key())
	if err := d.client.Set(ctx, key, body, d.ttl).Err(); err != nil {
		return delivery.Failed(err, "set %s", key)
	}

	if d.channel != "" {
		if err := d.client.Publish(ctx, d.channel, key).Err(); err != nil {
			// The attestation is stored; subscribers can still poll for it.
			d.logger.WithError(err).WithField("channel", d.channel).Warn("Failed to announce attestation")
		}
	}

	d.logger.WithField("key", key).Debug("Attestation stored")
	return nil
}

// Close closes the connection.
func (d *Deliverer) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}
