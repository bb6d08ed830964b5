package relay

import (
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/pkg/errors"
)

// Config tunes the engine. Zero values fall back to defaults.
//
// Fields:
// - Workers: the maximum number of deposits processed concurrently per batch.
// - MaxAttempts: failed attempts before a record becomes permanent.
// - InitialInterval, MaxInterval, Multiplier: the exponential retry backoff of failed records.
// - RetryInterval: the period of the retry loop.
// - RetryBatchSize: records fetched per retry query.
// - PollBackoffInitial, PollBackoffMax: the backoff of a source whose poll fails.
// - SignTimeout, StoreTimeout, DeliverTimeout: per-call bounds.
type Config struct {
	Workers            int
	MaxAttempts        int
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	Multiplier         float64
	RetryInterval      time.Duration
	RetryBatchSize     int
	PollBackoffInitial time.Duration
	PollBackoffMax     time.Duration
	SignTimeout        time.Duration
	StoreTimeout       time.Duration
	DeliverTimeout     time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            8,
		MaxAttempts:        5,
		InitialInterval:    5 * time.Second,
		MaxInterval:        10 * time.Minute,
		Multiplier:         2,
		RetryInterval:      10 * time.Second,
		RetryBatchSize:     100,
		PollBackoffInitial: time.Second,
		PollBackoffMax:     time.Minute,
		SignTimeout:        30 * time.Second,
		StoreTimeout:       10 * time.Second,
		DeliverTimeout:     60 * time.Second,
	}
}

// WithDefaults fills zero fields with DefaultConfig values.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = d.RetryBatchSize
	}
	if c.PollBackoffInitial <= 0 {
		c.PollBackoffInitial = d.PollBackoffInitial
	}
	if c.PollBackoffMax <= 0 {
		c.PollBackoffMax = d.PollBackoffMax
	}
	if c.SignTimeout <= 0 {
		c.SignTimeout = d.SignTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = d.DeliverTimeout
	}
	return c
}

// Validate checks that a lease outlives one full drive of a record, so a
// healthy worker never loses its lease mid-flight.
func (c Config) Validate(leaseDuration time.Duration) error {
	if c.InitialInterval > c.MaxInterval {
		return errors.Wrapf(relayerrors.ErrInvalidConfig, "retry initial interval %s exceeds max interval %s", c.InitialInterval, c.MaxInterval)
	}
	if budget := c.SignTimeout + c.DeliverTimeout + 2*c.StoreTimeout; leaseDuration <= budget {
		return errors.Wrapf(relayerrors.ErrInvalidConfig, "lease duration %s must exceed sign, deliver and store timeouts (%s)", leaseDuration, budget)
	}
	return nil
}
