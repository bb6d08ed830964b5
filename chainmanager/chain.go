package chainmanager

import (
	"context"
	"sync"
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// defaultPollInterval is used when the chain configuration leaves it unset.
const defaultPollInterval = 12 * time.Second

// Poller reads confirmed batches from a source chain and commits them.
type Poller interface {
	Poll(ctx context.Context) (*types.Batch, error)
	Ack(ctx context.Context, batch *types.Batch) error
}

// Normalizer turns raw logs into deposit events.
type Normalizer interface {
	Normalize(log ethtypes.Log) (types.DepositEvent, error)
}

// HealthReporter reports the connection health of a chain.
type HealthReporter interface {
	Healthy() bool
	LastError() error
}

// Chain implements types.Source with thread-safe access to its components.
// Each component is protected by a read-write mutex so it can be swapped
// while the relay engine polls.
type Chain struct {
	config *types.ChainConfig // Chain configuration.

	pollerMutex sync.RWMutex
	poller      Poller

	normalizerMutex sync.RWMutex
	normalizer      Normalizer

	healthMutex sync.RWMutex
	health      HealthReporter

	closersMutex sync.Mutex
	closers      []func()
}

// NewChain creates a new Chain instance.
//
// Parameters:
// - config: the chain configuration.
// - poller: the batch reader.
// - normalizer: the log normalizer.
// - health: the connection health reporter, may be nil.
//
// Returns:
// - *Chain: a new Chain instance.
func NewChain(config *types.ChainConfig, poller Poller, normalizer Normalizer, health HealthReporter) *Chain {
	return &Chain{
		config:     config,
		poller:     poller,
		normalizer: normalizer,
		health:     health,
	}
}

// ChainID returns the source chain id.
func (c *Chain) ChainID() uint64 {
	return c.config.ChainID
}

// Name returns the configured chain name.
func (c *Chain) Name() string {
	return c.config.Name
}

// Config returns the chain configuration.
func (c *Chain) Config() *types.ChainConfig {
	return c.config
}

// PollInterval returns the pause between polls once the chain is caught up.
func (c *Chain) PollInterval() time.Duration {
	if c.config.PollInterval > 0 {
		return c.config.PollInterval
	}
	return defaultPollInterval
}

// Poll returns the next batch of the chain.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - *types.Batch: the batch, or nil when nothing new is confirmed.
// - error: ErrNotImplemented without a poller, or the poller's error.
func (c *Chain) Poll(ctx context.Context) (*types.Batch, error) {
	c.pollerMutex.RLock()
	defer c.pollerMutex.RUnlock()

	if c.poller == nil {
		return nil, relayerrors.ErrNotImplemented
	}
	return c.poller.Poll(ctx)
}

// Ack commits a batch returned by Poll.
func (c *Chain) Ack(ctx context.Context, batch *types.Batch) error {
	c.pollerMutex.RLock()
	defer c.pollerMutex.RUnlock()

	if c.poller == nil {
		return relayerrors.ErrNotImplemented
	}
	return c.poller.Ack(ctx, batch)
}

// Normalize decodes a raw Deposit log.
func (c *Chain) Normalize(log ethtypes.Log) (types.DepositEvent, error) {
	c.normalizerMutex.RLock()
	defer c.normalizerMutex.RUnlock()

	if c.normalizer == nil {
		return types.DepositEvent{}, relayerrors.ErrNotImplemented
	}
	return c.normalizer.Normalize(log)
}

// Healthy reports the last connection check. A chain without a health
// reporter is always healthy.
func (c *Chain) Healthy() bool {
	c.healthMutex.RLock()
	defer c.healthMutex.RUnlock()

	if c.health == nil {
		return true
	}
	return c.health.Healthy()
}

// LastError returns the error of the last failed connection check.
func (c *Chain) LastError() error {
	c.healthMutex.RLock()
	defer c.healthMutex.RUnlock()

	if c.health == nil {
		return nil
	}
	return c.health.LastError()
}

// OnClose registers fn to run when the chain is closed.
func (c *Chain) OnClose(fn func()) {
	c.closersMutex.Lock()
	defer c.closersMutex.Unlock()
	c.closers = append(c.closers, fn)
}

// Close releases the chain's resources in reverse registration order.
func (c *Chain) Close() {
	c.closersMutex.Lock()
	closers := c.closers
	c.closers = nil
	c.closersMutex.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
