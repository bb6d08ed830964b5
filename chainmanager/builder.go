package chainmanager

import (
	"github.com/ClipFinance/deposit-relay/common/types"
)

// ChainBuilder is a builder pattern implementation for chain configuration.
// It allows setting the components of a source chain such as the batch
// poller, the log normalizer and the connection health reporter.
type ChainBuilder struct {
	config     *types.ChainConfig // Chain configuration.
	poller     Poller             // Batch poller implementation.
	normalizer Normalizer         // Log normalizer implementation.
	health     HealthReporter     // Health reporter implementation.
	closers    []func()           // Resource release hooks.
}

// NewChainBuilder creates a new chain builder instance.
//
// Parameters:
// - config: the chain configuration.
//
// Returns:
// - *ChainBuilder: a new ChainBuilder instance.
func NewChainBuilder(config *types.ChainConfig) *ChainBuilder {
	return &ChainBuilder{
		config: config,
	}
}

// WithPoller sets batch poller implementation.
//
// Parameters:
// - poller: the batch poller implementation.
//
// Returns:
// - *ChainBuilder: the updated ChainBuilder instance.
func (b *ChainBuilder) WithPoller(poller Poller) *ChainBuilder {
	b.poller = poller
	return b
}

// WithNormalizer sets log normalizer implementation.
//
// Parameters:
// - normalizer: the log normalizer implementation.
//
// Returns:
// - *ChainBuilder: the updated ChainBuilder instance.
func (b *ChainBuilder) WithNormalizer(normalizer Normalizer) *ChainBuilder {
	b.normalizer = normalizer
	return b
}

// WithHealthReporter sets the connection health reporter.
//
// Parameters:
// - health: the health reporter implementation.
//
// Returns:
// - *ChainBuilder: the updated ChainBuilder instance.
func (b *ChainBuilder) WithHealthReporter(health HealthReporter) *ChainBuilder {
	b.health = health
	return b
}

// WithCloser adds a hook run when the chain is closed.
//
// Parameters:
// - fn: the release hook.
//
// Returns:
// - *ChainBuilder: the updated ChainBuilder instance.
func (b *ChainBuilder) WithCloser(fn func()) *ChainBuilder {
	b.closers = append(b.closers, fn)
	return b
}

// Build creates a new chain instance with configured implementations.
//
// Returns:
// - *Chain: a new Chain instance with the configured implementations.
func (b *ChainBuilder) Build() *Chain {
	chain := NewChain(b.config, b.poller, b.normalizer, b.health)
	for _, fn := range b.closers {
		chain.OnClose(fn)
	}
	return chain
}
