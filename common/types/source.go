package types

import (
	"context"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Batch is the unit a chain reader hands to the relay engine. A batch either
// carries the logs of the block range (From, End.Number] or a Withdrawal,
// never both.
type Batch struct {
	ChainID    uint64
	From       uint64
	End        BlockRef
	Frontier   uint64
	Logs       []ethtypes.Log
	Withdrawal *Withdrawal
}

// CaughtUp reports whether the batch reached the confirmation frontier.
func (b *Batch) CaughtUp() bool {
	return b.Withdrawal == nil && b.End.Number >= b.Frontier
}

// Source is one source chain as driven by the relay engine.
type Source interface {
	ChainID() uint64
	Name() string
	PollInterval() time.Duration
	// Poll returns the next batch of confirmed logs or a withdrawal signal.
	Poll(ctx context.Context) (*Batch, error)
	// Ack commits the batch; the cursor never moves without it.
	Ack(ctx context.Context, batch *Batch) error
	// Normalize turns a raw log into a deposit or fails with ErrMalformedEvent.
	Normalize(log ethtypes.Log) (DepositEvent, error)
}

// SourceRegistry keeps the source chains by chain id.
type SourceRegistry interface {
	Add(ctx context.Context, config *ChainConfig) error
	Get(chainID uint64) Source
	Remove(chainID uint64)
	List() []Source
}
