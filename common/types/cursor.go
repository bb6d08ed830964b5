package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlockRef is a (number, hash) pair remembered for reorg detection.
type BlockRef struct {
	Number uint64
	Hash   common.Hash
}

// CheckpointCursor is the last safely processed block of a source chain.
type CheckpointCursor struct {
	ChainID     uint64
	BlockNumber uint64
	BlockHash   common.Hash
	UpdatedAt   time.Time
}

// Ref returns the cursor position as a block reference.
func (c CheckpointCursor) Ref() BlockRef {
	return BlockRef{Number: c.BlockNumber, Hash: c.BlockHash}
}

// Withdrawal is emitted by a chain reader when a reorganization orphans
// blocks it had already handed off. Every deposit whose origin block is in
// Orphaned must be flagged for reconciliation. Deep is set when the
// reorganization reached below the retained ancestry, so Orphaned may be
// incomplete.
type Withdrawal struct {
	ChainID  uint64
	Ancestor BlockRef
	Orphaned []BlockRef
	Deep     bool
}

// Contains reports whether ref is one of the orphaned blocks.
func (w Withdrawal) Contains(ref BlockRef) bool {
	for _, o := range w.Orphaned {
		if o == ref {
			return true
		}
	}
	return false
}
