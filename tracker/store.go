package tracker

import (
	"context"

	"github.com/ClipFinance/deposit-relay/common/types"
)

// Store is the durable home of processing records. Every mutation is a
// single conditional write, which is what makes admission atomic across
// workers and processes.
type Store interface {
	// InsertRecord creates rec unless a record with the same key exists.
	//
	// Returns:
	// - bool: true if this call created the record.
	// - error: an error if the store is unreachable.
	InsertRecord(ctx context.Context, rec *types.ProcessingRecord) (bool, error)

	// GetRecord returns the record for key or ErrRecordNotFound.
	GetRecord(ctx context.Context, key types.DepositKey) (*types.ProcessingRecord, error)

	// UpdateRecord writes rec only if the stored version equals expectedVersion.
	//
	// Returns:
	// - bool: true if the write happened.
	// - error: ErrRecordNotFound or a store error.
	UpdateRecord(ctx context.Context, rec *types.ProcessingRecord, expectedVersion int64) (bool, error)

	// ListRecords returns the records matching q, oldest first.
	ListRecords(ctx context.Context, q types.RecordQuery) ([]*types.ProcessingRecord, error)

	// RecordsInBlocks returns the records of chainID whose origin block is one of refs.
	RecordsInBlocks(ctx context.Context, chainID uint64, refs []types.BlockRef) ([]*types.ProcessingRecord, error)
}
