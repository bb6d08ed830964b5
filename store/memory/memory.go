// Package memory is an in-process store for processing records and
// checkpoints. It gives the same atomicity guarantees as the Postgres store
// within one process and is used for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
)

type refKey struct {
	chainID uint64
	ref     types.BlockRef
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu      sync.RWMutex
	records map[types.DepositKey]*types.ProcessingRecord
	cursors map[uint64]types.CheckpointCursor
	refs    map[refKey]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[types.DepositKey]*types.ProcessingRecord),
		cursors: make(map[uint64]types.CheckpointCursor),
		refs:    make(map[refKey]struct{}),
	}
}

// InsertRecord stores rec if no record with its key exists.
func (s *Store) InsertRecord(ctx context.Context, rec *types.ProcessingRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.Key]; ok {
		return false, nil
	}
	s.records[rec.Key] = rec.Clone()
	return true, nil
}

// GetRecord returns a copy of the record for key.
func (s *Store) GetRecord(ctx context.Context, key types.DepositKey) (*types.ProcessingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, relayerrors.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// UpdateRecord replaces the stored record if its version still equals
// expectedVersion.
func (s *Store) UpdateRecord(ctx context.Context, rec *types.ProcessingRecord, expectedVersion int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.Key]
	if !ok {
		return false, relayerrors.ErrRecordNotFound
	}
	if current.Version != expectedVersion {
		return false, nil
	}
	s.records[rec.Key] = rec.Clone()
	return true, nil
}

// ListRecords returns the records matching q, oldest first.
func (s *Store) ListRecords(ctx context.Context, q types.RecordQuery) ([]*types.ProcessingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []*types.ProcessingRecord
	for _, rec := range s.records {
		if q.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortRecords(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// RecordsInBlocks returns the records whose origin block is one of refs.
func (s *Store) RecordsInBlocks(ctx context.Context, chainID uint64, refs []types.BlockRef) ([]*types.ProcessingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wanted := make(map[types.BlockRef]struct{}, len(refs))
	for _, ref := range refs {
		wanted[ref] = struct{}{}
	}

	s.mu.RLock()
	var out []*types.ProcessingRecord
	for key, rec := range s.records {
		if key.SourceChainID != chainID {
			continue
		}
		if _, ok := wanted[rec.Event.Origin()]; ok {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

// GetCursor returns the cursor of chainID, or nil.
func (s *Store) GetCursor(ctx context.Context, chainID uint64) (*types.CheckpointCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor, ok := s.cursors[chainID]
	if !ok {
		return nil, nil
	}
	return &cursor, nil
}

// SaveBlockRefs remembers refs for chainID.
func (s *Store) SaveBlockRefs(ctx context.Context, chainID uint64, refs []types.BlockRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range refs {
		s.refs[refKey{chainID: chainID, ref: ref}] = struct{}{}
	}
	return nil
}

// LatestBlockRefs returns up to limit refs of chainID, highest number first.
func (s *Store) LatestBlockRefs(ctx context.Context, chainID uint64, limit int) ([]types.BlockRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []types.BlockRef
	for k := range s.refs {
		if k.chainID == chainID {
			out = append(out, k.ref)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number > out[j].Number
		}
		return out[i].Hash.Hex() < out[j].Hash.Hex()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AdvanceCursor stores cursor, remembers its block and prunes refs below pruneBelow.
func (s *Store) AdvanceCursor(ctx context.Context, cursor types.CheckpointCursor, pruneBelow uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[cursor.ChainID] = cursor
	s.refs[refKey{chainID: cursor.ChainID, ref: cursor.Ref()}] = struct{}{}
	for k := range s.refs {
		if k.chainID == cursor.ChainID && k.ref.Number < pruneBelow {
			delete(s.refs, k)
		}
	}
	return nil
}

// RewindCursor moves the cursor back and forgets the orphaned refs.
func (s *Store) RewindCursor(ctx context.Context, cursor types.CheckpointCursor, orphaned []types.BlockRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[cursor.ChainID] = cursor
	for _, ref := range orphaned {
		delete(s.refs, refKey{chainID: cursor.ChainID, ref: ref})
	}
	s.refs[refKey{chainID: cursor.ChainID, ref: cursor.Ref()}] = struct{}{}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func sortRecords(recs []*types.ProcessingRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].Key.String() < recs[j].Key.String()
	})
}
