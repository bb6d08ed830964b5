package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// GetCursor returns the cursor of chainID, or nil if the chain was never read.
func (db *DB) GetCursor(ctx context.Context, chainID uint64) (*types.CheckpointCursor, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		cursor      types.CheckpointCursor
		blockNumber int64
		blockHash   string
	)
	err := db.QueryRowContext(ctx, `
		SELECT block_number, block_hash, updated_at
		FROM checkpoint_cursors
		WHERE chain_id = $1
	`, int64(chainID)).Scan(&blockNumber, &blockHash, &cursor.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load cursor for chain %d", chainID)
	}

	cursor.ChainID = chainID
	cursor.BlockNumber = uint64(blockNumber)
	cursor.BlockHash = common.HexToHash(blockHash)
	cursor.UpdatedAt = cursor.UpdatedAt.UTC()
	return &cursor, nil
}

// SaveBlockRefs remembers refs for chainID.
func (db *DB) SaveBlockRefs(ctx context.Context, chainID uint64, refs []types.BlockRef) error {
	if len(refs) == 0 {
		return nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	numbers, hashes := splitRefs(refs)
	_, err := db.ExecContext(ctx, `
		INSERT INTO block_refs (chain_id, block_number, block_hash)
		SELECT $1, n, h FROM unnest($2::BIGINT[], $3::TEXT[]) AS t (n, h)
		ON CONFLICT DO NOTHING
	`, int64(chainID), pq.Array(numbers), pq.Array(hashes))
	return errors.Wrapf(err, "failed to save block refs for chain %d", chainID)
}

// LatestBlockRefs returns up to limit refs of chainID, highest number first.
func (db *DB) LatestBlockRefs(ctx context.Context, chainID uint64, limit int) ([]types.BlockRef, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT block_number, block_hash
		FROM block_refs
		WHERE chain_id = $1
		ORDER BY block_number DESC, block_hash ASC`
	args := []interface{}{int64(chainID)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load block refs for chain %d", chainID)
	}
	defer rows.Close()

	var refs []types.BlockRef
	for rows.Next() {
		var (
			number int64
			hash   string
		)
		if err := rows.Scan(&number, &hash); err != nil {
			return nil, errors.Wrap(err, "failed to scan block ref")
		}
		refs = append(refs, types.BlockRef{Number: uint64(number), Hash: common.HexToHash(hash)})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate block refs")
	}
	return refs, nil
}

// AdvanceCursor stores cursor, remembers its block and prunes refs below
// pruneBelow in one transaction.
func (db *DB) AdvanceCursor(ctx context.Context, cursor types.CheckpointCursor, pruneBelow uint64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertCursor(ctx, tx, cursor); err != nil {
			return err
		}
		if err := insertRef(ctx, tx, cursor.ChainID, cursor.Ref()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM block_refs WHERE chain_id = $1 AND block_number < $2
		`, int64(cursor.ChainID), int64(pruneBelow))
		return errors.Wrap(err, "failed to prune block refs")
	})
}

// RewindCursor moves the cursor back and forgets the orphaned refs in one
// transaction.
func (db *DB) RewindCursor(ctx context.Context, cursor types.CheckpointCursor, orphaned []types.BlockRef) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertCursor(ctx, tx, cursor); err != nil {
			return err
		}
		if len(orphaned) > 0 {
			numbers, hashes := splitRefs(orphaned)
			_, err := tx.ExecContext(ctx, `
				DELETE FROM block_refs r
				USING unnest($2::BIGINT[], $3::TEXT[]) AS o (n, h)
				WHERE r.chain_id = $1 AND r.block_number = o.n AND r.block_hash = o.h
			`, int64(cursor.ChainID), pq.Array(numbers), pq.Array(hashes))
			if err != nil {
				return errors.Wrap(err, "failed to delete orphaned block refs")
			}
		}
		return insertRef(ctx, tx, cursor.ChainID, cursor.Ref())
	})
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return db.PingContext(ctx)
}

func upsertCursor(ctx context.Context, tx *sql.Tx, cursor types.CheckpointCursor) error {
	updatedAt := cursor.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_cursors (chain_id, block_number, block_hash, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash   = EXCLUDED.block_hash,
			updated_at   = EXCLUDED.updated_at
	`, int64(cursor.ChainID), int64(cursor.BlockNumber), cursor.BlockHash.Hex(), updatedAt.UTC())
	return errors.Wrapf(err, "failed to store cursor for chain %d", cursor.ChainID)
}

func insertRef(ctx context.Context, tx *sql.Tx, chainID uint64, ref types.BlockRef) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO block_refs (chain_id, block_number, block_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, int64(chainID), int64(ref.Number), ref.Hash.Hex())
	return errors.Wrap(err, "failed to store block ref")
}
