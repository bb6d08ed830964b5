package postgres

import (
	"context"
	"database/sql"
	"math/big"
	"strconv"
	"strings"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const recordColumns = `
	source_chain_id,
	nonce,
	state,
	prior_state,
	sender,
	recipient,
	amount,
	dest_chain_id,
	block_number,
	block_hash,
	log_index,
	tx_hash,
	attestation_hash,
	signature,
	signer,
	attempts,
	last_error,
	permanent,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	created_at,
	updated_at,
	signed_at,
	delivered_at,
	version`

// InsertRecord creates rec unless its key exists.
func (db *DB) InsertRecord(ctx context.Context, rec *types.ProcessingRecord) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := db.ExecContext(ctx, `
		INSERT INTO processing_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (source_chain_id, nonce) DO NOTHING
	`, recordArgs(rec)...)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert processing record")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n == 1, nil
}

// GetRecord returns the record for key.
func (db *DB) GetRecord(ctx context.Context, key types.DepositKey) (*types.ProcessingRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM processing_records
		WHERE source_chain_id = $1 AND nonce = $2
	`, int64(key.SourceChainID), key.Nonce)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, relayerrors.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load processing record")
	}
	return rec, nil
}

// UpdateRecord overwrites the record if its version equals expectedVersion.
func (db *DB) UpdateRecord(ctx context.Context, rec *types.ProcessingRecord, expectedVersion int64) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	args := recordArgs(rec)
	args = append(args, expectedVersion)

	res, err := db.ExecContext(ctx, `
		UPDATE processing_records SET
			state            = $3,
			prior_state      = $4,
			sender           = $5,
			recipient        = $6,
			amount           = $7,
			dest_chain_id    = $8,
			block_number     = $9,
			block_hash       = $10,
			log_index        = $11,
			tx_hash          = $12,
			attestation_hash = $13,
			signature        = $14,
			signer           = $15,
			attempts         = $16,
			last_error       = $17,
			permanent        = $18,
			next_attempt_at  = $19,
			lease_owner      = $20,
			lease_expires_at = $21,
			created_at       = $22,
			updated_at       = $23,
			signed_at        = $24,
			delivered_at     = $25,
			version          = $26
		WHERE source_chain_id = $1 AND nonce = $2 AND version = $27
	`, args...)
	if err != nil {
		return false, errors.Wrap(err, "failed to update processing record")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	err = db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM processing_records WHERE source_chain_id = $1 AND nonce = $2)
	`, int64(rec.Key.SourceChainID), rec.Key.Nonce).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check processing record")
	}
	if !exists {
		return false, relayerrors.ErrRecordNotFound
	}
	return false, nil
}

// ListRecords returns the records matching q, oldest first.
func (db *DB) ListRecords(ctx context.Context, q types.RecordQuery) ([]*types.ProcessingRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + recordColumns + ` FROM processing_records WHERE TRUE`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q.ChainID != 0 {
		query += " AND source_chain_id = " + arg(int64(q.ChainID))
	}
	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, s := range q.States {
			states[i] = s.String()
		}
		query += " AND state = ANY(" + arg(pq.Array(states)) + ")"
	}
	if q.Permanent != nil {
		query += " AND permanent = " + arg(*q.Permanent)
	}
	if !q.DueBefore.IsZero() {
		query += " AND (next_attempt_at IS NULL OR next_attempt_at <= " + arg(q.DueBefore.UTC()) + ")"
	}
	if !q.LeaseExpiredBefore.IsZero() {
		query += " AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= " + arg(q.LeaseExpiredBefore.UTC()) + ")"
	}

	query += " ORDER BY created_at ASC, source_chain_id ASC, nonce ASC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	return db.queryRecords(ctx, query, args...)
}

// RecordsInBlocks returns the records of chainID that originate from refs.
func (db *DB) RecordsInBlocks(ctx context.Context, chainID uint64, refs []types.BlockRef) ([]*types.ProcessingRecord, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	numbers, hashes := splitRefs(refs)
	cols := strings.ReplaceAll(recordColumns, "\n\t", "\n\tr.")

	return db.queryRecords(ctx, `
		SELECT `+cols+`
		FROM processing_records r
		JOIN unnest($2::BIGINT[], $3::TEXT[]) AS o (block_number, block_hash)
		  ON r.block_number = o.block_number AND r.block_hash = o.block_hash
		WHERE r.source_chain_id = $1
		ORDER BY r.created_at ASC, r.nonce ASC
	`, int64(chainID), pq.Array(numbers), pq.Array(hashes))
}

func (db *DB) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*types.ProcessingRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query processing records")
	}
	defer rows.Close()

	var out []*types.ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan processing record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate processing records")
	}
	return out, nil
}

func recordArgs(rec *types.ProcessingRecord) []interface{} {
	var hash string
	if rec.Hash != (types.AttestationHash{}) {
		hash = rec.Hash.Hex()
	}
	var signer string
	if rec.Signer != (common.Address{}) {
		signer = rec.Signer.Hex()
	}

	return []interface{}{
		int64(rec.Key.SourceChainID),
		rec.Key.Nonce,
		rec.State.String(),
		rec.PriorState.String(),
		rec.Event.Sender.Hex(),
		rec.Event.Recipient.Hex(),
		bigString(rec.Event.Amount),
		strconv.FormatUint(rec.Event.DestChainID, 10),
		int64(rec.Event.BlockNumber),
		rec.Event.BlockHash.Hex(),
		int64(rec.Event.LogIndex),
		rec.Event.TransactionHash.Hex(),
		hash,
		rec.Signature,
		signer,
		rec.Attempts,
		rec.LastError,
		rec.Permanent,
		nullTime(rec.NextAttemptAt),
		rec.LeaseOwner,
		nullTime(rec.LeaseExpiresAt),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
		nullTime(rec.SignedAt),
		nullTime(rec.DeliveredAt),
		rec.Version,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*types.ProcessingRecord, error) {
	var (
		rec                                  types.ProcessingRecord
		chainID, blockNumber, logIndex       int64
		nonce, amount, destChainID           string
		state, priorState                    string
		sender, recipient, blockHash, txHash string
		hash, signer                         string
		nextAttemptAt, leaseExpiresAt        sql.NullTime
		signedAt, deliveredAt                sql.NullTime
	)

	err := row.Scan(
		&chainID,
		&nonce,
		&state,
		&priorState,
		&sender,
		&recipient,
		&amount,
		&destChainID,
		&blockNumber,
		&blockHash,
		&logIndex,
		&txHash,
		&hash,
		&rec.Signature,
		&signer,
		&rec.Attempts,
		&rec.LastError,
		&rec.Permanent,
		&nextAttemptAt,
		&rec.LeaseOwner,
		&leaseExpiresAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&signedAt,
		&deliveredAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}

	var ok bool
	if rec.State, ok = types.ParseState(state); !ok {
		return nil, errors.Errorf("unknown state %q", state)
	}
	if priorState != "" {
		if rec.PriorState, ok = types.ParseState(priorState); !ok {
			return nil, errors.Errorf("unknown prior state %q", priorState)
		}
	}

	nonceInt, ok := new(big.Int).SetString(nonce, 10)
	if !ok {
		return nil, errors.Errorf("invalid nonce %q", nonce)
	}
	amountInt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, errors.Errorf("invalid amount %q", amount)
	}
	dest, err := strconv.ParseUint(destChainID, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid destination chain id %q", destChainID)
	}

	rec.Key = types.NewDepositKey(uint64(chainID), nonceInt)
	rec.Event = types.DepositEvent{
		Sender:          common.HexToAddress(sender),
		Recipient:       common.HexToAddress(recipient),
		Amount:          amountInt,
		Nonce:           nonceInt,
		SourceChainID:   uint64(chainID),
		DestChainID:     dest,
		BlockNumber:     uint64(blockNumber),
		BlockHash:       common.HexToHash(blockHash),
		LogIndex:        uint(logIndex),
		TransactionHash: common.HexToHash(txHash),
	}
	if hash != "" {
		rec.Hash = common.HexToHash(hash)
	}
	if signer != "" {
		rec.Signer = common.HexToAddress(signer)
	}
	if len(rec.Signature) == 0 {
		rec.Signature = nil
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.NextAttemptAt = fromNullTime(nextAttemptAt)
	rec.LeaseExpiresAt = fromNullTime(leaseExpiresAt)
	rec.SignedAt = fromNullTime(signedAt)
	rec.DeliveredAt = fromNullTime(deliveredAt)

	return &rec, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func splitRefs(refs []types.BlockRef) ([]int64, []string) {
	numbers := make([]int64, len(refs))
	hashes := make([]string, len(refs))
	for i, ref := range refs {
		numbers[i] = int64(ref.Number)
		hashes[i] = ref.Hash.Hex()
	}
	return numbers, hashes
}
