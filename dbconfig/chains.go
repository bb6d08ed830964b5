package dbconfig

import (
	"context"
	"database/sql"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/dbconfig/models"
	"github.com/pkg/errors"
)

const chainColumns = `
	id,
	chain_id,
	name,
	chain_type,
	bridge_address,
	confirmations,
	start_block,
	active,
	created_at,
	updated_at`

// GetChains returns all chains from the database, optionally filtering by active status.
func (r *DBConfig) GetChains(ctx context.Context, activeOnly bool) ([]models.Chain, error) {
	query := `SELECT ` + chainColumns + ` FROM chains`

	var args []interface{}
	if activeOnly {
		query += " WHERE active = $1"
		args = append(args, true)
	}

	query += " ORDER BY chain_id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(relayerrors.ErrDatabaseConnect, err.Error())
	}
	defer rows.Close()

	var chains []models.Chain
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(relayerrors.ErrDatabaseConnect, err.Error())
	}

	return chains, nil
}

// GetChainByID returns the chain with the given chain id.
func (r *DBConfig) GetChainByID(ctx context.Context, chainID uint64) (*models.Chain, error) {
	if chainID == 0 {
		return nil, relayerrors.ErrInvalidChainID
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+chainColumns+` FROM chains WHERE chain_id = $1`, chainID)
	chain, err := scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(relayerrors.ErrChainNotFound, "chain %d", chainID)
	}
	if err != nil {
		return nil, err
	}

	return &chain, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChain(row rowScanner) (models.Chain, error) {
	var (
		chain         models.Chain
		chainType     sql.NullString
		bridgeAddress sql.NullString
	)

	err := row.Scan(
		&chain.ID,
		&chain.ChainID,
		&chain.Name,
		&chainType,
		&bridgeAddress,
		&chain.Confirmations,
		&chain.StartBlock,
		&chain.Active,
		&chain.CreatedAt,
		&chain.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return chain, err
	}
	if err != nil {
		return chain, errors.Wrap(relayerrors.ErrDatabaseConnect, err.Error())
	}

	if bridgeAddress.Valid {
		chain.BridgeAddress = bridgeAddress.String
	}
	chain.Type = types.ParseChainType(chainType.String)

	return chain, nil
}
