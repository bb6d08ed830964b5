package dbconfig

import (
	"context"
	"database/sql"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/dbconfig/models"
	"github.com/pkg/errors"
)

// GetRPCsByChainID returns all RPCs for a given chain ID from the database, optionally filtering by active status.
// The most recently added RPC comes first.
//
// Parameters:
// - ctx: the context for managing the request.
// - chainID: the unique identifier for the chain.
// - activeOnly: a boolean flag to filter only active RPCs.
//
// Returns:
// - []models.RPC: a slice of RPC models.
// - error: an error if the database operation fails.
func (r *DBConfig) GetRPCsByChainID(ctx context.Context, chainID uint64, activeOnly bool) ([]models.RPC, error) {
	if chainID == 0 {
		return nil, relayerrors.ErrInvalidChainID
	}

	query := `
		SELECT
			id,
			chain_id,
			url,
			provider,
			active,
			created_at,
			updated_at
		FROM rpcs
		WHERE chain_id = $1
	`

	args := []interface{}{chainID}

	if activeOnly {
		query += " AND active = $2"
		args = append(args, true)
	}

	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(relayerrors.ErrDatabaseConnect, err.Error())
	}
	defer rows.Close()

	var rpcs []models.RPC
	for rows.Next() {
		var rpc models.RPC
		var provider sql.NullString

		err := rows.Scan(
			&rpc.ID,
			&rpc.ChainID,
			&rpc.URL,
			&provider,
			&rpc.Active,
			&rpc.CreatedAt,
			&rpc.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(relayerrors.ErrDatabaseConnect, err.Error())
		}

		if provider.Valid {
			rpc.Provider = provider.String
		}

		rpcs = append(rpcs, rpc)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(relayerrors.ErrDatabaseConnect, err.Error())
	}

	return rpcs, nil
}
