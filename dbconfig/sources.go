package dbconfig

import (
	"context"

	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/pkg/errors"
)

// SourceChainConfigs returns the chain configuration of every active chain,
// dialed through its most recently added active RPC.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - []*types.ChainConfig: the source chains.
// - error: ErrNoActiveRPC if an active chain has no active RPC, or a database error.
func (r *DBConfig) SourceChainConfigs(ctx context.Context) ([]*types.ChainConfig, error) {
	chains, err := r.GetChains(ctx, true)
	if err != nil {
		return nil, err
	}

	configs := make([]*types.ChainConfig, 0, len(chains))
	for _, chain := range chains {
		rpcs, err := r.GetRPCsByChainID(ctx, chain.ChainID, true)
		if err != nil {
			return nil, err
		}
		if len(rpcs) == 0 {
			return nil, errors.Wrapf(ErrNoActiveRPC, "chain %s (%d)", chain.Name, chain.ChainID)
		}

		configs = append(configs, &types.ChainConfig{
			Name:          chain.Name,
			ChainType:     chain.Type,
			ChainID:       chain.ChainID,
			RpcUrl:        rpcs[0].URL,
			BridgeAddress: chain.BridgeAddress,
			Confirmations: chain.Confirmations,
			StartBlock:    chain.StartBlock,
		})
	}

	return configs, nil
}
