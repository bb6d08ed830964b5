package reader

import (
	"context"
	"math/big"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/metrics"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// call runs fn against the current client under the rate limiter and the
// per-call timeout. Failures are wrapped in ErrChainUnavailable.
func (r *Reader) call(ctx context.Context, method string, fn func(ctx context.Context, c Client) error) error {
	client, err := r.getClient()
	if err != nil {
		return err
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(relayerrors.ErrChainUnavailable, "%s: rate limiter: %v", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
	defer cancel()

	if err := fn(callCtx, client); err != nil {
		metrics.RPCErrors.WithLabelValues(r.config.Name, method).Inc()
		return errors.Wrapf(relayerrors.ErrChainUnavailable, "%s: %v", method, err)
	}
	return nil
}

func (r *Reader) blockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := r.call(ctx, "eth_blockNumber", func(ctx context.Context, c Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	return head, err
}

func (r *Reader) headerByNumber(ctx context.Context, number uint64) (*ethtypes.Header, error) {
	var header *ethtypes.Header
	err := r.call(ctx, "eth_getBlockByNumber", func(ctx context.Context, c Client) error {
		var err error
		header, err = c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err == nil && header == nil {
			err = errors.Errorf("block %d not found", number)
		}
		return err
	})
	return header, err
}
