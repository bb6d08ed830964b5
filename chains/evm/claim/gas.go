package claim

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// gasIncreaseFactor is the minimum price increase, in percent, a replacement transaction needs.
const gasIncreaseFactor = 110

// GasPriceData represents the gas price data for EIP-1559 transactions.
type GasPriceData struct {
	MaxFeePerGas         *big.Int // The maximum fee per gas.
	MaxPriorityFeePerGas *big.Int // The maximum priority fee per gas.
}

func (s *Submitter) estimateGas(ctx context.Context, to common.Address, value *big.Int, data []byte) (uint64, error) {
	return s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.signer.Address(),
		To:    &to,
		Value: value,
		Data:  data,
	})
}

// getEIP1559GasPrice prices a dynamic fee transaction at 130% of the current
// base fee plus the suggested tip.
func (s *Submitter) getEIP1559GasPrice(ctx context.Context) (*GasPriceData, error) {
	suggestedTip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get suggested gas tip")
		suggestedTip = big.NewInt(1)
	}

	if suggestedTip.Sign() == 0 {
		suggestedTip = big.NewInt(1)
	}

	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		s.logger.WithField("chain", s.config.Name).WithError(err).Warn("Failed to get header by number")
		return nil, errors.Wrap(err, "failed to get header by number")
	}

	baseFee := header.BaseFee
	if baseFee == nil {
		return nil, errors.New("base fee is nil")
	}

	baseFeeBuf := new(big.Int).Mul(baseFee, big.NewInt(130))
	baseFeeBuf = baseFeeBuf.Div(baseFeeBuf, big.NewInt(100))
	maxFeePerGas := new(big.Int).Add(baseFeeBuf, suggestedTip)

	return &GasPriceData{
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: suggestedTip,
	}, nil
}

// replacementPrice returns the fee for a replacement of oldTx: the current
// market price, but at least gasIncreaseFactor percent of the old one.
func (s *Submitter) replacementPrice(ctx context.Context, oldTx *ethtypes.Transaction) (*big.Int, error) {
	var current *big.Int
	if s.config.TxType == TxTypeEIP1559 {
		gasPriceData, err := s.getEIP1559GasPrice(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get EIP-1559 gas price")
		}
		current = gasPriceData.MaxFeePerGas
	} else {
		price, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get current gas price")
		}
		current = price
	}

	minPrice := new(big.Int).Div(
		new(big.Int).Mul(oldTx.GasFeeCap(), big.NewInt(gasIncreaseFactor)),
		big.NewInt(100),
	)
	if current.Cmp(minPrice) > 0 {
		return current, nil
	}
	return minPrice, nil
}
