package claim

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// waitConfirmation polls for the receipt of tx, or of any replacement sent
// for it, until it has WaitNBlocks confirmations. A transaction unmined after
// replaceAfter is repriced with the same nonce.
func (s *Submitter) waitConfirmation(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	sent := []*ethtypes.Transaction{tx}
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.logger.WithField("txHash", tx.Hash().Hex()).Warn("Claim confirmation wait interrupted")
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := s.findReceipt(ctx, sent)
			if err != nil {
				return nil, err
			}

			if receipt == nil {
				if time.Since(startTime) > s.replaceAfter {
					replacement, err := s.replaceTransaction(ctx, sent[len(sent)-1])
					if err != nil {
						s.logger.WithError(err).WithField("txHash", tx.Hash().Hex()).Warn("Failed to replace stuck claim")
					} else {
						sent = append(sent, replacement)
					}
					startTime = time.Now()
				}
				continue
			}

			currentBlock, err := s.client.BlockNumber(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "failed to get current block number")
			}
			if currentBlock < receipt.BlockNumber.Uint64()+s.config.WaitNBlocks {
				continue
			}
			return receipt, nil
		}
	}
}

func (s *Submitter) findReceipt(ctx context.Context, sent []*ethtypes.Transaction) (*ethtypes.Receipt, error) {
	for i := len(sent) - 1; i >= 0; i-- {
		receipt, err := s.client.TransactionReceipt(ctx, sent[i].Hash())
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to get transaction receipt")
		}
		return receipt, nil
	}
	return nil, nil
}

// replaceTransaction resends oldTx with the same nonce at a higher price.
func (s *Submitter) replaceTransaction(ctx context.Context, oldTx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()

	newPrice, err := s.replacementPrice(ctx, oldTx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to calculate new gas price")
	}

	var newTx *ethtypes.Transaction
	if s.config.TxType == TxTypeEIP1559 {
		tip := new(big.Int).Div(new(big.Int).Mul(oldTx.GasTipCap(), big.NewInt(gasIncreaseFactor)), big.NewInt(100))
		if tip.Cmp(newPrice) > 0 {
			tip = newPrice
		}
		newTx = ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   oldTx.ChainId(),
			Nonce:     oldTx.Nonce(),
			GasTipCap: tip,
			GasFeeCap: newPrice,
			Gas:       oldTx.Gas(),
			To:        oldTx.To(),
			Value:     oldTx.Value(),
			Data:      oldTx.Data(),
		})
	} else {
		newTx = ethtypes.NewTransaction(
			oldTx.Nonce(),
			*oldTx.To(),
			oldTx.Value(),
			oldTx.Gas(),
			newPrice,
			oldTx.Data(),
		)
	}

	signed, err := s.signAndSendTransaction(ctx, newTx)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"chain":      s.config.Name,
		"originalTx": oldTx.Hash().Hex(),
		"newTx":      signed.Hash().Hex(),
	}).Info("Stuck claim transaction repriced")
	return signed, nil
}
