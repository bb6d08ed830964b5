// Package claim delivers attestations by submitting them to the destination
// bridge's claim entrypoint from the relayer's own account.
package claim

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/delivery"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// TxTypeLegacy represents the legacy transaction type.
	TxTypeLegacy = 0
	// TxTypeEIP1559 represents the EIP-1559 transaction type.
	TxTypeEIP1559 = 2

	// defaultReplaceAfter is how long a transaction may stay unmined before it is repriced.
	defaultReplaceAfter = 30 * time.Second
	// defaultPollInterval is the receipt polling interval.
	defaultPollInterval = time.Second
)

// BridgeDestABI is the part of the destination bridge the relayer calls.
const BridgeDestABI = `[
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
		{"name":"sender","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"srcChainId","type":"uint256"},
		{"name":"nonce","type":"uint256"},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"processed","stateMutability":"view","inputs":[
		{"name":"hash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

var bridgeDestABI = mustParseABI(BridgeDestABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Client is the subset of ethclient.Client the submitter needs.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// TxSigner signs destination chain transactions.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
}

// Submitter is a Deliverer that claims deposits on the destination chain.
type Submitter struct {
	config       *types.ChainConfig
	bridge       common.Address
	client       Client
	signer       TxSigner
	logger       *logrus.Logger
	replaceAfter time.Duration
	pollInterval time.Duration

	// sendMutex serializes nonce allocation for the relayer account.
	sendMutex sync.Mutex
}

// NewSubmitter creates a claim submitter for the destination chain.
//
// Parameters:
// - config: the destination chain configuration (ChainID, BridgeAddress, TxType, WaitNBlocks).
// - client: the destination RPC client.
// - signer: the relayer account signer.
// - logger: the logger.
//
// Returns:
// - *Submitter: the submitter.
// - error: an error if the bridge address is invalid.
func NewSubmitter(config *types.ChainConfig, client Client, signer TxSigner, logger *logrus.Logger) (*Submitter, error) {
	if !common.IsHexAddress(config.BridgeAddress) {
		return nil, errors.Errorf("invalid destination bridge address %q", config.BridgeAddress)
	}
	return &Submitter{
		config:       config,
		bridge:       common.HexToAddress(config.BridgeAddress),
		client:       client,
		signer:       signer,
		logger:       logger,
		replaceAfter: defaultReplaceAfter,
		pollInterval: defaultPollInterval,
	}, nil
}

// Name returns "claim".
func (s *Submitter) Name() string {
	return "claim"
}

// Deliver submits claim(...) for the attestation and waits for the configured
// number of confirmations. A deposit the bridge already processed counts as
// delivered, which makes redelivery safe.
func (s *Submitter) Deliver(ctx context.Context, att types.Attestation) error {
	log := s.logger.WithFields(logrus.Fields{
		"chain": s.config.Name,
		"key":   att.Event.Key().String(),
	})

	done, err := s.processed(ctx, att.Hash)
	if err != nil {
		return delivery.Failed(err, "claim: check processed")
	}
	if done {
		log.Debug("Deposit already claimed on destination")
		return nil
	}

	data, err := bridgeDestABI.Pack("claim",
		att.Event.Sender,
		att.Event.Recipient,
		att.Event.Amount,
		new(big.Int).SetUint64(att.Event.SourceChainID),
		att.Event.Nonce,
		att.Signature,
	)
	if err != nil {
		return errors.Wrap(err, "failed to pack claim data")
	}

	tx, err := s.send(ctx, data)
	if err != nil {
		return delivery.Failed(err, "claim: send")
	}
	log = log.WithField("txHash", tx.Hash().Hex())
	log.Info("Claim transaction sent")

	receipt, err := s.waitConfirmation(ctx, tx)
	if err != nil {
		return delivery.Failed(err, "claim: wait %s", tx.Hash().Hex())
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		log.WithField("block", receipt.BlockNumber).Info("Claim confirmed")
		return nil
	}

	// A revert is benign if a competing claim got there first.
	if done, err := s.processed(ctx, att.Hash); err == nil && done {
		log.Info("Claim reverted but deposit is processed")
		return nil
	}
	return delivery.Failed(errors.New("claim transaction reverted"), "claim: %s", receipt.TxHash.Hex())
}

func (s *Submitter) processed(ctx context.Context, hash types.AttestationHash) (bool, error) {
	data, err := bridgeDestABI.Pack("processed", [32]byte(hash))
	if err != nil {
		return false, errors.Wrap(err, "failed to pack processed call")
	}

	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.bridge, Data: data}, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to call processed")
	}

	values, err := bridgeDestABI.Unpack("processed", out)
	if err != nil {
		return false, errors.Wrap(err, "failed to unpack processed result")
	}
	done, ok := values[0].(bool)
	if !ok {
		return false, errors.New("unexpected processed result type")
	}
	return done, nil
}

func (s *Submitter) send(ctx context.Context, data []byte) (*ethtypes.Transaction, error) {
	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return nil, errors.Wrap(err, "failed to get nonce")
	}

	tx, err := s.prepareTransaction(ctx, nonce, s.bridge, big.NewInt(0), data)
	if err != nil {
		return nil, err
	}

	return s.signAndSendTransaction(ctx, tx)
}

// prepareTransaction builds an unsigned transaction with a 10% gas limit
// margin, priced per the configured transaction type.
func (s *Submitter) prepareTransaction(ctx context.Context, nonce uint64, to common.Address, value *big.Int, data []byte) (*ethtypes.Transaction, error) {
	estimatedGas, err := s.estimateGas(ctx, to, value, data)
	if err != nil {
		s.logger.WithField("chain", s.config.Name).WithError(err).Warn("Failed to estimate gas")
		return nil, errors.Wrap(err, "failed to estimate gas")
	}

	gasLimit := uint64(float64(estimatedGas) * 1.1)

	if s.config.TxType == TxTypeEIP1559 {
		gasPriceData, err := s.getEIP1559GasPrice(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get EIP-1559 gas price")
		}

		return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(s.config.ChainID),
			Nonce:     nonce,
			GasFeeCap: gasPriceData.MaxFeePerGas,
			GasTipCap: gasPriceData.MaxPriorityFeePerGas,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		}), nil
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gas price")
	}

	gasPrice = new(big.Int).Mul(gasPrice, big.NewInt(150))
	gasPrice = new(big.Int).Div(gasPrice, big.NewInt(100))

	return ethtypes.NewTransaction(nonce, to, value, gasLimit, gasPrice, data), nil
}

func (s *Submitter) signAndSendTransaction(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	signedTx, err := s.signer.SignTx(tx, new(big.Int).SetUint64(s.config.ChainID))
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign transaction")
		return nil, errors.Wrap(err, "failed to sign transaction")
	}

	if err = s.client.SendTransaction(ctx, signedTx); err != nil {
		s.logger.WithError(err).Error("Failed to send transaction")
		return nil, errors.Wrap(err, "failed to send transaction")
	}

	return signedTx, nil
}
