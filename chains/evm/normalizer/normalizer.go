// Package normalizer turns raw bridge logs into typed deposit events.
package normalizer

import (
	"math/big"
	"strings"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

const (
	// DepositEventName is the ABI name of the bridge event.
	DepositEventName = "Deposit"
	// DepositSignature is the canonical event signature hashed into topic0.
	DepositSignature = "Deposit(address,address,uint256,uint256,uint256)"

	depositTopics   = 4  // signature + sender + recipient + dstChainId
	depositDataSize = 64 // amount + nonce
)

// BridgeABI declares the source bridge Deposit event.
const BridgeABI = `[{
	"anonymous": false,
	"type": "event",
	"name": "Deposit",
	"inputs": [
		{"indexed": true,  "name": "sender",     "type": "address"},
		{"indexed": true,  "name": "recipient",  "type": "address"},
		{"indexed": false, "name": "amount",     "type": "uint256"},
		{"indexed": false, "name": "nonce",      "type": "uint256"},
		{"indexed": true,  "name": "dstChainId", "type": "uint256"}
	]
}]`

var (
	bridgeABI    abi.ABI
	depositEvent abi.Event
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(BridgeABI))
	if err != nil {
		panic(errors.Wrap(err, "failed to parse bridge ABI"))
	}
	bridgeABI = parsed
	depositEvent = parsed.Events[DepositEventName]
}

// DepositTopic returns topic0 of the Deposit event.
func DepositTopic() common.Hash {
	return depositEvent.ID
}

// Normalizer validates and decodes Deposit logs emitted by one bridge
// contract on one source chain. It holds no mutable state.
type Normalizer struct {
	chainID uint64
	bridge  common.Address
}

// NewNormalizer creates a normalizer for the bridge at bridgeAddress on the
// given source chain.
func NewNormalizer(chainID uint64, bridgeAddress common.Address) *Normalizer {
	return &Normalizer{chainID: chainID, bridge: bridgeAddress}
}

// Normalize converts a raw log into a DepositEvent.
//
// Parameters:
// - log: the raw log returned by the chain reader.
//
// Returns:
// - types.DepositEvent: the typed deposit.
// - error: an error wrapping ErrMalformedEvent if the log is not a well formed Deposit.
func (n *Normalizer) Normalize(log ethtypes.Log) (types.DepositEvent, error) {
	if err := n.validate(log); err != nil {
		return types.DepositEvent{}, errors.Wrapf(relayerrors.ErrMalformedEvent, "log %s/%d: %v", log.TxHash.Hex(), log.Index, err)
	}

	event, err := n.decode(log)
	if err != nil {
		return types.DepositEvent{}, errors.Wrapf(relayerrors.ErrMalformedEvent, "log %s/%d: %v", log.TxHash.Hex(), log.Index, err)
	}

	return event, nil
}

func (n *Normalizer) validate(log ethtypes.Log) error {
	if log.Removed {
		return errors.New("log was removed by a reorganization")
	}
	if log.Address != n.bridge {
		return errors.Errorf("unexpected emitter %s", log.Address.Hex())
	}
	if len(log.Topics) != depositTopics {
		return errors.Errorf("expected %d topics, got %d", depositTopics, len(log.Topics))
	}
	if log.Topics[0] != depositEvent.ID {
		return errors.Errorf("unexpected event signature %s", log.Topics[0].Hex())
	}
	for i, name := range []string{"sender", "recipient"} {
		if !isAddressTopic(log.Topics[i+1]) {
			return errors.Errorf("%s topic is not a left padded address", name)
		}
	}
	if len(log.Data) != depositDataSize {
		return errors.Errorf("expected %d data bytes, got %d", depositDataSize, len(log.Data))
	}
	return nil
}

func (n *Normalizer) decode(log ethtypes.Log) (types.DepositEvent, error) {
	indexed := make(map[string]interface{}, 3)
	if err := abi.ParseTopicsIntoMap(indexed, indexedArguments(), log.Topics[1:]); err != nil {
		return types.DepositEvent{}, errors.Wrap(err, "failed to decode indexed fields")
	}

	values, err := bridgeABI.Unpack(DepositEventName, log.Data)
	if err != nil {
		return types.DepositEvent{}, errors.Wrap(err, "failed to decode data")
	}
	if len(values) != 2 {
		return types.DepositEvent{}, errors.Errorf("expected 2 data fields, got %d", len(values))
	}

	sender, okSender := indexed["sender"].(common.Address)
	recipient, okRecipient := indexed["recipient"].(common.Address)
	dstChainID, okDst := indexed["dstChainId"].(*big.Int)
	amount, okAmount := values[0].(*big.Int)
	nonce, okNonce := values[1].(*big.Int)
	if !okSender || !okRecipient || !okDst || !okAmount || !okNonce {
		return types.DepositEvent{}, errors.New("unexpected field types")
	}

	if err := fitsUint256("amount", amount); err != nil {
		return types.DepositEvent{}, err
	}
	if err := fitsUint256("nonce", nonce); err != nil {
		return types.DepositEvent{}, err
	}
	if !dstChainID.IsUint64() {
		return types.DepositEvent{}, errors.Errorf("dstChainId %s does not fit uint64", dstChainID)
	}

	return types.DepositEvent{
		Sender:          sender,
		Recipient:       recipient,
		Amount:          amount,
		Nonce:           nonce,
		SourceChainID:   n.chainID,
		DestChainID:     dstChainID.Uint64(),
		BlockNumber:     log.BlockNumber,
		BlockHash:       log.BlockHash,
		LogIndex:        log.Index,
		TransactionHash: log.TxHash,
	}, nil
}

func indexedArguments() abi.Arguments {
	var args abi.Arguments
	for _, arg := range depositEvent.Inputs {
		if arg.Indexed {
			args = append(args, arg)
		}
	}
	return args
}

// isAddressTopic reports whether the upper 12 bytes of topic are zero.
func isAddressTopic(topic common.Hash) bool {
	for _, b := range topic[:common.HashLength-common.AddressLength] {
		if b != 0 {
			return false
		}
	}
	return true
}

func fitsUint256(name string, v *big.Int) error {
	if v.Sign() < 0 {
		return errors.Errorf("%s is negative", name)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return errors.Errorf("%s exceeds 256 bits", name)
	}
	return nil
}
