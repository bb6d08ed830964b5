package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DepositKey identifies a deposit across the whole relay. The nonce is kept in
// canonical decimal form so the key is comparable and usable as a map key.
type DepositKey struct {
	SourceChainID uint64
	Nonce         string
}

// NewDepositKey builds the key for a deposit nonce on a source chain.
func NewDepositKey(sourceChainID uint64, nonce *big.Int) DepositKey {
	return DepositKey{SourceChainID: sourceChainID, Nonce: nonce.String()}
}

// String returns the key as "<chainID>/<nonce>".
func (k DepositKey) String() string {
	return fmt.Sprintf("%d/%s", k.SourceChainID, k.Nonce)
}

// NonceInt returns the nonce as a big integer.
func (k DepositKey) NonceInt() (*big.Int, bool) {
	return new(big.Int).SetString(k.Nonce, 10)
}

// DepositEvent is the normalized, immutable record of a confirmed deposit.
//
// Fields:
// - Sender: the depositor on the source chain.
// - Recipient: the beneficiary on the destination chain.
// - Amount: the deposited amount (uint256).
// - Nonce: the bridge nonce, unique per source chain (uint256).
// - SourceChainID: the chain the deposit was made on.
// - DestChainID: the chain the deposit is bound for.
// - BlockNumber, BlockHash: the origin block of the Deposit log.
// - LogIndex: the index of the log within the block.
// - TransactionHash: the transaction that emitted the log.
type DepositEvent struct {
	Sender          common.Address
	Recipient       common.Address
	Amount          *big.Int
	Nonce           *big.Int
	SourceChainID   uint64
	DestChainID     uint64
	BlockNumber     uint64
	BlockHash       common.Hash
	LogIndex        uint
	TransactionHash common.Hash
}

// Key returns the idempotency key of the deposit.
func (e DepositEvent) Key() DepositKey {
	return NewDepositKey(e.SourceChainID, e.Nonce)
}

// Origin returns the block the deposit was observed in.
func (e DepositEvent) Origin() BlockRef {
	return BlockRef{Number: e.BlockNumber, Hash: e.BlockHash}
}
