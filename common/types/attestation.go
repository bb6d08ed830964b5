package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// AttestationHash is the 32-byte digest the destination verifier recomputes.
type AttestationHash = common.Hash

// Attestation is the signed proof of a deposit. It is created once per
// deposit and never mutated.
type Attestation struct {
	Hash      AttestationHash
	Signature []byte
	Signer    common.Address
	Event     DepositEvent
	Version   uint8
}

// AttestationPayload is the wire form handed to deliverers and the status API.
// Integers are decimal strings so that consumers without 256-bit numbers do
// not lose precision.
type AttestationPayload struct {
	Version         uint8          `json:"version"`
	Hash            common.Hash    `json:"hash"`
	Signature       hexutil.Bytes  `json:"signature"`
	Signer          common.Address `json:"signer"`
	Sender          common.Address `json:"sender"`
	Recipient       common.Address `json:"recipient"`
	Amount          string         `json:"amount"`
	Nonce           string         `json:"nonce"`
	SourceChainID   uint64         `json:"sourceChainId"`
	DestChainID     uint64         `json:"destChainId"`
	BlockNumber     uint64         `json:"blockNumber"`
	BlockHash       common.Hash    `json:"blockHash"`
	LogIndex        uint           `json:"logIndex"`
	TransactionHash common.Hash    `json:"transactionHash"`
}

// Payload converts the attestation to its wire form.
func (a Attestation) Payload() AttestationPayload {
	return AttestationPayload{
		Version:         a.Version,
		Hash:            a.Hash,
		Signature:       a.Signature,
		Signer:          a.Signer,
		Sender:          a.Event.Sender,
		Recipient:       a.Event.Recipient,
		Amount:          a.Event.Amount.String(),
		Nonce:           a.Event.Nonce.String(),
		SourceChainID:   a.Event.SourceChainID,
		DestChainID:     a.Event.DestChainID,
		BlockNumber:     a.Event.BlockNumber,
		BlockHash:       a.Event.BlockHash,
		LogIndex:        a.Event.LogIndex,
		TransactionHash: a.Event.TransactionHash,
	}
}

// Attestation converts the wire form back to an attestation.
func (p AttestationPayload) Attestation() (Attestation, error) {
	amount, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return Attestation{}, errors.Errorf("invalid amount %q", p.Amount)
	}
	nonce, ok := new(big.Int).SetString(p.Nonce, 10)
	if !ok {
		return Attestation{}, errors.Errorf("invalid nonce %q", p.Nonce)
	}

	return Attestation{
		Hash:      p.Hash,
		Signature: p.Signature,
		Signer:    p.Signer,
		Version:   p.Version,
		Event: DepositEvent{
			Sender:          p.Sender,
			Recipient:       p.Recipient,
			Amount:          amount,
			Nonce:           nonce,
			SourceChainID:   p.SourceChainID,
			DestChainID:     p.DestChainID,
			BlockNumber:     p.BlockNumber,
			BlockHash:       p.BlockHash,
			LogIndex:        p.LogIndex,
			TransactionHash: p.TransactionHash,
		},
	}, nil
}
