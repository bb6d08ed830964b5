// Package attestation computes the canonical message a destination verifier
// recomputes for a deposit.
//
// Wire format, version 1 (Solidity abi.encodePacked of
// address,address,uint256,uint256,uint256):
//
//	sender[20] || recipient[20] || amount[32] || srcChainId[32] || nonce[32]
//
// hashed with keccak256. Integers are big-endian and left-padded to 32 bytes.
// The destination chain id is not part of the preimage.
package attestation

import (
	"math/big"

	"github.com/ClipFinance/deposit-relay/chains/evm/signer"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// WireVersion identifies the preimage layout produced by Encode.
const WireVersion uint8 = 1

// PreimageLength is the byte length of a version 1 preimage.
const PreimageLength = common.AddressLength*2 + 32*3

// Encode returns the packed preimage of the deposit.
func Encode(event types.DepositEvent) []byte {
	buf := make([]byte, 0, PreimageLength)
	buf = append(buf, event.Sender.Bytes()...)
	buf = append(buf, event.Recipient.Bytes()...)
	buf = append(buf, word(event.Amount)...)
	buf = append(buf, word(new(big.Int).SetUint64(event.SourceChainID))...)
	buf = append(buf, word(event.Nonce)...)
	return buf
}

// Build returns the attestation hash of the deposit. It is deterministic and
// depends only on sender, recipient, amount, source chain id and nonce.
func Build(event types.DepositEvent) types.AttestationHash {
	return crypto.Keccak256Hash(Encode(event))
}

// New assembles an attestation from a deposit and its signature.
func New(event types.DepositEvent, signature []byte, signerAddress common.Address) types.Attestation {
	return types.Attestation{
		Hash:      Build(event),
		Signature: append([]byte(nil), signature...),
		Signer:    signerAddress,
		Event:     event,
		Version:   WireVersion,
	}
}

// Verify checks that att carries the hash of its own event and a signature
// that recovers to att.Signer.
func Verify(att types.Attestation) error {
	if att.Version != WireVersion {
		return errors.Wrapf(relayerrors.ErrAttestationInvalid, "unsupported wire version %d", att.Version)
	}
	if expected := Build(att.Event); expected != att.Hash {
		return errors.Wrapf(relayerrors.ErrAttestationInvalid, "hash %s does not match event hash %s", att.Hash.Hex(), expected.Hex())
	}

	recovered, err := signer.Recover(att.Hash, att.Signature)
	if err != nil {
		return errors.Wrap(relayerrors.ErrAttestationInvalid, err.Error())
	}
	if recovered != att.Signer {
		return errors.Wrapf(relayerrors.ErrAttestationInvalid, "recovered %s, expected %s", recovered.Hex(), att.Signer.Hex())
	}

	return nil
}

// word left-pads v to 32 bytes. A nil value encodes as zero.
func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}
