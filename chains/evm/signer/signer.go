package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// MessagePrefix is prepended to every attestation hash before signing, so a
// signature can never be replayed as a transaction signature.
const MessagePrefix = "\x19Ethereum Signed Message:\n32"

// Signer is the opaque signing capability used for attestations.
type Signer interface {
	// Sign signs the given attestation hash and returns a 65-byte signature.
	//
	// Parameters:
	// - ctx: the context bounding the signing call.
	// - digest: the attestation hash to sign.
	//
	// Returns:
	// - []byte: the signature (r || s || v) with v in {27, 28}.
	// - error: an error wrapping ErrSigningUnavailable if no signature could be produced.
	Sign(ctx context.Context, digest types.AttestationHash) ([]byte, error)

	// Address returns the signer's address.
	//
	// Returns:
	// - common.Address: the signer's address.
	Address() common.Address
}

// KeySigner is a Signer backed by a local private key. It can also sign
// destination chain transactions.
type KeySigner interface {
	Signer

	// SignTx signs the given transaction with the specified chain ID and returns the signed transaction.
	//
	// Parameters:
	// - transaction: the transaction to be signed.
	// - chainID: the chain ID for the transaction.
	//
	// Returns:
	// - *ethtypes.Transaction: the signed transaction.
	// - error: an error if the signing process fails.
	SignTx(transaction *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
}

// signer is a concrete implementation of the KeySigner interface.
type signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	address    common.Address
}

// NewSigner creates a new signer instance with the given private key.
//
// Parameters:
// - privateKey: the private key to be used for signing.
//
// Returns:
// - KeySigner: a new signer instance.
// - error: an error if the private key is not valid.
func NewSigner(privateKey *ecdsa.PrivateKey) (KeySigner, error) {
	if privateKey == nil {
		return nil, errors.New("private key is nil")
	}

	pubKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("cannot assign public key to ECDSA")
	}

	return &signer{
		privateKey: privateKey,
		publicKey:  pubKeyECDSA,
		address:    crypto.PubkeyToAddress(*pubKeyECDSA),
	}, nil
}

// NewSignerFromHex parses a hex encoded private key, with or without 0x
// prefix. The key material never appears in returned errors.
func NewSignerFromHex(hexKey string) (KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.New("invalid relayer private key")
	}

	return NewSigner(key)
}

// Sign signs the prefixed attestation hash.
func (s *signer) Sign(ctx context.Context, digest types.AttestationHash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(relayerrors.ErrSigningUnavailable, err.Error())
	}

	signature, err := crypto.Sign(PrefixedDigest(digest).Bytes(), s.privateKey)
	if err != nil {
		return nil, errors.Wrapf(relayerrors.ErrSigningUnavailable, "failed to sign message: %v", err)
	}
	signature[crypto.RecoveryIDOffset] += 27 // Transform V from 0/1 to 27/28 according to the yellow paper

	return signature, nil
}

// Address returns the signer's address.
func (s *signer) Address() common.Address {
	return s.address
}

// SignTx signs the given transaction with the specified chain ID and returns the signed transaction.
func (s *signer) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(s.privateKey, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create keyed transactor")
	}

	signedTx, err := auth.Signer(s.address, tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transaction")
	}

	return signedTx, nil
}

// PrefixedDigest returns keccak256(MessagePrefix || digest), the value that is
// actually signed.
func PrefixedDigest(digest types.AttestationHash) common.Hash {
	return crypto.Keccak256Hash([]byte(MessagePrefix), digest.Bytes())
}

// Recover returns the address that produced signature over digest.
func Recover(digest types.AttestationHash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("invalid signature length %d", len(signature))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(PrefixedDigest(digest).Bytes(), sig)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "failed to recover public key")
	}

	return crypto.PubkeyToAddress(*pub), nil
}
