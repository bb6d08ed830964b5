package tracker

import (
	"time"

	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ethereum/go-ethereum/common"
)

// Outcome is the result of one pipeline stage reported to RecordResult.
type Outcome interface {
	apply(rec *types.ProcessingRecord, now time.Time) error
}

// Hashed records the attestation hash of a SEEN record.
type Hashed struct {
	Hash types.AttestationHash
}

// Signed records the signature of a HASHED record.
type Signed struct {
	Signature []byte
	Signer    common.Address
}

// Delivered marks a SIGNED record as handed to every deliverer.
type Delivered struct{}

// Failed moves an active record to FAILED. A permanent failure is not
// retried automatically.
type Failed struct {
	Err           error
	Permanent     bool
	NextAttemptAt time.Time
}

// Aborted releases an active record on shutdown. The record becomes FAILED
// at its prior state without consuming an attempt and is due immediately.
type Aborted struct {
	Reason string
}
