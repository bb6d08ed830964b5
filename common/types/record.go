package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle state of a deposit inside the relay.
type State string

const (
	StateSeen      State = "SEEN"
	StateHashed    State = "HASHED"
	StateSigned    State = "SIGNED"
	StateDelivered State = "DELIVERED"
	StateFailed    State = "FAILED"
	StateOrphaned  State = "ORPHANED"
)

// String converts State to string representation
func (s State) String() string {
	return string(s)
}

// ParseState converts a stored string back to a State.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateSeen, StateHashed, StateSigned, StateDelivered, StateFailed, StateOrphaned:
		return State(s), true
	default:
		return "", false
	}
}

// Active reports whether a worker can still move the record forward.
func (s State) Active() bool {
	return s == StateSeen || s == StateHashed || s == StateSigned
}

// Admission is the answer of the duplicate gate.
type Admission int

const (
	// AlreadyProcessed means another worker owns the deposit or it needs no work.
	AlreadyProcessed Admission = iota
	// Admitted means the caller holds the lease and must drive the record.
	Admitted
)

// String converts Admission to string representation
func (a Admission) String() string {
	if a == Admitted {
		return "admitted"
	}
	return "already_processed"
}

// ProcessingRecord is the durable bookkeeping of one deposit.
//
// Fields:
// - Key: the (source chain, nonce) idempotency key.
// - Event: the deposit as last observed in a canonical block.
// - State: the current lifecycle state.
// - PriorState: the state a FAILED or ORPHANED record left; FAILED records resume here.
// - Hash: the attestation hash, set from HASHED onwards.
// - Signature, Signer: the persisted signature, set from SIGNED onwards and never replaced.
// - Attempts: the number of failed attempts so far.
// - LastError: the last failure message.
// - Permanent: true once automatic retries are exhausted.
// - NextAttemptAt: the earliest time a FAILED record may be retried.
// - LeaseOwner, LeaseExpiresAt: the worker currently driving the record.
// - Version: the optimistic concurrency counter, bumped by every write.
type ProcessingRecord struct {
	Key            DepositKey
	Event          DepositEvent
	State          State
	PriorState     State
	Hash           AttestationHash
	Signature      []byte
	Signer         common.Address
	Attempts       int
	LastError      string
	Permanent      bool
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SignedAt       time.Time
	DeliveredAt    time.Time
	Version        int64
}

// Signed reports whether a signature has been persisted for the record.
func (r *ProcessingRecord) Signed() bool {
	return len(r.Signature) > 0
}

// LeaseLive reports whether some worker holds an unexpired lease at now.
func (r *ProcessingRecord) LeaseLive(now time.Time) bool {
	return r.LeaseOwner != "" && now.Before(r.LeaseExpiresAt)
}

// Attestation rebuilds the persisted attestation. It returns false until the
// record has been signed.
func (r *ProcessingRecord) Attestation(version uint8) (Attestation, bool) {
	if !r.Signed() {
		return Attestation{}, false
	}
	return Attestation{
		Hash:      r.Hash,
		Signature: append([]byte(nil), r.Signature...),
		Signer:    r.Signer,
		Event:     r.Event,
		Version:   version,
	}, true
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *ProcessingRecord) Clone() *ProcessingRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Signature != nil {
		c.Signature = append([]byte(nil), r.Signature...)
	}
	if r.Event.Amount != nil {
		c.Event.Amount = new(big.Int).Set(r.Event.Amount)
	}
	if r.Event.Nonce != nil {
		c.Event.Nonce = new(big.Int).Set(r.Event.Nonce)
	}
	return &c
}

// RecordQuery filters processing records. Zero fields do not filter.
//
// Fields:
// - ChainID: only records of this source chain.
// - States: only records in one of these states.
// - Permanent: only records whose Permanent flag equals the pointed value.
// - DueBefore: only records whose NextAttemptAt is not after this time.
// - LeaseExpiredBefore: only records whose lease is not live at this time.
// - Limit: the maximum number of records returned.
type RecordQuery struct {
	ChainID            uint64
	States             []State
	Permanent          *bool
	DueBefore          time.Time
	LeaseExpiredBefore time.Time
	Limit              int
}

// Matches reports whether r satisfies the query.
func (q RecordQuery) Matches(r *ProcessingRecord) bool {
	if q.ChainID != 0 && r.Key.SourceChainID != q.ChainID {
		return false
	}
	if len(q.States) > 0 {
		found := false
		for _, s := range q.States {
			if r.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Permanent != nil && r.Permanent != *q.Permanent {
		return false
	}
	if !q.DueBefore.IsZero() && r.NextAttemptAt.After(q.DueBefore) {
		return false
	}
	if !q.LeaseExpiredBefore.IsZero() && r.LeaseLive(q.LeaseExpiredBefore) {
		return false
	}
	return true
}
