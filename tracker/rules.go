package tracker

import (
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/pkg/errors"
)

// admitObservation decides whether a fresh observation of event may claim
// rec. It returns the record to write, or nil for AlreadyProcessed.
func admitObservation(rec *types.ProcessingRecord, event types.DepositEvent, now time.Time) *types.ProcessingRecord {
	switch rec.State {
	case types.StateDelivered, types.StateSigned:
		return nil

	case types.StateOrphaned:
		// A signed orphan is never signed again; it waits for an operator.
		// An unsigned one restarts on any canonical observation, including
		// its original block once a reorg flips back to it.
		if rec.Signed() {
			return nil
		}
		next := rec.Clone()
		next.Event = event
		next.State = types.StateSeen
		next.PriorState = types.StateOrphaned
		next.Hash = types.AttestationHash{}
		next.Attempts = 0
		next.LastError = ""
		next.Permanent = false
		next.NextAttemptAt = time.Time{}
		return next
	}

	if rec.LeaseLive(now) {
		return nil
	}

	switch rec.State {
	case types.StateSeen, types.StateHashed:
		return rec.Clone()
	case types.StateFailed:
		return resumeFailed(rec, now)
	default:
		return nil
	}
}

// admitRecovery decides whether the retry loop may claim rec.
func admitRecovery(rec *types.ProcessingRecord, now time.Time) *types.ProcessingRecord {
	if rec.LeaseLive(now) {
		return nil
	}

	switch rec.State {
	case types.StateSeen, types.StateHashed, types.StateSigned:
		return rec.Clone()
	case types.StateFailed:
		return resumeFailed(rec, now)
	default:
		return nil
	}
}

// resumeFailed puts a due, non-permanent failure back at the state it failed in.
func resumeFailed(rec *types.ProcessingRecord, now time.Time) *types.ProcessingRecord {
	if rec.Permanent || rec.NextAttemptAt.After(now) || !rec.PriorState.Active() {
		return nil
	}
	next := rec.Clone()
	next.State = rec.PriorState
	return next
}

func releaseLease(rec *types.ProcessingRecord) {
	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = time.Time{}
}

func invalid(outcome string, rec *types.ProcessingRecord) error {
	return errors.Wrapf(relayerrors.ErrInvalidTransition, "%s from %s", outcome, rec.State)
}

func (o Hashed) apply(rec *types.ProcessingRecord, now time.Time) error {
	switch {
	case rec.State == types.StateSeen:
		rec.Hash = o.Hash
		rec.State = types.StateHashed
		return nil
	case rec.State == types.StateHashed && rec.Hash == o.Hash:
		return nil
	default:
		return invalid("hashed", rec)
	}
}

func (o Signed) apply(rec *types.ProcessingRecord, now time.Time) error {
	if rec.State != types.StateHashed || rec.Signed() {
		return invalid("signed", rec)
	}
	if len(o.Signature) == 0 {
		return errors.Wrap(relayerrors.ErrInvalidTransition, "empty signature")
	}
	rec.Signature = append([]byte(nil), o.Signature...)
	rec.Signer = o.Signer
	rec.SignedAt = now
	rec.State = types.StateSigned
	return nil
}

func (o Delivered) apply(rec *types.ProcessingRecord, now time.Time) error {
	if rec.State != types.StateSigned {
		return invalid("delivered", rec)
	}
	rec.State = types.StateDelivered
	rec.DeliveredAt = now
	rec.LastError = ""
	releaseLease(rec)
	return nil
}

func (o Failed) apply(rec *types.ProcessingRecord, now time.Time) error {
	if !rec.State.Active() {
		return invalid("failed", rec)
	}
	rec.PriorState = rec.State
	rec.State = types.StateFailed
	rec.Attempts++
	rec.Permanent = o.Permanent
	rec.NextAttemptAt = o.NextAttemptAt
	if o.Err != nil {
		rec.LastError = o.Err.Error()
	}
	releaseLease(rec)
	return nil
}

func (o Aborted) apply(rec *types.ProcessingRecord, now time.Time) error {
	if !rec.State.Active() {
		return invalid("aborted", rec)
	}
	rec.PriorState = rec.State
	rec.State = types.StateFailed
	rec.NextAttemptAt = now
	rec.LastError = o.Reason
	releaseLease(rec)
	return nil
}
