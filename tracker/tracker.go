// Package tracker is the durable duplicate gate and state machine of the
// relay. Every deposit key moves through
//
//	SEEN -> HASHED -> SIGNED -> DELIVERED
//
// with FAILED and ORPHANED as side states. A worker may only move a record it
// holds the lease on, and a signature, once persisted, is never replaced.
package tracker

import (
	"context"
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// defaultLeaseDuration bounds how long a crashed worker blocks a record.
	defaultLeaseDuration = 2 * time.Minute
	// maxContentionRetries bounds compare-and-swap loops.
	maxContentionRetries = 16
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLeaseDuration sets how long an admission is exclusive.
func WithLeaseDuration(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.lease = d
		}
	}
}

// WithInstanceID sets the prefix of lease tokens, useful to tell relay
// instances apart in the store.
func WithInstanceID(id string) Option {
	return func(t *Tracker) {
		if id != "" {
			t.instance = id
		}
	}
}

// Tracker implements the delivery tracking operations on top of a Store.
type Tracker struct {
	store    Store
	logger   *logrus.Logger
	instance string
	lease    time.Duration
	now      func() time.Time
}

// New creates a tracker.
//
// Parameters:
// - store: the durable record store.
// - logger: the logger.
// - opts: optional settings.
//
// Returns:
// - *Tracker: the tracker.
func New(store Store, logger *logrus.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		logger:   logger,
		instance: uuid.NewString(),
		lease:    defaultLeaseDuration,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LeaseDuration returns the configured lease duration.
func (t *Tracker) LeaseDuration() time.Duration {
	return t.lease
}

func (t *Tracker) clock() time.Time {
	return t.now().UTC()
}

// newLease returns a token unique to one admission, so two claims of the
// same record are never confused even inside one process.
func (t *Tracker) newLease() string {
	return t.instance + "/" + uuid.NewString()
}

func (t *Tracker) claim(rec *types.ProcessingRecord, now time.Time) {
	rec.LeaseOwner = t.newLease()
	rec.LeaseExpiresAt = now.Add(t.lease)
	rec.UpdatedAt = now
	rec.Version++
}

// BeginProcessing is the duplicate gate for a freshly observed deposit. It
// atomically creates the record or claims an existing one that needs work.
//
// Parameters:
// - ctx: the context for managing the request.
// - event: the observed deposit.
//
// Returns:
// - types.Admission: Admitted if the caller now holds the lease.
// - *types.ProcessingRecord: the current record (claimed when Admitted).
// - error: a store error; the event is then not durably tracked.
func (t *Tracker) BeginProcessing(ctx context.Context, event types.DepositEvent) (types.Admission, *types.ProcessingRecord, error) {
	key := event.Key()

	for i := 0; i < maxContentionRetries; i++ {
		now := t.clock()

		rec, err := t.store.GetRecord(ctx, key)
		if errors.Is(err, relayerrors.ErrRecordNotFound) {
			rec = &types.ProcessingRecord{
				Key:       key,
				Event:     event,
				State:     types.StateSeen,
				CreatedAt: now,
			}
			t.claim(rec, now)

			inserted, err := t.store.InsertRecord(ctx, rec)
			if err != nil {
				return types.AlreadyProcessed, nil, errors.Wrapf(err, "failed to insert record %s", key)
			}
			if inserted {
				return types.Admitted, rec, nil
			}
			continue
		}
		if err != nil {
			return types.AlreadyProcessed, nil, errors.Wrapf(err, "failed to load record %s", key)
		}

		next := admitObservation(rec, event, now)
		if next == nil {
			return types.AlreadyProcessed, rec, nil
		}

		if ok, err := t.swap(ctx, rec, next, now); err != nil {
			return types.AlreadyProcessed, nil, err
		} else if ok {
			t.logger.WithFields(logrus.Fields{
				"key":   key.String(),
				"state": next.State,
			}).Debug("Re-admitted deposit")
			return types.Admitted, next, nil
		}
	}

	return types.AlreadyProcessed, nil, errors.Errorf("record %s: too much contention", key)
}

// Reclaim claims a record the retry loop found: a due failure, a stale lease
// or a signed but undelivered attestation.
func (t *Tracker) Reclaim(ctx context.Context, key types.DepositKey) (types.Admission, *types.ProcessingRecord, error) {
	for i := 0; i < maxContentionRetries; i++ {
		now := t.clock()

		rec, err := t.store.GetRecord(ctx, key)
		if err != nil {
			return types.AlreadyProcessed, nil, errors.Wrapf(err, "failed to load record %s", key)
		}

		next := admitRecovery(rec, now)
		if next == nil {
			return types.AlreadyProcessed, rec, nil
		}

		if ok, err := t.swap(ctx, rec, next, now); err != nil {
			return types.AlreadyProcessed, nil, err
		} else if ok {
			return types.Admitted, next, nil
		}
	}

	return types.AlreadyProcessed, nil, errors.Errorf("record %s: too much contention", key)
}

func (t *Tracker) swap(ctx context.Context, current, next *types.ProcessingRecord, now time.Time) (bool, error) {
	next.Version = current.Version
	t.claim(next, now)

	ok, err := t.store.UpdateRecord(ctx, next, current.Version)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim record %s", current.Key)
	}
	return ok, nil
}

// RecordResult applies the outcome of a pipeline stage to a record the
// caller holds the lease on.
//
// Parameters:
// - ctx: the context for managing the request.
// - rec: the record as returned by the last admission or RecordResult call.
// - outcome: the stage outcome.
//
// Returns:
// - *types.ProcessingRecord: the updated record.
// - error: ErrLeaseLost if another worker claimed the record, ErrInvalidTransition if the
//   outcome does not fit the current state, or a store error.
func (t *Tracker) RecordResult(ctx context.Context, rec *types.ProcessingRecord, outcome Outcome) (*types.ProcessingRecord, error) {
	lease := rec.LeaseOwner

	for i := 0; i < maxContentionRetries; i++ {
		now := t.clock()

		current, err := t.store.GetRecord(ctx, rec.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load record %s", rec.Key)
		}
		if lease == "" || current.LeaseOwner != lease {
			return current, errors.Wrapf(relayerrors.ErrLeaseLost, "record %s", rec.Key)
		}

		next := current.Clone()
		if err := outcome.apply(next, now); err != nil {
			return current, errors.Wrapf(err, "record %s", rec.Key)
		}
		next.UpdatedAt = now
		next.Version = current.Version + 1

		ok, err := t.store.UpdateRecord(ctx, next, current.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to update record %s", rec.Key)
		}
		if ok {
			return next, nil
		}
	}

	return nil, errors.Errorf("record %s: too much contention", rec.Key)
}

// Withdraw flags every record whose origin block was orphaned by a
// reorganization. Records are never deleted.
//
// Returns:
// - []*types.ProcessingRecord: the records flagged by this call.
// - error: a store error.
func (t *Tracker) Withdraw(ctx context.Context, w types.Withdrawal) ([]*types.ProcessingRecord, error) {
	if len(w.Orphaned) == 0 {
		return nil, nil
	}

	candidates, err := t.store.RecordsInBlocks(ctx, w.ChainID, w.Orphaned)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load orphaned records")
	}

	var flagged []*types.ProcessingRecord
	for _, rec := range candidates {
		updated, err := t.orphan(ctx, rec, w)
		if err != nil {
			return flagged, err
		}
		if updated != nil {
			flagged = append(flagged, updated)
		}
	}

	return flagged, nil
}

func (t *Tracker) orphan(ctx context.Context, rec *types.ProcessingRecord, w types.Withdrawal) (*types.ProcessingRecord, error) {
	for i := 0; i < maxContentionRetries; i++ {
		if rec.State == types.StateOrphaned || !w.Contains(rec.Event.Origin()) {
			return nil, nil
		}

		now := t.clock()
		next := rec.Clone()
		next.PriorState = rec.State
		next.State = types.StateOrphaned
		next.LeaseOwner = ""
		next.LeaseExpiresAt = time.Time{}
		next.UpdatedAt = now
		next.Version = rec.Version + 1

		ok, err := t.store.UpdateRecord(ctx, next, rec.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to orphan record %s", rec.Key)
		}
		if ok {
			t.logger.WithFields(logrus.Fields{
				"key":    rec.Key.String(),
				"prior":  rec.State,
				"block":  rec.Event.BlockNumber,
				"signed": rec.Signed(),
			}).Warn("Deposit orphaned by reorganization")
			return next, nil
		}

		reloaded, err := t.store.GetRecord(ctx, rec.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to reload record %s", rec.Key)
		}
		rec = reloaded
	}

	return nil, errors.Errorf("record %s: too much contention", rec.Key)
}

// Retry resets a FAILED record, permanent or not, so the retry loop picks it
// up immediately with a fresh attempt budget.
func (t *Tracker) Retry(ctx context.Context, key types.DepositKey) (*types.ProcessingRecord, error) {
	for i := 0; i < maxContentionRetries; i++ {
		rec, err := t.store.GetRecord(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load record %s", key)
		}
		if rec.State != types.StateFailed {
			return rec, errors.Wrapf(relayerrors.ErrInvalidTransition, "record %s is %s, not FAILED", key, rec.State)
		}

		now := t.clock()
		next := rec.Clone()
		next.Permanent = false
		next.Attempts = 0
		next.NextAttemptAt = now
		next.UpdatedAt = now
		next.Version = rec.Version + 1

		ok, err := t.store.UpdateRecord(ctx, next, rec.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to reset record %s", key)
		}
		if ok {
			t.logger.WithField("key", key.String()).Info("Failed deposit reset for retry")
			return next, nil
		}
	}

	return nil, errors.Errorf("record %s: too much contention", key)
}

// Get returns the record for key.
func (t *Tracker) Get(ctx context.Context, key types.DepositKey) (*types.ProcessingRecord, error) {
	return t.store.GetRecord(ctx, key)
}

// ListFailed returns FAILED records, only permanent ones if permanentOnly.
func (t *Tracker) ListFailed(ctx context.Context, permanentOnly bool, limit int) ([]*types.ProcessingRecord, error) {
	q := types.RecordQuery{States: []types.State{types.StateFailed}, Limit: limit}
	if permanentOnly {
		permanent := true
		q.Permanent = &permanent
	}
	return t.store.ListRecords(ctx, q)
}

// ListOrphaned returns records flagged by reorganizations.
func (t *Tracker) ListOrphaned(ctx context.Context, limit int) ([]*types.ProcessingRecord, error) {
	return t.store.ListRecords(ctx, types.RecordQuery{States: []types.State{types.StateOrphaned}, Limit: limit})
}

// DueForRetry returns non-permanent failures whose backoff has elapsed.
func (t *Tracker) DueForRetry(ctx context.Context, limit int) ([]*types.ProcessingRecord, error) {
	permanent := false
	return t.store.ListRecords(ctx, types.RecordQuery{
		States:             []types.State{types.StateFailed},
		Permanent:          &permanent,
		DueBefore:          t.clock(),
		LeaseExpiredBefore: t.clock(),
		Limit:              limit,
	})
}

// PendingDelivery returns signed attestations whose delivery was interrupted.
func (t *Tracker) PendingDelivery(ctx context.Context, limit int) ([]*types.ProcessingRecord, error) {
	return t.store.ListRecords(ctx, types.RecordQuery{
		States:             []types.State{types.StateSigned},
		LeaseExpiredBefore: t.clock(),
		Limit:              limit,
	})
}

// RecoverStale returns SEEN and HASHED records whose worker vanished.
func (t *Tracker) RecoverStale(ctx context.Context, limit int) ([]*types.ProcessingRecord, error) {
	return t.store.ListRecords(ctx, types.RecordQuery{
		States:             []types.State{types.StateSeen, types.StateHashed},
		LeaseExpiredBefore: t.clock(),
		Limit:              limit,
	})
}
