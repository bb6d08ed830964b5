// Package relay drives deposits from observation to delivered attestation.
//
// Each source chain is polled by its own goroutine; the deposits of a batch
// are processed by a bounded worker pool. Exclusivity per deposit comes from
// the tracker's atomic admission, not from in-process locking, so several
// relay instances may share one store.
package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/ClipFinance/deposit-relay/alert"
	"github.com/ClipFinance/deposit-relay/chains/evm/signer"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/delivery"
	"github.com/ClipFinance/deposit-relay/metrics"
	"github.com/ClipFinance/deposit-relay/tracker"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// unavailableAlertAfter is the number of consecutive failed polls that
// raises a chain unavailable alert.
const unavailableAlertAfter = 5

// Engine is the relay engine.
type Engine struct {
	sources   []types.Source
	names     map[uint64]string
	tracker   *tracker.Tracker
	signer    signer.Signer
	deliverer delivery.Deliverer
	alerter   alert.Alerter
	config    Config
	logger    *logrus.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAlerter sets the alert channel. Alerts are dropped without one.
func WithAlerter(a alert.Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// NewEngine creates the relay engine.
//
// Parameters:
// - config: the engine settings.
// - sources: the source chains to poll.
// - tr: the delivery tracker.
// - s: the attestation signer.
// - d: the deliverer.
// - logger: the logger.
// - opts: optional settings.
//
// Returns:
// - *Engine: the engine.
// - error: an error wrapping ErrInvalidConfig.
func NewEngine(
	config Config,
	sources []types.Source,
	tr *tracker.Tracker,
	s signer.Signer,
	d delivery.Deliverer,
	logger *logrus.Logger,
	opts ...Option,
) (*Engine, error) {
	config = config.WithDefaults()
	if err := config.Validate(tr.LeaseDuration()); err != nil {
		return nil, err
	}
	if s == nil || d == nil {
		return nil, errors.Wrap(relayerrors.ErrInvalidConfig, "signer and deliverer are required")
	}

	e := &Engine{
		sources:   sources,
		names:     make(map[uint64]string, len(sources)),
		tracker:   tr,
		signer:    s,
		deliverer: d,
		alerter:   alert.NoopAlerter{},
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
	for _, src := range sources {
		if _, dup := e.names[src.ChainID()]; dup {
			return nil, errors.Wrapf(relayerrors.ErrChainExists, "chain %d", src.ChainID())
		}
		e.names[src.ChainID()] = src.Name()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run polls every source and runs the retry loop until ctx is canceled.
// Work interrupted by cancellation is recorded so it resumes on restart.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.WithFields(logrus.Fields{
		"sources": len(e.sources),
		"signer":  e.signer.Address().Hex(),
		"workers": e.config.Workers,
	}).Info("Relay engine starting")

	// Records left behind by a previous process are picked up first.
	e.RecoverPending(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for _, src := range e.sources {
		src := src
		g.Go(func() error {
			return e.runSource(ctx, src)
		})
	}
	g.Go(func() error {
		return e.runRetryLoop(ctx)
	})

	err := g.Wait()
	e.logger.Info("Relay engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) runSource(ctx context.Context, src types.Source) error {
	log := e.logger.WithFields(logrus.Fields{"chain": src.Name(), "chainId": src.ChainID()})

	b := newBackoff(e.config.PollBackoffInitial, e.config.PollBackoffMax, 2)
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := src.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures == unavailableAlertAfter {
				e.raise(ctx, alert.Alert{
					Type:    alert.TypeChainUnavailable,
					Chain:   src.Name(),
					Title:   "Source chain unavailable",
					Message: err.Error(),
					Fields:  map[string]string{"failures": strconv.Itoa(failures)},
				})
			}
			wait := b.NextBackOff()
			log.WithError(err).WithField("retryIn", wait).Warn("Poll failed")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		failures = 0
		if batch == nil {
			b.Reset()
			if !sleep(ctx, src.PollInterval()) {
				return nil
			}
			continue
		}

		if err := e.handleBatch(ctx, src, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			log.WithError(err).WithFields(logrus.Fields{
				"from":    batch.From,
				"to":      batch.End.Number,
				"retryIn": wait,
			}).Error("Batch not handed off, it will be re-read")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		if err := src.Ack(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			log.WithError(err).WithField("retryIn", wait).Error("Failed to acknowledge batch")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		b.Reset()

		if batch.CaughtUp() {
			if !sleep(ctx, src.PollInterval()) {
				return nil
			}
		}
	}
}

// handleBatch hands off every log of the batch, or applies its withdrawal.
// A nil return means the batch may be acknowledged: each deposit is either
// durably tracked or was dropped as malformed.
func (e *Engine) handleBatch(ctx context.Context, src types.Source, batch *types.Batch) error {
	if batch.Withdrawal != nil {
		return e.withdraw(ctx, src, *batch.Withdrawal)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)

	for _, raw := range batch.Logs {
		event, err := src.Normalize(raw)
		if err != nil {
			metrics.EventsMalformed.WithLabelValues(src.Name()).Inc()
			e.logger.WithError(err).WithFields(logrus.Fields{
				"chain":    src.Name(),
				"txHash":   raw.TxHash.Hex(),
				"logIndex": raw.Index,
				"block":    raw.BlockNumber,
			}).Warn("Dropping malformed deposit log")
			continue
		}
		metrics.EventsObserved.WithLabelValues(src.Name()).Inc()

		g.Go(func() error {
			return e.observe(gctx, event)
		})
	}

	return g.Wait()
}

// observe passes a deposit through the duplicate gate and drives it when
// admitted. Only a gate failure is returned: without a durable record the
// batch must not be acknowledged.
func (e *Engine) observe(ctx context.Context, event types.DepositEvent) error {
	sctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	admission, rec, err := e.tracker.BeginProcessing(sctx, event)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "deposit %s", event.Key())
	}

	if admission != types.Admitted {
		metrics.EventsDuplicate.WithLabelValues(e.chainName(event.SourceChainID)).Inc()
		return nil
	}

	e.drive(ctx, rec)
	return nil
}

func (e *Engine) withdraw(ctx context.Context, src types.Source, w types.Withdrawal) error {
	sctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()

	flagged, err := e.tracker.Withdraw(sctx, w)
	if err != nil {
		return errors.Wrap(err, "failed to withdraw orphaned deposits")
	}

	metrics.OrphanedRecords.WithLabelValues(src.Name()).Add(float64(len(flagged)))
	if w.Deep {
		e.raise(ctx, alert.Alert{
			Type:    alert.TypeDeepReorg,
			Chain:   src.Name(),
			Title:   "Reorganization deeper than retained ancestry",
			Message: "deposits below the retained ancestry may have been orphaned without being flagged",
			Fields: map[string]string{
				"ancestor": strconv.FormatUint(w.Ancestor.Number, 10),
				"orphaned": strconv.Itoa(len(w.Orphaned)),
			},
		})
	}
	e.logger.WithFields(logrus.Fields{
		"chain":    src.Name(),
		"ancestor": w.Ancestor.Number,
		"orphaned": len(w.Orphaned),
		"flagged":  len(flagged),
	}).Warn("Applied reorganization withdrawal")

	for _, rec := range flagged {
		if !rec.Signed() {
			continue
		}
		e.raise(ctx, alert.Alert{
			Type:    alert.TypeSignedOrphan,
			Chain:   src.Name(),
			Key:     rec.Key.String(),
			Title:   "Signed deposit orphaned by reorganization",
			Message: "an attestation was released for a deposit that is no longer canonical",
			Fields: map[string]string{
				"block":     strconv.FormatUint(rec.Event.BlockNumber, 10),
				"blockHash": rec.Event.BlockHash.Hex(),
				"hash":      rec.Hash.Hex(),
				"prior":     rec.PriorState.String(),
			},
		})
	}
	return nil
}

func (e *Engine) chainName(chainID uint64) string {
	if name, ok := e.names[chainID]; ok {
		return name
	}
	return strconv.FormatUint(chainID, 10)
}

func (e *Engine) raise(ctx context.Context, a alert.Alert) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StoreTimeout)
	defer cancel()
	if err := e.alerter.Send(actx, a); err != nil {
		e.logger.WithError(err).WithField("alert", a.Type).Warn("Failed to raise alert")
	}
}

func newBackoff(initial, maxInterval time.Duration, multiplier float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Multiplier = multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
