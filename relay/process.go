package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/ClipFinance/deposit-relay/alert"
	"github.com/ClipFinance/deposit-relay/attestation"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/metrics"
	"github.com/ClipFinance/deposit-relay/tracker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	stageHash    = "hash"
	stageSign    = "sign"
	stageDeliver = "deliver"
)

// drive moves a record the caller holds the lease on as far as it can go:
//
//	SEEN -> HASHED -> SIGNED -> DELIVERED
//
// Stage failures are recorded on the record; drive itself never fails.
func (e *Engine) drive(ctx context.Context, rec *types.ProcessingRecord) {
	log := e.logger.WithFields(logrus.Fields{
		"chain": e.chainName(rec.Key.SourceChainID),
		"nonce": rec.Key.Nonce,
	})

	for {
		var (
			next *types.ProcessingRecord
			err  error
		)

		// Shutdown stops the record at the last persisted stage.
		if cerr := ctx.Err(); cerr != nil && rec.State.Active() {
			e.fail(ctx, rec, stageOf(rec.State), cerr)
			return
		}

		switch rec.State {
		case types.StateSeen:
			start := time.Now()
			hash := attestation.Build(rec.Event)
			metrics.StageDuration.WithLabelValues(stageHash).Observe(time.Since(start).Seconds())
			next, err = e.record(ctx, rec, tracker.Hashed{Hash: hash})

		case types.StateHashed:
			if expected := attestation.Build(rec.Event); rec.Hash != expected {
				e.fail(ctx, rec, stageHash, errors.Wrapf(relayerrors.ErrPermanentFailure,
					"stored hash %s does not match event hash %s", rec.Hash.Hex(), expected.Hex()))
				return
			}
			signature, serr := e.sign(ctx, rec.Hash)
			if serr != nil {
				e.fail(ctx, rec, stageSign, serr)
				return
			}
			next, err = e.record(ctx, rec, tracker.Signed{Signature: signature, Signer: e.signer.Address()})
			if err == nil {
				metrics.AttestationsSigned.WithLabelValues(e.chainName(rec.Key.SourceChainID)).Inc()
				log.WithField("hash", rec.Hash.Hex()).Info("Attestation signed")
			}

		case types.StateSigned:
			att, _ := rec.Attestation(attestation.WireVersion)
			if derr := e.deliver(ctx, att); derr != nil {
				e.fail(ctx, rec, stageDeliver, derr)
				return
			}
			next, err = e.record(ctx, rec, tracker.Delivered{})
			if err == nil {
				metrics.AttestationsDelivered.WithLabelValues(e.chainName(rec.Key.SourceChainID)).Inc()
				log.WithField("hash", rec.Hash.Hex()).Info("Attestation delivered")
			}

		default:
			return
		}

		if err != nil {
			if errors.Is(err, relayerrors.ErrLeaseLost) {
				log.WithError(err).Warn("Lease lost, another worker owns the deposit")
			} else {
				// The lease expires and the retry loop picks the record up.
				log.WithError(err).Error("Failed to record stage result")
			}
			return
		}
		rec = next
	}
}

// record persists a stage outcome. The write outlives ctx: a signature that
// was produced must be stored even when shutdown arrives during Sign.
func (e *Engine) record(ctx context.Context, rec *types.ProcessingRecord, outcome tracker.Outcome) (*types.ProcessingRecord, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StoreTimeout)
	defer cancel()
	return e.tracker.RecordResult(sctx, rec, outcome)
}

// stageOf names the stage a record in state s waits for.
func stageOf(s types.State) string {
	switch s {
	case types.StateSeen:
		return stageHash
	case types.StateHashed:
		return stageSign
	default:
		return stageDeliver
	}
}

func (e *Engine) sign(ctx context.Context, hash types.AttestationHash) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(stageSign).Observe(time.Since(start).Seconds())
	}()

	sctx, cancel := context.WithTimeout(ctx, e.config.SignTimeout)
	defer cancel()

	signature, err := e.signer.Sign(sctx, hash)
	if err != nil {
		if errors.Is(err, relayerrors.ErrSigningUnavailable) {
			return nil, err
		}
		return nil, errors.Wrapf(relayerrors.ErrSigningUnavailable, "%v", err)
	}
	return signature, nil
}

func (e *Engine) deliver(ctx context.Context, att types.Attestation) error {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(stageDeliver).Observe(time.Since(start).Seconds())
	}()

	dctx, cancel := context.WithTimeout(ctx, e.config.DeliverTimeout)
	defer cancel()

	if err := e.deliverer.Deliver(dctx, att); err != nil {
		metrics.DeliveryErrors.WithLabelValues(e.deliverer.Name()).Inc()
		if errors.Is(err, relayerrors.ErrDeliveryFailed) {
			return err
		}
		return errors.Wrapf(relayerrors.ErrDeliveryFailed, "%v", err)
	}
	return nil
}

// fail records a stage failure. Work interrupted by shutdown is released
// without consuming an attempt; anything else is scheduled for retry until
// MaxAttempts, or made permanent at once when the error is not transient.
func (e *Engine) fail(ctx context.Context, rec *types.ProcessingRecord, stage string, cause error) {
	chain := e.chainName(rec.Key.SourceChainID)
	metrics.ProcessingFailures.WithLabelValues(chain, stage).Inc()

	log := e.logger.WithFields(logrus.Fields{
		"chain": chain,
		"nonce": rec.Key.Nonce,
		"stage": stage,
	})

	// The caller's context may be gone; the store write gets its own.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StoreTimeout)
	defer cancel()

	if ctx.Err() != nil {
		if _, err := e.tracker.RecordResult(sctx, rec, tracker.Aborted{Reason: "interrupted: " + cause.Error()}); err != nil {
			log.WithError(err).Warn("Failed to release interrupted deposit")
			return
		}
		log.Info("Deposit released on shutdown")
		return
	}

	attempt := rec.Attempts + 1
	permanent := attempt >= e.config.MaxAttempts || !relayerrors.IsTransient(cause)
	nextAttempt := e.now().Add(e.retryDelay(attempt))

	updated, err := e.tracker.RecordResult(sctx, rec, tracker.Failed{
		Err:           cause,
		Permanent:     permanent,
		NextAttemptAt: nextAttempt,
	})
	if err != nil {
		log.WithError(err).WithField("cause", cause.Error()).Error("Failed to record failure")
		return
	}

	if !permanent {
		log.WithError(cause).WithFields(logrus.Fields{
			"attempt":     updated.Attempts,
			"nextAttempt": nextAttempt.Format(time.RFC3339),
		}).Warn("Deposit processing failed, will retry")
		return
	}

	metrics.PermanentFailures.WithLabelValues(chain).Inc()
	log.WithError(cause).WithField("attempts", updated.Attempts).Error("Deposit processing failed permanently")
	e.raise(ctx, alert.Alert{
		Type:    alert.TypePermanentFailure,
		Chain:   chain,
		Key:     rec.Key.String(),
		Title:   "Deposit failed permanently",
		Message: cause.Error(),
		Fields: map[string]string{
			"stage":    stage,
			"attempts": strconv.Itoa(updated.Attempts),
			"state":    updated.PriorState.String(),
		},
	})
}

// retryDelay returns the backoff before the given attempt number.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := newBackoff(e.config.InitialInterval, e.config.MaxInterval, e.config.Multiplier)
	b.RandomizationFactor = 0
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
