package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func (e *Engine) runRetryLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.RecoverPending(ctx)
		}
	}
}

// RecoverPending re-drives every record that needs work without a fresh
// observation: due failures, records whose worker vanished and signed
// attestations whose delivery was interrupted. Signed records are only
// redelivered, never signed again.
//
// Returns:
// - int: the number of records claimed.
func (e *Engine) RecoverPending(ctx context.Context) int {
	queries := []struct {
		name string
		list func(context.Context, int) ([]*types.ProcessingRecord, error)
	}{
		{"due_for_retry", e.tracker.DueForRetry},
		{"stale", e.tracker.RecoverStale},
		{"pending_delivery", e.tracker.PendingDelivery},
	}

	seen := make(map[types.DepositKey]struct{})
	var keys []types.DepositKey
	for _, q := range queries {
		sctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
		recs, err := q.list(sctx, e.config.RetryBatchSize)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				e.logger.WithError(err).WithField("query", q.name).Error("Failed to list records for retry")
			}
			continue
		}
		for _, rec := range recs {
			if _, ok := seen[rec.Key]; ok {
				continue
			}
			seen[rec.Key] = struct{}{}
			keys = append(keys, rec.Key)
		}
	}

	if len(keys) == 0 {
		return 0
	}

	var claimed int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, e.config.StoreTimeout)
			admission, rec, err := e.tracker.Reclaim(sctx, key)
			cancel()
			if err != nil {
				e.logger.WithError(err).WithField("key", key.String()).Warn("Failed to reclaim record")
				return nil
			}
			if admission != types.Admitted {
				return nil
			}
			atomic.AddInt32(&claimed, 1)
			e.drive(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	e.logger.WithFields(logrus.Fields{
		"candidates": len(keys),
		"claimed":    claimed,
	}).Debug("Retry pass finished")
	return int(claimed)
}
