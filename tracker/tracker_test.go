package tracker

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/store/memory"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(store Store, clock *fakeClock) *Tracker {
	return New(store, logrus.New(), WithClock(clock.Now), WithLeaseDuration(time.Minute))
}

func event(nonce int64, block uint64, blockHash string) types.DepositEvent {
	return types.DepositEvent{
		Sender:        common.HexToAddress("0xaa"),
		Recipient:     common.HexToAddress("0xbb"),
		Amount:        big.NewInt(1000),
		Nonce:         big.NewInt(nonce),
		SourceChainID: 1,
		DestChainID:   10,
		BlockNumber:   block,
		BlockHash:     common.HexToHash(blockHash),
	}
}

var (
	testHash = common.HexToHash("0x2524dee4892666313d05c15753f30592031dc335f1cba5d5ceeeb666c58929af")
	testSig  = append(make([]byte, 64), 27)
)

func TestBeginProcessingDuplicate(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(memory.New(), newFakeClock())
	ev := event(7, 100, "0x64")

	adm, rec, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, types.Admitted, adm)
	assert.Equal(t, types.StateSeen, rec.State)
	assert.NotEmpty(t, rec.LeaseOwner)

	adm, _, err = tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, types.AlreadyProcessed, adm, "a live lease excludes other workers")
}

func TestBeginProcessingConcurrent(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(memory.New(), newFakeClock())
	ev := event(7, 100, "0x64")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, _, err := tr.BeginProcessing(ctx, ev)
			assert.NoError(t, err)
			if adm == types.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(memory.New(), clock)
	ev := event(7, 100, "0x64")

	_, rec, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)

	rec, err = tr.RecordResult(ctx, rec, Hashed{Hash: testHash})
	require.NoError(t, err)
	assert.Equal(t, types.StateHashed, rec.State)

	rec, err = tr.RecordResult(ctx, rec, Signed{Signature: testSig, Signer: common.HexToAddress("0x01")})
	require.NoError(t, err)
	assert.Equal(t, types.StateSigned, rec.State)
	assert.Equal(t, clock.Now(), rec.SignedAt)

	_, err = tr.RecordResult(ctx, rec, Signed{Signature: []byte{1}, Signer: common.HexToAddress("0x02")})
	assert.ErrorIs(t, err, relayerrors.ErrInvalidTransition, "a signature is never replaced")

	rec, err = tr.RecordResult(ctx, rec, Delivered{})
	require.NoError(t, err)
	assert.Equal(t, types.StateDelivered, rec.State)
	assert.Empty(t, rec.LeaseOwner)

	adm, stored, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, types.AlreadyProcessed, adm)
	assert.Equal(t, testSig, stored.Signature)

	clock.Advance(time.Hour)
	adm, _, err = tr.Reclaim(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, types.AlreadyProcessed, adm)
}

func TestSignedRecordIsNotReadmittedByObservation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(memory.New(), clock)
	ev := event(7, 100, "0x64")

	_, rec, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	rec, err = tr.RecordResult(ctx, rec, Hashed{Hash: testHash})
	require.NoError(t, err)
	_, err = tr.RecordResult(ctx, rec, Signed{Signature: testSig})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	adm, _, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, types.AlreadyProcessed, adm)

	pending, err := tr.PendingDelivery(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	adm, reclaimed, err := tr.Reclaim(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, types.Admitted, adm)
	assert.Equal(t, types.StateSigned, reclaimed.State)
	assert.Equal(t, testSig, reclaimed.Signature)
}

func TestLeaseLost(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(memory.New(), clock)
	ev := event(7, 100, "0x64")

	_, first, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	stale, err := tr.RecoverStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	adm, second, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, types.Admitted, adm)
	assert.NotEqual(t, first.LeaseOwner, second.LeaseOwner)

	_, err = tr.RecordResult(ctx, first, Hashed{Hash: testHash})
	assert.ErrorIs(t, err, relayerrors.ErrLeaseLost)

	_, err = tr.RecordResult(ctx, second, Hashed{Hash: testHash})
	assert.NoError(t, err)
}

func TestFailureBackoffAndResume(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(memory.New(), clock)
	ev := event(7, 100, "0x64")

	_, rec, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	rec, err = tr.RecordResult(ctx, rec, Hashed{Hash: testHash})
	require.NoError(t, err)

	signErr := errors.Wrap(relayerrors.ErrSigningUnavailable, "kms down")
	rec, err = tr.RecordResult(ctx, rec, Failed{Err: signErr, NextAttemptAt: clock.Now().Add(10 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Equal(t, types.StateHashed, rec.PriorState)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "kms down")

	adm, _, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, types.AlreadyProcessed, adm, "not due yet")

	due, err := tr.DueForRetry(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	clock.Advance(10 * time.Second)
	due, err = tr.DueForRetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	adm, resumed, err := tr.Reclaim(ctx, ev.Key())
	require.NoError(t, err)
	require.Equal(t, types.Admitted, adm)
	assert.Equal(t, types.StateHashed, resumed.State)
	assert.Equal(t, testHash, resumed.Hash)
	assert.Equal(t, 1, resumed.Attempts)
}

func TestPermanentFailureAndManualRetry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(memory.New(), clock)
	ev := event(7, 100, "0x64")

	_, rec, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	_, err = tr.RecordResult(ctx, rec, Failed{Err: errors.New("boom"), Permanent: true})
	require.NoError(t, err)

	clock.Advance(time.Hour)

	due, err := tr.DueForRetry(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	adm, _, err := tr.Reclaim(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, types.AlreadyProcessed, adm)

	failed, err := tr.ListFailed(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Permanent)

	reset, err := tr.Retry(ctx, ev.Key())
	require.NoError(t, err)
	assert.False(t, reset.Permanent)
	assert.Equal(t, 0, reset.Attempts)

	adm, resumed, err := tr.Reclaim(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, types.Admitted, adm)
	assert.Equal(t, types.StateSeen, resumed.State)

	_, err = tr.Retry(ctx, ev.Key())
	assert.ErrorIs(t, err, relayerrors.ErrInvalidTransition)

	_, err = tr.Retry(ctx, types.DepositKey{SourceChainID: 1, Nonce: "404"})
	assert.ErrorIs(t, err, relayerrors.ErrRecordNotFound)
}

func TestAbortedDoesNotConsumeAttempt(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(memory.New(), clock)
	ev := event(7, 100, "0x64")

	_, rec, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	rec, err = tr.RecordResult(ctx, rec, Aborted{Reason: "shutdown"})
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Equal(t, types.StateSeen, rec.PriorState)
	assert.Equal(t, 0, rec.Attempts)

	adm, _, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, types.Admitted, adm)
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(memory.New(), clock)

	orphanBlock := types.BlockRef{Number: 100, Hash: common.HexToHash("0x64")}
	signedEv := event(1, 100, "0x64")
	unsignedEv := event(2, 100, "0x64")
	safeEv := event(3, 99, "0x63")

	_, rec, err := tr.BeginProcessing(ctx, signedEv)
	require.NoError(t, err)
	rec, err = tr.RecordResult(ctx, rec, Hashed{Hash: testHash})
	require.NoError(t, err)
	rec, err = tr.RecordResult(ctx, rec, Signed{Signature: testSig})
	require.NoError(t, err)
	_, err = tr.RecordResult(ctx, rec, Delivered{})
	require.NoError(t, err)

	_, unsigned, err := tr.BeginProcessing(ctx, unsignedEv)
	require.NoError(t, err)
	_, _, err = tr.BeginProcessing(ctx, safeEv)
	require.NoError(t, err)

	flagged, err := tr.Withdraw(ctx, types.Withdrawal{ChainID: 1, Orphaned: []types.BlockRef{orphanBlock}})
	require.NoError(t, err)
	assert.Len(t, flagged, 2)

	again, err := tr.Withdraw(ctx, types.Withdrawal{ChainID: 1, Orphaned: []types.BlockRef{orphanBlock}})
	require.NoError(t, err)
	assert.Empty(t, again, "withdraw is idempotent")

	orphans, err := tr.ListOrphaned(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, types.StateDelivered, orphans[0].PriorState)
	assert.Equal(t, testSig, orphans[0].Signature, "orphaned records keep their history")

	safe, err := tr.Get(ctx, safeEv.Key())
	require.NoError(t, err)
	assert.Equal(t, types.StateSeen, safe.State)

	// The in-flight worker of the unsigned deposit lost its lease.
	_, err = tr.RecordResult(ctx, unsigned, Hashed{Hash: testHash})
	assert.ErrorIs(t, err, relayerrors.ErrLeaseLost)

	// Re-observed in the canonical fork.
	adm, _, err := tr.BeginProcessing(ctx, event(1, 101, "0x65"))
	require.NoError(t, err)
	assert.Equal(t, types.AlreadyProcessed, adm, "a signed orphan is not signed again")

	adm, readmitted, err := tr.BeginProcessing(ctx, event(2, 101, "0x65"))
	require.NoError(t, err)
	assert.Equal(t, types.Admitted, adm)
	assert.Equal(t, types.StateSeen, readmitted.State)
	assert.Equal(t, uint64(101), readmitted.Event.BlockNumber)
}

func TestOrphanReadmittedWhenOriginalBlockReturns(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(memory.New(), clock)
	ev := event(4, 100, "0x64")

	_, rec, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	_, err = tr.RecordResult(ctx, rec, Failed{Err: errors.New("rpc timeout"), NextAttemptAt: clock.Now().Add(time.Hour)})
	require.NoError(t, err)

	flagged, err := tr.Withdraw(ctx, types.Withdrawal{
		ChainID:  1,
		Orphaned: []types.BlockRef{{Number: 100, Hash: common.HexToHash("0x64")}},
	})
	require.NoError(t, err)
	require.Len(t, flagged, 1)

	// The chain flips back and block 100/0x64 is canonical again.
	adm, readmitted, err := tr.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, types.Admitted, adm)
	assert.Equal(t, types.StateSeen, readmitted.State)
	assert.Equal(t, 0, readmitted.Attempts)
	assert.False(t, readmitted.Signed())
}
