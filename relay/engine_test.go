package relay

import (
	"context"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ClipFinance/deposit-relay/alert"
	"github.com/ClipFinance/deposit-relay/attestation"
	"github.com/ClipFinance/deposit-relay/chains/evm/signer"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/store/memory"
	"github.com/ClipFinance/deposit-relay/tracker"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLease = 3 * time.Minute

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type logID struct {
	tx    common.Hash
	index uint
}

type fakeSource struct {
	mu       sync.Mutex
	id       uint64
	events   map[logID]types.DepositEvent
	batches  []*types.Batch
	acked    []*types.Batch
	pollErrs int
	polls    int
}

func newFakeSource(id uint64) *fakeSource {
	return &fakeSource{id: id, events: map[logID]types.DepositEvent{}}
}

func (s *fakeSource) ChainID() uint64 { return s.id }
func (s *fakeSource) Name() string { return "source" }
func (s *fakeSource) PollInterval() time.Duration { return 5 * time.Millisecond }

// log registers ev and returns the raw log it normalizes from.
func (s *fakeSource) log(ev types.DepositEvent, index uint) ethtypes.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := crypto.Keccak256Hash(ev.BlockHash.Bytes(), ev.Nonce.Bytes())
	s.events[logID{tx: tx, index: index}] = ev
	return ethtypes.Log{TxHash: tx, Index: index, BlockNumber: ev.BlockNumber, BlockHash: ev.BlockHash}
}

func (s *fakeSource) push(b *types.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
}

func (s *fakeSource) Poll(context.Context) (*types.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.pollErrs > 0 {
		s.pollErrs--
		return nil, errors.Wrap(relayerrors.ErrChainUnavailable, "connection refused")
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *fakeSource) Ack(_ context.Context, b *types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, b)
	return nil
}

func (s *fakeSource) Normalize(raw ethtypes.Log) (types.DepositEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[logID{tx: raw.TxHash, index: raw.Index}]
	if !ok {
		return types.DepositEvent{}, errors.Wrap(relayerrors.ErrMalformedEvent, "unknown log")
	}
	return ev, nil
}

func (s *fakeSource) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

type fakeSigner struct {
	signer.KeySigner

	mu       sync.Mutex
	calls    int
	failures int
	block    bool
	entered  chan struct{}
	// signed runs after a successful signature, before Sign returns.
	signed func()
}

func (s *fakeSigner) Sign(ctx context.Context, digest types.AttestationHash) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.Wrap(relayerrors.ErrSigningUnavailable, "hsm offline")
	}
	block := s.block
	s.mu.Unlock()

	if block {
		close(s.entered)
		<-ctx.Done()
		return nil, errors.Wrap(relayerrors.ErrSigningUnavailable, ctx.Err().Error())
	}

	signature, err := s.KeySigner.Sign(ctx, digest)
	s.mu.Lock()
	signed := s.signed
	s.mu.Unlock()
	if err == nil && signed != nil {
		signed()
	}
	return signature, err
}

func (s *fakeSigner) set(fn func(s *fakeSigner)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeSigner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []types.Attestation
	err       error
}

func (d *fakeDeliverer) Name() string { return "fake" }

func (d *fakeDeliverer) Deliver(_ context.Context, att types.Attestation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.delivered = append(d.delivered, att)
	return nil
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *fakeAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *fakeAlerter) sent() []alert.Type {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alert.Type
	for _, al := range a.alerts {
		out = append(out, al.Type)
	}
	return out
}

type harness struct {
	engine    *Engine
	tracker   *tracker.Tracker
	clock     *fakeClock
	source    *fakeSource
	signer    *fakeSigner
	deliverer *fakeDeliverer
	alerter   *fakeAlerter
}

func testConfig() Config {
	return Config{
		Workers:            4,
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		MaxInterval:        time.Minute,
		Multiplier:         2,
		RetryInterval:      time.Hour,
		PollBackoffInitial: time.Millisecond,
		PollBackoffMax:     5 * time.Millisecond,
		SignTimeout:        time.Second,
		StoreTimeout:       time.Second,
		DeliverTimeout:     time.Second,
	}
}

func newHarness(t *testing.T, store tracker.Store) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	if store == nil {
		store = memory.New()
	}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := tracker.New(store, logger, tracker.WithClock(clock.Now), tracker.WithLeaseDuration(testLease))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ks, err := signer.NewSigner(key)
	require.NoError(t, err)

	h := &harness{
		tracker:   tr,
		clock:     clock,
		source:    newFakeSource(1),
		signer:    &fakeSigner{KeySigner: ks, entered: make(chan struct{})},
		deliverer: &fakeDeliverer{},
		alerter:   &fakeAlerter{},
	}
	h.engine, err = NewEngine(testConfig(), []types.Source{h.source}, tr, h.signer, h.deliverer, logger,
		WithClock(clock.Now), WithAlerter(h.alerter))
	require.NoError(t, err)
	return h
}

func deposit(nonce int64, block uint64, blockHash string) types.DepositEvent {
	return types.DepositEvent{
		Sender:        common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
		Recipient:     common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"),
		Amount:        big.NewInt(1000),
		Nonce:         big.NewInt(nonce),
		SourceChainID: 1,
		DestChainID:   10,
		BlockNumber:   block,
		BlockHash:     common.HexToHash(blockHash),
	}
}

func (h *harness) batch(logs ...ethtypes.Log) *types.Batch {
	return &types.Batch{ChainID: 1, From: 1, End: types.BlockRef{Number: 200}, Frontier: 200, Logs: logs}
}

func (h *harness) record(t *testing.T, key types.DepositKey) *types.ProcessingRecord {
	t.Helper()
	rec, err := h.tracker.Get(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func TestDuplicateObservationYieldsOneAttestation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ev := deposit(7, 100, "0x01")
	raw := h.source.log(ev, 0)

	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(raw, raw)))
	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(raw)))

	assert.Equal(t, 1, h.signer.callCount())
	require.Equal(t, 1, h.deliverer.count())

	rec := h.record(t, ev.Key())
	assert.Equal(t, types.StateDelivered, rec.State)
	assert.Equal(t, attestation.Build(ev), rec.Hash)

	att := h.deliverer.delivered[0]
	require.NoError(t, attestation.Verify(att))
	assert.Equal(t, h.signer.Address(), att.Signer)
}

func TestCrashBetweenHashedAndSignedSignsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ev := deposit(8, 100, "0x01")

	// A worker hashes the deposit and dies holding the lease.
	_, rec, err := h.tracker.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	_, err = h.tracker.RecordResult(ctx, rec, tracker.Hashed{Hash: attestation.Build(ev)})
	require.NoError(t, err)

	raw := h.source.log(ev, 0)
	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(raw)))
	assert.Equal(t, 0, h.signer.callCount(), "a live lease blocks re-observation")

	h.clock.Advance(testLease + time.Second)
	assert.Equal(t, 1, h.engine.RecoverPending(ctx))

	assert.Equal(t, 0, h.engine.RecoverPending(ctx))
	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(raw)))

	assert.Equal(t, 1, h.signer.callCount())
	assert.Equal(t, 1, h.deliverer.count())

	rec = h.record(t, ev.Key())
	assert.Equal(t, types.StateDelivered, rec.State)
	att, ok := rec.Attestation(attestation.WireVersion)
	require.True(t, ok)
	assert.NoError(t, attestation.Verify(att))
}

func TestRedeliveryNeverResigns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ev := deposit(9, 100, "0x01")
	hash := attestation.Build(ev)
	sig, err := h.signer.KeySigner.Sign(ctx, hash)
	require.NoError(t, err)

	_, rec, err := h.tracker.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	rec, err = h.tracker.RecordResult(ctx, rec, tracker.Hashed{Hash: hash})
	require.NoError(t, err)
	_, err = h.tracker.RecordResult(ctx, rec, tracker.Signed{Signature: sig, Signer: h.signer.Address()})
	require.NoError(t, err)

	h.clock.Advance(testLease + time.Second)
	assert.Equal(t, 1, h.engine.RecoverPending(ctx))

	assert.Equal(t, 0, h.signer.callCount())
	require.Equal(t, 1, h.deliverer.count())
	assert.Equal(t, sig, h.deliverer.delivered[0].Signature)
	assert.Equal(t, types.StateDelivered, h.record(t, ev.Key()).State)
}

func TestReorgOrphansSignedDepositWithoutResigning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ev := deposit(10, 100, "0x01")
	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(h.source.log(ev, 0))))
	require.Equal(t, types.StateDelivered, h.record(t, ev.Key()).State)

	withdrawal := &types.Batch{
		ChainID:  1,
		End:      types.BlockRef{Number: 99},
		Frontier: 200,
		Withdrawal: &types.Withdrawal{
			ChainID:  1,
			Ancestor: types.BlockRef{Number: 99},
			Orphaned: []types.BlockRef{ev.Origin()},
		},
	}
	require.NoError(t, h.engine.handleBatch(ctx, h.source, withdrawal))

	rec := h.record(t, ev.Key())
	assert.Equal(t, types.StateOrphaned, rec.State)
	assert.Equal(t, types.StateDelivered, rec.PriorState)
	assert.True(t, rec.Signed())
	assert.Equal(t, []alert.Type{alert.TypeSignedOrphan}, h.alerter.sent())

	// The deposit reappears in the canonical chain.
	moved := deposit(10, 101, "0x02")
	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(h.source.log(moved, 0))))
	h.clock.Advance(time.Hour)
	h.engine.RecoverPending(ctx)

	assert.Equal(t, 1, h.signer.callCount())
	assert.Equal(t, 1, h.deliverer.count())
	assert.Equal(t, types.StateOrphaned, h.record(t, ev.Key()).State)
}

func TestReorgReadmitsUnsignedDeposit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.signer.set(func(s *fakeSigner) { s.failures = 1 })

	ev := deposit(11, 100, "0x01")
	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(h.source.log(ev, 0))))
	require.Equal(t, types.StateFailed, h.record(t, ev.Key()).State)

	require.NoError(t, h.engine.handleBatch(ctx, h.source, &types.Batch{
		ChainID:    1,
		Withdrawal: &types.Withdrawal{ChainID: 1, Orphaned: []types.BlockRef{ev.Origin()}},
	}))
	require.Equal(t, types.StateOrphaned, h.record(t, ev.Key()).State)
	assert.Empty(t, h.alerter.sent())

	moved := deposit(11, 105, "0x05")
	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(h.source.log(moved, 0))))

	rec := h.record(t, ev.Key())
	assert.Equal(t, types.StateDelivered, rec.State)
	assert.Equal(t, uint64(105), rec.Event.BlockNumber)
	assert.Equal(t, 1, h.deliverer.count())
}

func TestMaxAttemptsBecomesPermanentAndRetriable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.signer.set(func(s *fakeSigner) { s.failures = 100 })

	ev := deposit(12, 100, "0x01")
	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(h.source.log(ev, 0))))

	rec := h.record(t, ev.Key())
	require.Equal(t, types.StateFailed, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.False(t, rec.Permanent)
	assert.True(t, rec.NextAttemptAt.Equal(h.clock.Now().Add(time.Second)))

	assert.Equal(t, 0, h.engine.RecoverPending(ctx), "not due yet")

	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.engine.RecoverPending(ctx))
	rec = h.record(t, ev.Key())
	assert.Equal(t, 2, rec.Attempts)
	assert.True(t, rec.NextAttemptAt.Equal(h.clock.Now().Add(2*time.Second)))

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, h.engine.RecoverPending(ctx))
	rec = h.record(t, ev.Key())
	assert.Equal(t, 3, rec.Attempts)
	assert.True(t, rec.Permanent)
	assert.Equal(t, types.StateHashed, rec.PriorState)
	assert.Equal(t, []alert.Type{alert.TypePermanentFailure}, h.alerter.sent())

	h.clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, h.engine.RecoverPending(ctx))

	failed, err := h.tracker.ListFailed(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ev.Key(), failed[0].Key)

	h.signer.set(func(s *fakeSigner) { s.failures = 0 })
	_, err = h.tracker.Retry(ctx, ev.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, h.engine.RecoverPending(ctx))
	assert.Equal(t, types.StateDelivered, h.record(t, ev.Key()).State)
	assert.Equal(t, 1, h.deliverer.count())
}

func TestDeliveryFailureKeepsSignature(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.deliverer.err = errors.Wrap(relayerrors.ErrDeliveryFailed, "nats down")

	ev := deposit(13, 100, "0x01")
	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(h.source.log(ev, 0))))

	rec := h.record(t, ev.Key())
	require.Equal(t, types.StateFailed, rec.State)
	assert.Equal(t, types.StateSigned, rec.PriorState)
	sig := rec.Signature

	h.deliverer.mu.Lock()
	h.deliverer.err = nil
	h.deliverer.mu.Unlock()
	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.engine.RecoverPending(ctx))

	rec = h.record(t, ev.Key())
	assert.Equal(t, types.StateDelivered, rec.State)
	assert.Equal(t, sig, rec.Signature)
	assert.Equal(t, 1, h.signer.callCount())
}

func TestHashMismatchFailsPermanently(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ev := deposit(14, 100, "0x01")
	_, rec, err := h.tracker.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	_, err = h.tracker.RecordResult(ctx, rec, tracker.Hashed{Hash: common.HexToHash("0xbad")})
	require.NoError(t, err)

	h.clock.Advance(testLease + time.Second)
	h.engine.RecoverPending(ctx)

	rec = h.record(t, ev.Key())
	assert.Equal(t, types.StateFailed, rec.State)
	assert.True(t, rec.Permanent)
	assert.Equal(t, 0, h.signer.callCount())
}

func TestShutdownReleasesInFlightWork(t *testing.T) {
	h := newHarness(t, nil)
	h.signer.set(func(s *fakeSigner) { s.block = true })

	ev := deposit(15, 100, "0x01")
	raw := h.source.log(ev, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.engine.handleBatch(ctx, h.source, h.batch(raw))
	}()

	<-h.signer.entered
	cancel()
	require.NoError(t, <-done)

	rec := h.record(t, ev.Key())
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Equal(t, types.StateHashed, rec.PriorState)
	assert.Equal(t, 0, rec.Attempts)
	assert.Empty(t, rec.LeaseOwner)
	assert.False(t, rec.NextAttemptAt.After(h.clock.Now()))

	h.signer.set(func(s *fakeSigner) { s.block = false })
	assert.Equal(t, 1, h.engine.RecoverPending(context.Background()))
	assert.Equal(t, types.StateDelivered, h.record(t, ev.Key()).State)
}

func TestShutdownDuringSignKeepsSignature(t *testing.T) {
	h := newHarness(t, nil)

	ev := deposit(17, 100, "0x01")
	raw := h.source.log(ev, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.signer.set(func(s *fakeSigner) { s.signed = cancel })

	require.NoError(t, h.engine.handleBatch(ctx, h.source, h.batch(raw)))

	rec := h.record(t, ev.Key())
	assert.True(t, rec.Signed(), "the returned signature is persisted")
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Equal(t, types.StateSigned, rec.PriorState)
	assert.Equal(t, 0, rec.Attempts)
	assert.Empty(t, rec.LeaseOwner)
	signature := rec.Signature

	h.signer.set(func(s *fakeSigner) { s.signed = nil })
	h.clock.Advance(testLease + time.Second)
	assert.Equal(t, 1, h.engine.RecoverPending(context.Background()))

	rec = h.record(t, ev.Key())
	assert.Equal(t, types.StateDelivered, rec.State)
	assert.Equal(t, signature, rec.Signature)
	assert.Equal(t, 1, h.signer.callCount(), "one deposit is signed once")
}

type failingStore struct {
	*memory.Store
}

func (failingStore) GetRecord(context.Context, types.DepositKey) (*types.ProcessingRecord, error) {
	return nil, errors.New("connection reset by peer")
}

func TestStoreFailureBlocksAck(t *testing.T) {
	h := newHarness(t, failingStore{Store: memory.New()})

	ev := deposit(16, 100, "0x01")
	err := h.engine.handleBatch(context.Background(), h.source, h.batch(h.source.log(ev, 0)))
	require.Error(t, err)
	assert.Equal(t, 0, h.signer.callCount())
}

func TestRunSkipsMalformedLogsAndAcks(t *testing.T) {
	h := newHarness(t, nil)
	h.source.pollErrs = unavailableAlertAfter

	ev := deposit(17, 100, "0x01")
	malformed := ethtypes.Log{TxHash: common.HexToHash("0xdead"), Index: 3, BlockNumber: 100}
	h.source.push(h.batch(malformed, h.source.log(ev, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.source.ackCount() == 1 && h.deliverer.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	assert.Equal(t, types.StateDelivered, h.record(t, ev.Key()).State)
	assert.Equal(t, []alert.Type{alert.TypeChainUnavailable}, h.alerter.sent())
}

func TestDeepReorgRaisesAlert(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.handleBatch(context.Background(), h.source, &types.Batch{
		ChainID: 1,
		Withdrawal: &types.Withdrawal{
			ChainID:  1,
			Ancestor: types.BlockRef{Number: 10},
			Orphaned: []types.BlockRef{{Number: 11, Hash: common.HexToHash("0x11")}},
			Deep:     true,
		},
	}))
	assert.Equal(t, []alert.Type{alert.TypeDeepReorg}, h.alerter.sent())
}

func TestNewEngineValidatesLease(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	tr := tracker.New(memory.New(), logger, tracker.WithLeaseDuration(10*time.Second))

	cfg := testConfig()
	cfg.DeliverTimeout = time.Minute
	_, err := NewEngine(cfg, nil, tr, &fakeSigner{}, &fakeDeliverer{}, logger)
	assert.ErrorIs(t, err, relayerrors.ErrInvalidConfig)
}
