package chainmanager

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPoller struct {
	batch *types.Batch
	acked []*types.Batch
}

func (p *stubPoller) Poll(context.Context) (*types.Batch, error) { return p.batch, nil }

func (p *stubPoller) Ack(_ context.Context, b *types.Batch) error {
	p.acked = append(p.acked, b)
	return nil
}

type stubNormalizer struct{}

func (stubNormalizer) Normalize(ethtypes.Log) (types.DepositEvent, error) {
	return types.DepositEvent{SourceChainID: 5}, nil
}

type stubHealth struct{ err error }

func (h stubHealth) Healthy() bool { return h.err == nil }
func (h stubHealth) LastError() error { return h.err }

type stubFactory struct {
	mu      sync.Mutex
	created []*Chain
	fail    error
}

func (f *stubFactory) CreateSource(_ context.Context, config *types.ChainConfig, _ *logrus.Logger) (types.Source, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	chain := NewChainBuilder(config).WithPoller(&stubPoller{}).Build()
	f.mu.Lock()
	f.created = append(f.created, chain)
	f.mu.Unlock()
	return chain, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestChainDelegates(t *testing.T) {
	ctx := context.Background()
	poller := &stubPoller{batch: &types.Batch{ChainID: 5}}

	var closed []string
	chain := NewChainBuilder(&types.ChainConfig{Name: "base", ChainID: 5, PollInterval: time.Second}).
		WithPoller(poller).
		WithNormalizer(stubNormalizer{}).
		WithHealthReporter(stubHealth{err: errors.New("eof")}).
		WithCloser(func() { closed = append(closed, "client") }).
		WithCloser(func() { closed = append(closed, "monitor") }).
		Build()

	var _ types.Source = chain

	assert.Equal(t, uint64(5), chain.ChainID())
	assert.Equal(t, "base", chain.Name())
	assert.Equal(t, time.Second, chain.PollInterval())

	batch, err := chain.Poll(ctx)
	require.NoError(t, err)
	require.NoError(t, chain.Ack(ctx, batch))
	assert.Len(t, poller.acked, 1)

	ev, err := chain.Normalize(ethtypes.Log{})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ev.SourceChainID)

	assert.False(t, chain.Healthy())
	assert.EqualError(t, chain.LastError(), "eof")

	chain.Close()
	chain.Close()
	assert.Equal(t, []string{"monitor", "client"}, closed)
}

func TestChainWithoutComponents(t *testing.T) {
	chain := NewChainBuilder(&types.ChainConfig{Name: "bare", ChainID: 9}).Build()

	_, err := chain.Poll(context.Background())
	assert.ErrorIs(t, err, relayerrors.ErrNotImplemented)
	_, err = chain.Normalize(ethtypes.Log{})
	assert.ErrorIs(t, err, relayerrors.ErrNotImplemented)
	assert.True(t, chain.Healthy())
	assert.Equal(t, defaultPollInterval, chain.PollInterval())
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	factory := &stubFactory{}
	registry := NewChainRegistry(factory, testLogger())

	require.NoError(t, registry.Add(ctx, &types.ChainConfig{Name: "base", ChainID: 8453}))
	require.NoError(t, registry.Add(ctx, &types.ChainConfig{Name: "ethereum", ChainID: 1}))

	err := registry.Add(ctx, &types.ChainConfig{Name: "again", ChainID: 1})
	assert.ErrorIs(t, err, relayerrors.ErrChainExists)

	list := registry.List()
	require.Len(t, list, 2)
	assert.Equal(t, uint64(1), list[0].ChainID())
	assert.Equal(t, uint64(8453), list[1].ChainID())

	assert.Equal(t, "base", registry.Get(8453).Name())
	assert.Nil(t, registry.Get(10))

	registry.Remove(8453)
	assert.Nil(t, registry.Get(8453))
	assert.Len(t, registry.List(), 1)
}

func TestRegistryFactoryError(t *testing.T) {
	factory := &stubFactory{fail: errors.Wrap(relayerrors.ErrChainIDMismatch, "rpc reports 5")}
	registry := NewChainRegistry(factory, testLogger())

	err := registry.Add(context.Background(), &types.ChainConfig{Name: "base", ChainID: 8453})
	assert.ErrorIs(t, err, relayerrors.ErrChainIDMismatch)
	assert.Empty(t, registry.List())
}
