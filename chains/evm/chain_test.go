package evm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClipFinance/deposit-relay/chains/evm/reader"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/store/memory"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// newRPCServer answers the JSON-RPC calls a source chain makes on startup.
func newRPCServer(t *testing.T, chainID string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var result interface{}
		switch req.Method {
		case "eth_chainId":
			result = chainID
		case "eth_blockNumber":
			result = "0x64"
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]interface{}{"code": -32601, "message": "method not found"},
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(url string) *types.ChainConfig {
	return &types.ChainConfig{
		Name:          "base",
		ChainType:     types.EVM,
		ChainID:       8453,
		RpcUrl:        url,
		BridgeAddress: "0x1111111111111111111111111111111111111111",
		Confirmations: 10,
	}
}

func TestNewSourceChain(t *testing.T) {
	srv, _ := newRPCServer(t, "0x2105")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain, err := NewSourceChain(ctx, testConfig(srv.URL), memory.New(), testLogger())
	require.NoError(t, err)
	defer chain.Close()

	var _ types.Source = chain
	assert.Equal(t, uint64(8453), chain.ChainID())
	assert.Equal(t, "base", chain.Name())
	assert.True(t, chain.Healthy())
}

func TestNewSourceChainRejectsWrongChain(t *testing.T) {
	srv, _ := newRPCServer(t, "0x1")

	_, err := NewSourceChain(context.Background(), testConfig(srv.URL), memory.New(), testLogger())
	assert.ErrorIs(t, err, relayerrors.ErrChainIDMismatch)
}

func TestNewSourceChainRejectsBadBridge(t *testing.T) {
	config := testConfig("http://127.0.0.1:1")
	config.BridgeAddress = "bridge"

	_, err := NewSourceChain(context.Background(), config, memory.New(), testLogger())
	assert.ErrorIs(t, err, relayerrors.ErrInvalidConfig)
}

func newTestChain(t *testing.T, url string, config *types.ChainConfig) *evm {
	t.Helper()
	client, err := ethclient.DialContext(context.Background(), url)
	require.NoError(t, err)
	rd, err := reader.NewReader(config, client, memory.New(), testLogger())
	require.NoError(t, err)

	chain := &evm{config: config, logger: testLogger(), reader: rd, client: client}
	t.Cleanup(chain.Close)
	return chain
}

func TestRPCHealthReconnect(t *testing.T) {
	ctx := context.Background()
	srv, calls := newRPCServer(t, "0x2105")
	config := testConfig(srv.URL)

	chain := newTestChain(t, srv.URL, config)
	client := chain.client
	health := newRPCHealth(chain)

	require.NoError(t, health.CheckConnection(ctx))
	require.NoError(t, health.Reconnect(ctx))
	assert.NotSame(t, client, chain.client)

	require.NoError(t, health.CheckConnection(ctx))
	require.NoError(t, chain.reader.VerifyChainID(ctx), "the reader uses the new client")
	assert.GreaterOrEqual(t, atomic.LoadInt32(calls), int32(4))

	chain.Close()
	assert.Error(t, health.CheckConnection(ctx))
}

func TestRPCHealthReconnectRejectsOtherChain(t *testing.T) {
	ctx := context.Background()
	srv, _ := newRPCServer(t, "0x2105")
	other, _ := newRPCServer(t, "0x1")

	config := testConfig(srv.URL)
	chain := newTestChain(t, srv.URL, config)
	client := chain.client

	// The endpoint now resolves to a node of another chain.
	config.RpcUrl = other.URL
	err := newRPCHealth(chain).Reconnect(ctx)
	assert.ErrorIs(t, err, relayerrors.ErrChainIDMismatch)
	assert.Same(t, client, chain.client, "the reader keeps the old client")
}

func TestRPCHealthDetectsStalledHead(t *testing.T) {
	ctx := context.Background()
	srv, _ := newRPCServer(t, "0x2105")
	chain := newTestChain(t, srv.URL, testConfig(srv.URL))

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	health := newRPCHealth(chain)
	health.now = func() time.Time { return now }

	require.NoError(t, health.CheckConnection(ctx))

	now = now.Add(health.stallAfter - time.Second)
	require.NoError(t, health.CheckConnection(ctx))

	now = now.Add(2 * time.Second)
	err := health.CheckConnection(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stalled at block 100")

	require.NoError(t, health.Reconnect(ctx))
	assert.NoError(t, health.CheckConnection(ctx), "a fresh client starts a new stall window")
}
