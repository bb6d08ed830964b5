package api

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ClipFinance/deposit-relay/attestation"
	"github.com/ClipFinance/deposit-relay/chains/evm/signer"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/store/memory"
	"github.com/ClipFinance/deposit-relay/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	server  *Server
	tracker *tracker.Tracker
	signer  signer.KeySigner
}

func newFixture(t *testing.T, pinger Pinger) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.New()
	if pinger == nil {
		pinger = store
	}
	tr := tracker.New(store, logger)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ks, err := signer.NewSigner(key)
	require.NoError(t, err)

	return &fixture{
		server:  NewServer(tr, pinger, nil, logger),
		tracker: tr,
		signer:  ks,
	}
}

func deposit(nonce int64) types.DepositEvent {
	return types.DepositEvent{
		Sender:        common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
		Recipient:     common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"),
		Amount:        big.NewInt(5000),
		Nonce:         big.NewInt(nonce),
		SourceChainID: 1,
		DestChainID:   10,
		BlockNumber:   100,
		BlockHash:     common.HexToHash("0x01"),
	}
}

// delivered drives a deposit through signing to DELIVERED.
func (f *fixture) delivered(t *testing.T, ev types.DepositEvent) {
	t.Helper()
	ctx := context.Background()

	_, rec, err := f.tracker.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	hash := attestation.Build(ev)
	rec, err = f.tracker.RecordResult(ctx, rec, tracker.Hashed{Hash: hash})
	require.NoError(t, err)
	sig, err := f.signer.Sign(ctx, hash)
	require.NoError(t, err)
	rec, err = f.tracker.RecordResult(ctx, rec, tracker.Signed{Signature: sig, Signer: f.signer.Address()})
	require.NoError(t, err)
	_, err = f.tracker.RecordResult(ctx, rec, tracker.Delivered{})
	require.NoError(t, err)
}

func (f *fixture) failed(t *testing.T, ev types.DepositEvent, permanent bool) {
	t.Helper()
	ctx := context.Background()

	_, rec, err := f.tracker.BeginProcessing(ctx, ev)
	require.NoError(t, err)
	_, err = f.tracker.RecordResult(ctx, rec, tracker.Failed{
		Err:           errors.New("signing unavailable"),
		Permanent:     permanent,
		NextAttemptAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	f = newFixture(t, downPinger{})
	code, body = f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestGetRecord(t *testing.T) {
	f := newFixture(t, nil)
	ev := deposit(42)
	f.delivered(t, ev)

	code, body := f.do(t, http.MethodGet, "/v1/records/1/42")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "DELIVERED", body["state"])
	assert.Equal(t, attestation.Build(ev).Hex(), body["hash"])
	assert.Equal(t, true, body["verified"])

	att, ok := body["attestation"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "5000", att["amount"])
	assert.Equal(t, "42", att["nonce"])
	assert.NotContains(t, body, "leaseOwner")
}

func TestGetRecordErrors(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(t, http.MethodGet, "/v1/records/1/7")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/v1/records/1/0x07")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/v1/records/zero/7")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestFailuresAndRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.failed(t, deposit(1), false)
	f.failed(t, deposit(2), true)
	f.delivered(t, deposit(3))

	code, body := f.do(t, http.MethodGet, "/v1/failures")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["records"], 2)

	code, body = f.do(t, http.MethodGet, "/v1/failures?permanent=true")
	require.Equal(t, http.StatusOK, code)
	records := body["records"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "2", records[0].(map[string]interface{})["nonce"])

	code, body = f.do(t, http.MethodPost, "/v1/records/1/2/retry")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, false, body["permanent"])
	assert.Equal(t, float64(0), body["attempts"])

	code, _ = f.do(t, http.MethodPost, "/v1/records/1/3/retry")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodGet, "/v1/failures?limit=-1")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestOrphans(t *testing.T) {
	f := newFixture(t, nil)
	ev := deposit(9)
	f.delivered(t, ev)

	_, err := f.tracker.Withdraw(context.Background(), types.Withdrawal{
		ChainID:  1,
		Orphaned: []types.BlockRef{ev.Origin()},
	})
	require.NoError(t, err)

	code, body := f.do(t, http.MethodGet, "/v1/orphans?limit=10")
	require.Equal(t, http.StatusOK, code)
	records := body["records"].([]interface{})
	require.Len(t, records, 1)
	rec := records[0].(map[string]interface{})
	assert.Equal(t, "ORPHANED", rec["state"])
	assert.Equal(t, "DELIVERED", rec["priorState"])
}
