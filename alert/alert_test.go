package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testAlert() Alert {
	return Alert{
		Type:    TypePermanentFailure,
		Chain:   "sepolia",
		Key:     "11155111/7",
		Title:   "Deposit failed permanently",
		Message: "signing unavailable",
		Fields:  map[string]string{"attempts": "5"},
	}
}

type countingAlerter struct {
	sent int32
	err  error
}

func (c *countingAlerter) Send(context.Context, Alert) error {
	atomic.AddInt32(&c.sent, 1)
	return c.err
}

func TestWebhookAlerterPostsJSON(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewWebhookAlerter(srv.URL, time.Second).Send(context.Background(), testAlert())
	require.NoError(t, err)

	assert.Equal(t, "PERMANENT_FAILURE", got["type"])
	assert.Equal(t, "sepolia", got["chain"])
	assert.Equal(t, "11155111/7", got["key"])
}

func TestWebhookAlerterNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookAlerter(srv.URL, time.Second).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMultiAlerterCooldown(t *testing.T) {
	a, b := &countingAlerter{}, &countingAlerter{}
	multi := NewMultiAlerter(time.Minute, testLogger(), a, b)

	now := time.Unix(1_700_000_000, 0)
	multi.now = func() time.Time { return now }

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), a.sent)
	assert.Equal(t, int32(1), b.sent)

	other := testAlert()
	other.Key = "11155111/8"
	require.NoError(t, multi.Send(context.Background(), other))
	assert.Equal(t, int32(2), a.sent)

	now = now.Add(2 * time.Minute)
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(3), a.sent)
}

func TestMultiAlerterReturnsFirstError(t *testing.T) {
	failing := &countingAlerter{err: assert.AnError}
	ok := &countingAlerter{}
	multi := NewMultiAlerter(0, testLogger(), failing, ok, NewLogAlerter(testLogger()))

	err := multi.Send(context.Background(), testAlert())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int32(1), ok.sent, "a failing channel must not block the others")
}
