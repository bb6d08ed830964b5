// Package alert raises operator alerts for conditions the relay cannot
// resolve on its own: exhausted retries and signed deposits orphaned by a
// reorganization.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ClipFinance/deposit-relay/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Type categorizes the kind of alert.
type Type string

const (
	TypePermanentFailure Type = "PERMANENT_FAILURE"
	TypeSignedOrphan     Type = "SIGNED_ORPHAN"
	TypeDeepReorg        Type = "DEEP_REORG"
	TypeChainUnavailable Type = "CHAIN_UNAVAILABLE"
)

// Alert is a single alert event.
type Alert struct {
	Type    Type
	Chain   string
	Key     string
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter sends alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// LogAlerter writes alerts to the log. It is the default channel.
type LogAlerter struct {
	logger *logrus.Logger
}

// NewLogAlerter creates a log alerter.
func NewLogAlerter(logger *logrus.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Send logs the alert at error level.
func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	fields := logrus.Fields{
		"alert": alert.Type,
		"chain": alert.Chain,
	}
	if alert.Key != "" {
		fields["key"] = alert.Key
	}
	for k, v := range alert.Fields {
		fields[k] = v
	}
	l.logger.WithFields(fields).Errorf("%s: %s", alert.Title, alert.Message)
	return nil
}

// WebhookAlerter posts alerts as JSON to an HTTP endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a webhook alerter.
func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the alert to the webhook endpoint.
func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]interface{}{
		"type":    string(alert.Type),
		"chain":   alert.Chain,
		"key":     alert.Key,
		"title":   alert.Title,
		"message": alert.Message,
		"fields":  alert.Fields,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send webhook alert")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiAlerter fans alerts out to several channels and suppresses repeats of
// the same alert within the cooldown.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates a fan-out alerter.
//
// Parameters:
// - cooldown: the minimum time between two alerts with the same type, chain and key.
// - logger: the logger.
// - alerters: the channels.
//
// Returns:
// - *MultiAlerter: the alerter.
func NewMultiAlerter(cooldown time.Duration, logger *logrus.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.Chain, a.Key)
}

// Send dispatches alert to every channel unless it is in cooldown. It returns
// the first channel error.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)
	now := m.now()

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.WithField("alert", key).Debug("Alert suppressed by cooldown")
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	metrics.AlertsSent.WithLabelValues(string(alert.Type)).Inc()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.WithError(err).WithField("alert", alert.Type).Warn("Failed to send alert")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NoopAlerter drops every alert.
type NoopAlerter struct{}

func (NoopAlerter) Send(context.Context, Alert) error { return nil }
