// Package delivery hands signed attestations to the parties that act on them.
// Delivery is at-least-once: a deliverer may see the same attestation again
// after a crash or a retry and must treat it idempotently.
package delivery

import (
	"context"
	"encoding/json"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Deliverer hands off an attestation.
type Deliverer interface {
	// Name identifies the deliverer in logs and metrics.
	Name() string
	// Deliver hands off att. Failures wrap ErrDeliveryFailed.
	Deliver(ctx context.Context, att types.Attestation) error
}

// Failed wraps err in ErrDeliveryFailed unless it already is one.
func Failed(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, relayerrors.ErrDeliveryFailed) {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Wrapf(relayerrors.ErrDeliveryFailed, format+": %v", append(args, err)...)
}

// Marshal encodes att in its JSON wire form.
func Marshal(att types.Attestation) ([]byte, error) {
	body, err := json.Marshal(att.Payload())
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal attestation")
	}
	return body, nil
}

// Multi delivers to every deliverer in order. Each one is attempted even if
// an earlier one fails, and the attestation counts as delivered only when all
// of them succeed.
type Multi struct {
	deliverers []Deliverer
	logger     *logrus.Logger
}

// NewMulti creates a fan-out deliverer.
func NewMulti(logger *logrus.Logger, deliverers ...Deliverer) *Multi {
	return &Multi{deliverers: deliverers, logger: logger}
}

// Name returns "multi".
func (m *Multi) Name() string {
	return "multi"
}

// Deliver hands att to every deliverer and returns the first failure.
func (m *Multi) Deliver(ctx context.Context, att types.Attestation) error {
	var firstErr error
	for _, d := range m.deliverers {
		if err := d.Deliver(ctx, att); err != nil {
			metrics.DeliveryErrors.WithLabelValues(d.Name()).Inc()
			m.logger.WithError(err).WithFields(logrus.Fields{
				"deliverer": d.Name(),
				"key":       att.Event.Key().String(),
			}).Warn("Delivery failed")
			if firstErr == nil {
				firstErr = Failed(err, "deliverer %s", d.Name())
			}
		}
	}
	return firstErr
}

// Log writes attestations to the log. It is the deliverer of last resort when
// nothing else is configured: the recipient fetches the signature through the
// status API.
type Log struct {
	logger *logrus.Logger
}

// NewLog creates a log deliverer.
func NewLog(logger *logrus.Logger) *Log {
	return &Log{logger: logger}
}

// Name returns "log".
func (l *Log) Name() string {
	return "log"
}

// Deliver logs the attestation identifiers.
func (l *Log) Deliver(_ context.Context, att types.Attestation) error {
	l.logger.WithFields(logrus.Fields{
		"chain":     att.Event.SourceChainID,
		"nonce":     att.Event.Nonce.String(),
		"dstChain":  att.Event.DestChainID,
		"recipient": att.Event.Recipient.Hex(),
		"hash":      att.Hash.Hex(),
		"signer":    att.Signer.Hex(),
	}).Info("Attestation ready")
	return nil
}
