// Package natsdeliverer publishes attestations to NATS, one subject per
// destination chain.
package natsdeliverer

import (
	"context"
	"fmt"
	"time"

	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/delivery"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultSubjectPrefix = "relay.attestations"
	defaultTimeout       = 10 * time.Second
	// defaultDuplicateWindow is how long JetStream remembers message ids.
	defaultDuplicateWindow = 24 * time.Hour
)

// Config holds the NATS connection and publishing settings.
//
// Fields:
// - URL: the NATS server URL.
// - SubjectPrefix: attestations go to "<SubjectPrefix>.<destChainId>".
// - JetStream: publish through JetStream and wait for the stream ack.
// - Stream: the stream to create when missing (JetStream only).
// - Timeout: the connect and publish timeout.
type Config struct {
	URL           string
	SubjectPrefix string
	JetStream     bool
	Stream        string
	Timeout       time.Duration
}

// publisher is the seam between the deliverer and a NATS connection.
type publisher interface {
	publish(ctx context.Context, subject string, data []byte, msgID string) error
}

type corePublisher struct {
	conn *nats.Conn
}

// publish sends on the core connection and flushes so that a dead server
// surfaces as an error instead of a silently buffered message.
func (p *corePublisher) publish(ctx context.Context, subject string, data []byte, _ string) error {
	if err := p.conn.Publish(subject, data); err != nil {
		return err
	}
	return p.conn.FlushWithContext(ctx)
}

type jetStreamPublisher struct {
	js nats.JetStreamContext
}

// publish waits for the stream ack. The message id lets the stream drop
// redeliveries of the same attestation.
func (p *jetStreamPublisher) publish(ctx context.Context, subject string, data []byte, msgID string) error {
	_, err := p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	return err
}

// Deliverer publishes attestations to NATS.
type Deliverer struct {
	conn      *nats.Conn
	publisher publisher
	prefix    string
	timeout   time.Duration
	logger    *logrus.Logger
}

// Connect dials NATS and prepares the deliverer.
//
// Parameters:
// - cfg: the NATS settings.
// - logger: the logger.
//
// Returns:
// - *Deliverer: the deliverer.
// - error: an error if the connection or stream setup fails.
func Connect(cfg Config, logger *logrus.Logger) (*Deliverer, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("deposit-relay"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}

	d := newDeliverer(&corePublisher{conn: conn}, cfg, logger)
	d.conn = conn

	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "failed to create JetStream context")
		}
		if cfg.Stream != "" {
			if err := ensureStream(js, cfg.Stream, d.prefix); err != nil {
				conn.Close()
				return nil, err
			}
		}
		d.publisher = &jetStreamPublisher{js: js}
	}

	return d, nil
}

func newDeliverer(p publisher, cfg Config, logger *logrus.Logger) *Deliverer {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Deliverer{
		publisher: p,
		prefix:    prefix,
		timeout:   timeout,
		logger:    logger,
	}
}

func ensureStream(js nats.JetStreamContext, name, prefix string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return errors.Wrapf(err, "failed to look up stream %s", name)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{prefix + ".>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		Duplicates: defaultDuplicateWindow,
	})
	return errors.Wrapf(err, "failed to create stream %s", name)
}

// Subject returns the subject an attestation for destChainID is published on.
func (d *Deliverer) Subject(destChainID uint64) string {
	return fmt.Sprintf("%s.%d", d.prefix, destChainID)
}

// Name returns "nats".
func (d *Deliverer) Name() string {
	return "nats"
}

// Deliver publishes the JSON attestation.
func (d *Deliverer) Deliver(ctx context.Context, att types.Attestation) error {
	body, err := delivery.Marshal(att)
	if err != nil {
		return delivery.Failed(err, "nats")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	subject := d.Subject(att.Event.DestChainID)
	if err := d.publisher.publish(ctx, subject, body, att.Hash.Hex()); err != nil {
		return delivery.Failed(err, "publish to %s", subject)
	}

	d.logger.WithFields(logrus.Fields{
		"subject": subject,
		"key":     att.Event.Key().String(),
	}).Debug("Attestation published")
	return nil
}

// Close drains the connection.
func (d *Deliverer) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Drain()
}
