package connectionmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// defaultCheckInterval defines interval between connection health checks
	defaultCheckInterval = 30 * time.Second
	// defaultCheckTimeout bounds a single health check
	defaultCheckTimeout = 10 * time.Second
	// defaultReconnectDelay is the first delay between reconnection attempts
	defaultReconnectDelay = 5 * time.Second
	// defaultMaxReconnectAttempts defines maximum number of reconnection attempts per check
	defaultMaxReconnectAttempts = 3
)

// ConnectionMonitor represents connection state monitoring interface
type ConnectionMonitor interface {
	// Start starts connection monitoring
	Start(ctx context.Context) error
	// Stop stops connection monitoring
	Stop()
	// Healthy reports the result of the last health check
	Healthy() bool
	// LastError returns the error of the last failed check, if any
	LastError() error
}

// BlockchainClient represents blockchain client interface
type BlockchainClient interface {
	// CheckConnection checks if connection is alive
	CheckConnection(ctx context.Context) error
	// Reconnect attempts to reconnect to blockchain node
	Reconnect(ctx context.Context) error
}

// Options tunes the monitor. Zero values fall back to defaults.
type Options struct {
	CheckInterval        time.Duration
	CheckTimeout         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts uint64
}

func (o Options) withDefaults() Options {
	if o.CheckInterval <= 0 {
		o.CheckInterval = defaultCheckInterval
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = defaultCheckTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	return o
}

type connectionMonitor struct {
	client       BlockchainClient
	logger       *logrus.Logger
	chainName    string
	opts         Options
	stopChan     chan struct{}
	isMonitoring bool
	monitorMutex sync.RWMutex

	stateMutex sync.RWMutex
	healthy    bool
	lastErr    error
}

// NewConnectionMonitor creates a new connection monitor instance.
//
// Parameters:
// - client: the blockchain client to monitor.
// - logger: the logger for logging purposes.
// - chainName: the name of the chain.
// - opts: check and reconnect tuning.
//
// Returns:
// - ConnectionMonitor: the new connection monitor instance.
func NewConnectionMonitor(
	client BlockchainClient,
	logger *logrus.Logger,
	chainName string,
	opts Options,
) ConnectionMonitor {
	return &connectionMonitor{
		client:    client,
		logger:    logger,
		chainName: chainName,
		opts:      opts.withDefaults(),
		stopChan:  make(chan struct{}),
		healthy:   true,
	}
}

// Start starts connection monitoring.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - error: an error if the connection monitor is already running.
func (m *connectionMonitor) Start(ctx context.Context) error {
	m.monitorMutex.Lock()
	if m.isMonitoring {
		m.monitorMutex.Unlock()
		return errors.Errorf("connection monitor is already running for chain %s", m.chainName)
	}
	m.isMonitoring = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.monitorMutex.Unlock()

	go m.monitorConnection(ctx, stop)
	return nil
}

// Stop stops connection monitoring.
func (m *connectionMonitor) Stop() {
	m.monitorMutex.Lock()
	defer m.monitorMutex.Unlock()

	if !m.isMonitoring {
		return
	}

	close(m.stopChan)
	m.isMonitoring = false
}

// Healthy reports the result of the last health check.
func (m *connectionMonitor) Healthy() bool {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()
	return m.healthy
}

// LastError returns the error of the last failed check.
func (m *connectionMonitor) LastError() error {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()
	return m.lastErr
}

func (m *connectionMonitor) setState(err error) {
	m.stateMutex.Lock()
	defer m.stateMutex.Unlock()
	m.healthy = err == nil
	m.lastErr = err
}

// monitorConnection monitors the connection state and attempts to reconnect if needed.
func (m *connectionMonitor) monitorConnection(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.WithField("chain", m.chainName).Info("Connection monitoring stopped due to context cancellation")
			return

		case <-stop:
			m.logger.WithField("chain", m.chainName).Info("Connection monitoring stopped")
			return

		case <-ticker.C:
			err := m.checkAndReconnect(ctx)
			m.setState(err)
			if err != nil && ctx.Err() == nil {
				m.logger.WithFields(logrus.Fields{
					"chain": m.chainName,
					"error": err,
				}).Error("Failed to check or reconnect")
			}
		}
	}
}

// checkAndReconnect checks the connection state and attempts to reconnect if needed.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - error: an error if the reconnection fails.
func (m *connectionMonitor) checkAndReconnect(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	err := m.client.CheckConnection(checkCtx)
	cancel()
	if err == nil {
		m.logger.WithField("chain", m.chainName).Debug("Ping successful")
		return nil
	}

	m.logger.WithFields(logrus.Fields{
		"chain": m.chainName,
		"error": err,
	}).Warn("Connection check failed, attempting to reconnect")

	attempt := 0
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.ReconnectDelay
	policy.MaxElapsedTime = 0

	reconnect := func() error {
		attempt++
		if err := m.client.Reconnect(ctx); err != nil {
			m.logger.WithFields(logrus.Fields{
				"chain":   m.chainName,
				"attempt": attempt,
				"error":   err,
			}).Error("Reconnection attempt failed")
			return err
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, m.opts.MaxReconnectAttempts-1), ctx)
	if err := backoff.Retry(reconnect, b); err != nil {
		return errors.Wrapf(err, "failed to reconnect to chain %s", m.chainName)
	}

	m.logger.WithFields(logrus.Fields{
		"chain":   m.chainName,
		"attempt": attempt,
	}).Info("Client successfully reconnected")

	return nil
}
