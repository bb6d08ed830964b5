package evm

import (
	"context"
	"sync"

	"github.com/ClipFinance/deposit-relay/chainmanager"
	"github.com/ClipFinance/deposit-relay/chains/evm/normalizer"
	"github.com/ClipFinance/deposit-relay/chains/evm/reader"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/connectionmonitor"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// evm holds the connection of one EVM source chain.
type evm struct {
	config *types.ChainConfig // Chain configuration.
	logger *logrus.Logger     // Logger for logging events.
	reader *reader.Reader     // Batch reader fed by client.

	// Protected fields with their own mutexes.
	clientMutex sync.RWMutex      // Mutex for client.
	client      *ethclient.Client // Ethereum client.

	monitorMutex sync.RWMutex                        // Mutex for connection monitor.
	monitor      connectionmonitor.ConnectionMonitor // Connection monitor.
}

// NewSourceChain connects to an EVM source chain and assembles its reader,
// normalizer and connection monitor.
//
// Parameters:
// - ctx: the context bounding the dial and the chain id check; it also scopes the monitor.
// - config: the chain configuration.
// - checkpoints: the cursor store shared by every reader.
// - logger: the logger for logging events.
//
// Returns:
// - *chainmanager.Chain: the source chain.
// - error: ErrChainUnavailable if the RPC cannot be reached, ErrChainIDMismatch if it serves another chain.
func NewSourceChain(ctx context.Context, config *types.ChainConfig, checkpoints reader.Checkpoints, logger *logrus.Logger) (*chainmanager.Chain, error) {
	if !common.IsHexAddress(config.BridgeAddress) {
		return nil, errors.Wrapf(relayerrors.ErrInvalidConfig, "chain %s: invalid bridge address %q", config.Name, config.BridgeAddress)
	}

	client, err := ethclient.DialContext(ctx, config.RpcUrl)
	if err != nil {
		return nil, errors.Wrapf(relayerrors.ErrChainUnavailable, "failed to create client: %v", err)
	}

	rd, err := reader.NewReader(config, client, checkpoints, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := rd.VerifyChainID(ctx); err != nil {
		client.Close()
		return nil, err
	}

	chain := &evm{
		config: config,
		logger: logger,
		reader: rd,
		client: client,
	}

	if err := chain.initMonitor(ctx); err != nil {
		chain.Close()
		return nil, errors.Wrap(err, "failed to init connection monitor")
	}

	logger.WithFields(logrus.Fields{
		"chain":         config.Name,
		"chainId":       config.ChainID,
		"bridge":        config.BridgeAddress,
		"confirmations": config.Confirmations,
	}).Info("Source chain connected")

	return chainmanager.NewChainBuilder(config).
		WithPoller(rd).
		WithNormalizer(normalizer.NewNormalizer(config.ChainID, common.HexToAddress(config.BridgeAddress))).
		WithHealthReporter(chain.monitor).
		WithCloser(chain.Close).
		Build(), nil
}

// Close should be called when the chain is no longer needed.
// It stops the connection monitor and closes the client.
func (e *evm) Close() {
	e.monitorMutex.Lock()
	if e.monitor != nil {
		e.monitor.Stop()
	}
	e.monitorMutex.Unlock()

	e.clientMutex.Lock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	e.clientMutex.Unlock()
}
