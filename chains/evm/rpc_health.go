package evm

import (
	"context"
	"sync"
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/connectionmonitor"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// defaultStallAfter is how long the head may stay at one height before the
// endpoint is considered stuck. Chains with slow blocks raise it through
// PollInterval.
const defaultStallAfter = 5 * time.Minute

// rpcHealth is the connectionmonitor.BlockchainClient of a source chain. It
// reports an endpoint unhealthy when it stops answering or stops following
// the chain, and redials it without ever handing the reader a client for a
// different chain.
type rpcHealth struct {
	chain      *evm
	stallAfter time.Duration
	now        func() time.Time

	mu         sync.Mutex
	head       uint64
	headSeenAt time.Time
}

func newRPCHealth(chain *evm) *rpcHealth {
	stallAfter := defaultStallAfter
	if p := 10 * chain.config.PollInterval; p > stallAfter {
		stallAfter = p
	}
	return &rpcHealth{chain: chain, stallAfter: stallAfter, now: time.Now}
}

// initMonitor starts watching the source RPC endpoint.
func (e *evm) initMonitor(ctx context.Context) error {
	e.monitorMutex.Lock()
	defer e.monitorMutex.Unlock()

	e.monitor = connectionmonitor.NewConnectionMonitor(newRPCHealth(e), e.logger, e.config.Name, connectionmonitor.Options{
		CheckTimeout: e.config.RPCTimeout,
	})
	return e.monitor.Start(ctx)
}

// CheckConnection fails when the endpoint is unreachable or its head has not
// moved for stallAfter. A stalled node keeps answering while the confirmed
// frontier, and with it every deposit, stands still.
func (h *rpcHealth) CheckConnection(ctx context.Context) error {
	client := h.chain.currentClient()
	if client == nil {
		return errors.New("client not initialized")
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if head > h.head || h.headSeenAt.IsZero() {
		h.head = head
		h.headSeenAt = now
		return nil
	}
	if stalled := now.Sub(h.headSeenAt); stalled > h.stallAfter {
		return errors.Errorf("head stalled at block %d for %s", head, stalled.Round(time.Second))
	}
	return nil
}

// Reconnect dials the endpoint again and swaps the reader onto the new client
// once it proves to serve the configured chain.
func (h *rpcHealth) Reconnect(ctx context.Context) error {
	config := h.chain.config

	client, err := ethclient.DialContext(ctx, config.RpcUrl)
	if err != nil {
		return errors.Wrapf(relayerrors.ErrChainUnavailable, "redial %s: %v", config.Name, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return errors.Wrapf(relayerrors.ErrChainUnavailable, "redial %s: %v", config.Name, err)
	}
	if !chainID.IsUint64() || chainID.Uint64() != config.ChainID {
		client.Close()
		return errors.Wrapf(relayerrors.ErrChainIDMismatch, "redial %s: rpc serves chain %s, want %d", config.Name, chainID, config.ChainID)
	}

	h.chain.clientMutex.Lock()
	old := h.chain.client
	h.chain.client = client
	h.chain.reader.UpdateClient(client)
	h.chain.clientMutex.Unlock()

	if old != nil {
		old.Close()
	}

	h.mu.Lock()
	h.headSeenAt = time.Time{}
	h.mu.Unlock()
	return nil
}

func (e *evm) currentClient() *ethclient.Client {
	e.clientMutex.RLock()
	defer e.clientMutex.RUnlock()
	return e.client
}
