// Package reader polls a source chain for confirmed Deposit logs and keeps a
// reorg-safe checkpoint of how far it has read.
package reader

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ClipFinance/deposit-relay/chains/evm/normalizer"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// defaultMaxBlockRange is the maximum number of blocks to fetch in a single poll.
	defaultMaxBlockRange = uint64(1000)
	// defaultRPCTimeout bounds every RPC call.
	defaultRPCTimeout = 15 * time.Second
	// defaultReorgWindow is how many blocks of ancestry are retained below the cursor.
	defaultReorgWindow = uint64(256)
)

// Client is the subset of ethclient.Client the reader needs.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// Checkpoints persists the cursor and the block ancestry used for reorg
// detection.
type Checkpoints interface {
	// GetCursor returns the persisted cursor, or nil if the chain was never read.
	GetCursor(ctx context.Context, chainID uint64) (*types.CheckpointCursor, error)
	// SaveBlockRefs remembers blocks that produced logs.
	SaveBlockRefs(ctx context.Context, chainID uint64, refs []types.BlockRef) error
	// LatestBlockRefs returns up to limit remembered blocks, highest number first.
	LatestBlockRefs(ctx context.Context, chainID uint64, limit int) ([]types.BlockRef, error)
	// AdvanceCursor stores cursor, remembers its block and forgets blocks below pruneBelow.
	AdvanceCursor(ctx context.Context, cursor types.CheckpointCursor, pruneBelow uint64) error
	// RewindCursor moves the cursor back to cursor and forgets the orphaned blocks.
	RewindCursor(ctx context.Context, cursor types.CheckpointCursor, orphaned []types.BlockRef) error
}

// Reader polls one source chain.
type Reader struct {
	config      *types.ChainConfig
	bridge      common.Address
	checkpoints Checkpoints
	logger      *logrus.Logger
	limiter     *rate.Limiter
	rpcTimeout  time.Duration
	maxRange    uint64
	reorgWindow uint64

	clientMutex sync.RWMutex
	client      Client

	cursorMutex sync.Mutex
	cursor      *types.CheckpointCursor
}

// NewReader creates a reader for the chain described by config.
//
// Parameters:
// - config: the source chain configuration.
// - client: the RPC client.
// - checkpoints: the cursor and ancestry store.
// - logger: the logger.
//
// Returns:
// - *Reader: the reader.
// - error: an error if the configuration is invalid.
func NewReader(config *types.ChainConfig, client Client, checkpoints Checkpoints, logger *logrus.Logger) (*Reader, error) {
	if config == nil {
		return nil, errors.Wrap(relayerrors.ErrInvalidConfig, "chain config is nil")
	}
	if !common.IsHexAddress(config.BridgeAddress) {
		return nil, errors.Wrapf(relayerrors.ErrInvalidConfig, "chain %s: invalid bridge address %q", config.Name, config.BridgeAddress)
	}

	r := &Reader{
		config:      config,
		bridge:      common.HexToAddress(config.BridgeAddress),
		checkpoints: checkpoints,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		rpcTimeout:  config.RPCTimeout,
		maxRange:    config.MaxBlockRange,
		reorgWindow: defaultReorgWindow,
		client:      client,
	}
	if config.RPCRateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(config.RPCRateLimit), 1)
	}
	if r.rpcTimeout <= 0 {
		r.rpcTimeout = defaultRPCTimeout
	}
	if r.maxRange == 0 {
		r.maxRange = defaultMaxBlockRange
	}
	if minWindow := 2*config.Confirmations + r.maxRange; r.reorgWindow < minWindow {
		r.reorgWindow = minWindow
	}

	return r, nil
}

// ChainID returns the configured source chain id.
func (r *Reader) ChainID() uint64 {
	return r.config.ChainID
}

// UpdateClient swaps the RPC client, typically after a reconnect.
func (r *Reader) UpdateClient(client Client) {
	r.clientMutex.Lock()
	defer r.clientMutex.Unlock()
	r.client = client
}

func (r *Reader) getClient() (Client, error) {
	r.clientMutex.RLock()
	defer r.clientMutex.RUnlock()
	if r.client == nil {
		return nil, errors.Wrap(relayerrors.ErrChainUnavailable, "client not initialized")
	}
	return r.client, nil
}

// VerifyChainID checks that the RPC endpoint serves the configured chain.
func (r *Reader) VerifyChainID(ctx context.Context) error {
	var id *big.Int
	err := r.call(ctx, "eth_chainId", func(ctx context.Context, c Client) error {
		var err error
		id, err = c.ChainID(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if !id.IsUint64() || id.Uint64() != r.config.ChainID {
		return errors.Wrapf(relayerrors.ErrChainIDMismatch, "chain %s: configured %d, rpc reports %s", r.config.Name, r.config.ChainID, id)
	}
	return nil
}

// Poll returns the next batch of confirmed Deposit logs, a withdrawal signal
// if a reorganization orphaned already handed-off blocks, or nil when there
// is nothing new below the confirmation frontier. Poll never moves the
// persisted cursor; Ack does.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - *types.Batch: the batch, or nil.
// - error: an error wrapping ErrChainUnavailable on RPC failure.
func (r *Reader) Poll(ctx context.Context) (*types.Batch, error) {
	head, err := r.blockNumber(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ChainHeadBlock.WithLabelValues(r.config.Name).Set(float64(head))

	if head < r.config.Confirmations {
		return nil, nil
	}
	frontier := head - r.config.Confirmations

	cursor, err := r.loadCursor(ctx, frontier)
	if err != nil {
		return nil, err
	}

	withdrawal, err := r.detectReorg(ctx, cursor)
	if err != nil {
		return nil, err
	}
	if withdrawal != nil {
		return &types.Batch{
			ChainID:    r.config.ChainID,
			From:       cursor.BlockNumber + 1,
			End:        withdrawal.Ancestor,
			Frontier:   frontier,
			Withdrawal: withdrawal,
		}, nil
	}

	if frontier <= cursor.BlockNumber {
		return nil, nil
	}

	from := cursor.BlockNumber + 1
	to := cursor.BlockNumber + r.maxRange
	if to > frontier {
		to = frontier
	}

	return r.fetchRange(ctx, from, to, frontier)
}

// Ack persists the progress represented by batch. For a withdrawal batch the
// cursor is moved back to the common ancestor.
func (r *Reader) Ack(ctx context.Context, batch *types.Batch) error {
	if batch == nil {
		return nil
	}

	r.cursorMutex.Lock()
	defer r.cursorMutex.Unlock()

	if r.cursor == nil || batch.From != r.cursor.BlockNumber+1 {
		return errors.Wrapf(relayerrors.ErrInvalidTransition, "chain %s: stale batch starting at %d", r.config.Name, batch.From)
	}

	next := types.CheckpointCursor{
		ChainID:     r.config.ChainID,
		BlockNumber: batch.End.Number,
		BlockHash:   batch.End.Hash,
		UpdatedAt:   time.Now().UTC(),
	}

	if batch.Withdrawal != nil {
		if err := r.checkpoints.RewindCursor(ctx, next, batch.Withdrawal.Orphaned); err != nil {
			return errors.Wrap(err, "failed to rewind cursor")
		}
	} else {
		var pruneBelow uint64
		if next.BlockNumber > r.reorgWindow {
			pruneBelow = next.BlockNumber - r.reorgWindow
		}
		if err := r.checkpoints.AdvanceCursor(ctx, next, pruneBelow); err != nil {
			return errors.Wrap(err, "failed to advance cursor")
		}
	}

	r.cursor = &next
	metrics.CheckpointBlock.WithLabelValues(r.config.Name).Set(float64(next.BlockNumber))

	return nil
}

// Cursor returns the cursor the reader is positioned at, if loaded.
func (r *Reader) Cursor() (types.CheckpointCursor, bool) {
	r.cursorMutex.Lock()
	defer r.cursorMutex.Unlock()
	if r.cursor == nil {
		return types.CheckpointCursor{}, false
	}
	return *r.cursor, true
}

// loadCursor returns the in-memory cursor, loading or initializing it on the
// first poll: persisted cursor first, then the configured start block, then
// the current frontier.
func (r *Reader) loadCursor(ctx context.Context, frontier uint64) (types.CheckpointCursor, error) {
	r.cursorMutex.Lock()
	defer r.cursorMutex.Unlock()

	if r.cursor != nil {
		return *r.cursor, nil
	}

	stored, err := r.checkpoints.GetCursor(ctx, r.config.ChainID)
	if err != nil {
		return types.CheckpointCursor{}, errors.Wrap(err, "failed to load cursor")
	}
	if stored != nil {
		r.cursor = stored
		r.logger.WithFields(logrus.Fields{
			"chain": r.config.Name,
			"block": stored.BlockNumber,
		}).Info("Resuming from checkpoint")
		return *stored, nil
	}

	start := frontier
	if r.config.StartBlock > 0 {
		start = r.config.StartBlock - 1
	}

	header, err := r.headerByNumber(ctx, start)
	if err != nil {
		return types.CheckpointCursor{}, err
	}

	cursor := types.CheckpointCursor{
		ChainID:     r.config.ChainID,
		BlockNumber: start,
		BlockHash:   header.Hash(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := r.checkpoints.AdvanceCursor(ctx, cursor, 0); err != nil {
		return types.CheckpointCursor{}, errors.Wrap(err, "failed to initialize cursor")
	}

	r.logger.WithFields(logrus.Fields{
		"chain": r.config.Name,
		"block": start,
	}).Info("No checkpoint found, starting fresh")

	r.cursor = &cursor
	return cursor, nil
}

// fetchRange reads the Deposit logs of (from-1, to] and remembers the blocks
// they came from before handing them out.
func (r *Reader) fetchRange(ctx context.Context, from, to, frontier uint64) (*types.Batch, error) {
	endHeader, err := r.headerByNumber(ctx, to)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.bridge},
		Topics:    [][]common.Hash{{normalizer.DepositTopic()}},
	}

	var logs []ethtypes.Log
	err = r.call(ctx, "eth_getLogs", func(ctx context.Context, c Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	refs, err := r.verifyLogBlocks(ctx, logs, types.BlockRef{Number: to, Hash: endHeader.Hash()})
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		if err := r.checkpoints.SaveBlockRefs(ctx, r.config.ChainID, refs); err != nil {
			return nil, errors.Wrap(err, "failed to save block refs")
		}
	}

	r.logger.WithFields(logrus.Fields{
		"chain": r.config.Name,
		"from":  from,
		"to":    to,
		"logs":  len(logs),
	}).Debug("Fetched block range")

	return &types.Batch{
		ChainID:  r.config.ChainID,
		From:     from,
		End:      types.BlockRef{Number: to, Hash: endHeader.Hash()},
		Frontier: frontier,
		Logs:     logs,
	}, nil
}

// verifyLogBlocks checks that every block a log came from is still canonical,
// so a range that changed while it was being read is never handed out.
func (r *Reader) verifyLogBlocks(ctx context.Context, logs []ethtypes.Log, end types.BlockRef) ([]types.BlockRef, error) {
	var refs []types.BlockRef
	seen := make(map[uint64]common.Hash)

	for _, l := range logs {
		if l.Removed {
			continue
		}
		canonical, ok := seen[l.BlockNumber]
		if !ok {
			if l.BlockNumber == end.Number {
				canonical = end.Hash
			} else {
				header, err := r.headerByNumber(ctx, l.BlockNumber)
				if err != nil {
					return nil, err
				}
				canonical = header.Hash()
			}
			seen[l.BlockNumber] = canonical
			refs = append(refs, types.BlockRef{Number: l.BlockNumber, Hash: canonical})
		}
		if l.BlockHash != canonical {
			return nil, errors.Wrapf(relayerrors.ErrReorgDetected, "chain %s: block %d changed while reading logs", r.config.Name, l.BlockNumber)
		}
	}

	return refs, nil
}
