package chainmanager

import (
	"context"
	"sort"
	"sync"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SourceFactory creates a source chain from its configuration.
type SourceFactory interface {
	CreateSource(context.Context, *types.ChainConfig, *logrus.Logger) (types.Source, error)
}

type sourceRegistry struct {
	logger       *logrus.Logger
	chains       map[uint64]types.Source
	chainsMutex  sync.RWMutex
	factory      SourceFactory
	factoryMutex sync.RWMutex
}

// NewChainRegistry creates a registry that builds its sources with factory.
func NewChainRegistry(factory SourceFactory, logger *logrus.Logger) types.SourceRegistry {
	return &sourceRegistry{
		chains:  make(map[uint64]types.Source),
		factory: factory,
		logger:  logger,
	}
}

func (r *sourceRegistry) Add(ctx context.Context, config *types.ChainConfig) error {
	r.chainsMutex.RLock()
	_, exists := r.chains[config.ChainID]
	r.chainsMutex.RUnlock()
	if exists {
		return errors.Wrapf(relayerrors.ErrChainExists, "chain %d", config.ChainID)
	}

	// Lock factory for reading to prevent changes during chain creation.
	r.factoryMutex.RLock()
	chain, err := r.factory.CreateSource(ctx, config, r.logger)
	r.factoryMutex.RUnlock()

	if err != nil {
		return errors.Wrapf(err, "failed to create chain %s", config.Name)
	}

	r.chainsMutex.Lock()
	defer r.chainsMutex.Unlock()

	// Another caller may have added the chain while it was being created.
	if _, exists := r.chains[config.ChainID]; exists {
		closeSource(chain)
		return errors.Wrapf(relayerrors.ErrChainExists, "chain %d", config.ChainID)
	}
	r.chains[config.ChainID] = chain

	r.logger.WithFields(logrus.Fields{
		"chain":   config.Name,
		"chainId": config.ChainID,
	}).Info("Source chain registered")
	return nil
}

func (r *sourceRegistry) Get(chainID uint64) types.Source {
	r.chainsMutex.RLock()
	chain := r.chains[chainID]
	r.chainsMutex.RUnlock()
	return chain
}

func (r *sourceRegistry) Remove(chainID uint64) {
	r.chainsMutex.Lock()
	chain, ok := r.chains[chainID]
	delete(r.chains, chainID)
	r.chainsMutex.Unlock()

	if ok {
		closeSource(chain)
	}
}

// List returns the registered sources ordered by chain id.
func (r *sourceRegistry) List() []types.Source {
	r.chainsMutex.RLock()
	out := make([]types.Source, 0, len(r.chains))
	for _, chain := range r.chains {
		out = append(out, chain)
	}
	r.chainsMutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChainID() < out[j].ChainID() })
	return out
}

func closeSource(src types.Source) {
	if c, ok := src.(interface{ Close() }); ok {
		c.Close()
	}
}
