package chains

import (
	"context"
	"sync"

	"github.com/ClipFinance/deposit-relay/chains/evm"
	"github.com/ClipFinance/deposit-relay/chains/evm/reader"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	commontypes "github.com/ClipFinance/deposit-relay/common/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SourceConstructor represents a function that constructs a new source chain.
//
// Parameters:
// - ctx: the context for managing the construction.
// - config: the configuration for the chain.
// - logger: the logger for logging purposes.
//
// Returns:
// - commontypes.Source: the constructed source chain.
// - error: an error if the chain construction fails.
type SourceConstructor func(ctx context.Context, config *commontypes.ChainConfig, logger *logrus.Logger) (commontypes.Source, error)

// SourceFactory defines the interface for source chain creation.
type SourceFactory interface {
	// RegisterConstructor registers a new source constructor for a given chain type.
	//
	// Parameters:
	// - chainType: the type of the chain to register.
	// - constructor: the constructor function for the chain type.
	RegisterConstructor(chainType commontypes.ChainType, constructor SourceConstructor)

	// CreateSource creates a new source chain based on the configuration.
	//
	// Parameters:
	// - ctx: the context for managing the construction.
	// - config: the configuration for the chain.
	// - logger: the logger for logging purposes.
	//
	// Returns:
	// - commontypes.Source: the created source chain.
	// - error: an error if the chain creation fails.
	CreateSource(ctx context.Context, config *commontypes.ChainConfig, logger *logrus.Logger) (commontypes.Source, error)
}

type sourceFactory struct {
	// constructors stores the mapping of chain types to their constructors.
	constructors map[commontypes.ChainType]SourceConstructor
	// constructorsMutex protects access to the constructors map.
	constructorsMutex sync.RWMutex
}

// NewSourceFactory creates a new instance of the source factory. Every
// source it creates persists its cursor in checkpoints.
//
// Returns:
// - SourceFactory: the new source factory instance.
func NewSourceFactory(checkpoints reader.Checkpoints) SourceFactory {
	factory := &sourceFactory{
		constructors: make(map[commontypes.ChainType]SourceConstructor),
	}

	// Initialize with default constructors.
	factory.registerConstructors(checkpoints)

	return factory
}

// RegisterConstructor registers a new source constructor.
func (f *sourceFactory) RegisterConstructor(chainType commontypes.ChainType, constructor SourceConstructor) {
	f.constructorsMutex.Lock()
	defer f.constructorsMutex.Unlock()

	f.constructors[chainType] = constructor
}

// CreateSource creates a new source chain based on the configuration.
func (f *sourceFactory) CreateSource(ctx context.Context, config *commontypes.ChainConfig, logger *logrus.Logger) (commontypes.Source, error) {
	f.constructorsMutex.RLock()
	constructor, exists := f.constructors[config.ChainType]
	f.constructorsMutex.RUnlock()

	if !exists {
		return nil, errors.Wrapf(relayerrors.ErrInvalidConfig, "chain %s: unsupported chain type %q", config.Name, config.ChainType)
	}

	return constructor(ctx, config, logger)
}

// registerConstructors registers the blockchain constructors for the source factory instance.
func (f *sourceFactory) registerConstructors(checkpoints reader.Checkpoints) {
	// Register EVM source constructor with the factory.
	f.RegisterConstructor(commontypes.EVM, func(ctx context.Context, config *commontypes.ChainConfig, logger *logrus.Logger) (commontypes.Source, error) {
		return evm.NewSourceChain(ctx, config, checkpoints, logger)
	})
}
