package types

import (
	"time"
)

// ChainConfig holds the configuration for a source or destination chain.
//
// Fields:
// - Name: the name of the chain.
// - ChainType: the type of the chain.
// - ChainID: the unique identifier for the chain.
// - RpcUrl: the URL for the chain's RPC endpoint.
// - BridgeAddress: the bridge contract emitting Deposit events (source) or accepting claims (destination).
// - Confirmations: the confirmation depth D a block must sit behind head before its logs are final.
// - StartBlock: the first block to scan when no checkpoint exists; zero means the current frontier.
// - MaxBlockRange: the maximum number of blocks fetched in a single poll.
// - PollInterval: the interval between poll cycles.
// - RPCRateLimit: the maximum number of RPC calls per second; zero disables limiting.
// - RPCTimeout: the timeout applied to each RPC call.
// - TxType: the type of transactions sent to the chain (destination only).
// - WaitNBlocks: the number of blocks to wait for transaction confirmation (destination only).
type ChainConfig struct {
	Name          string
	ChainType     ChainType
	ChainID       uint64
	RpcUrl        string
	BridgeAddress string
	Confirmations uint64
	StartBlock    uint64
	MaxBlockRange uint64
	PollInterval  time.Duration
	RPCRateLimit  float64
	RPCTimeout    time.Duration
	TxType        uint64
	WaitNBlocks   uint64
}
