package models

import (
	"time"

	"github.com/ClipFinance/deposit-relay/common/types"
)

type Chain struct {
	ID            int64
	ChainID       uint64
	Name          string
	Type          types.ChainType
	BridgeAddress string
	Confirmations uint64
	StartBlock    uint64
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
