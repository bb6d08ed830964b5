package dbconfig

import "github.com/pkg/errors"

var (
	ErrNoActiveRPC = errors.New("no active rpc for chain")
)
