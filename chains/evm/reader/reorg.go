package reader

import (
	"context"

	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// detectReorg compares the highest remembered block with the chain. Blocks
// form a hash chain, so if the highest remembered block is canonical every
// lower one is too and a single header lookup suffices. Otherwise the
// remembered ancestry is scanned backward to the last common ancestor.
func (r *Reader) detectReorg(ctx context.Context, cursor types.CheckpointCursor) (*types.Withdrawal, error) {
	refs, err := r.checkpoints.LatestBlockRefs(ctx, r.config.ChainID, int(r.reorgWindow))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load block refs")
	}
	if len(refs) == 0 {
		refs = []types.BlockRef{cursor.Ref()}
	}

	groups := groupByNumber(refs)

	canonical, err := r.headerByNumber(ctx, groups[0].number)
	if err != nil {
		return nil, err
	}
	if groups[0].allMatch(canonical.Hash()) {
		return nil, nil
	}

	var (
		orphaned []types.BlockRef
		ancestor *types.BlockRef
		deep     bool
		hashes   = map[uint64]common.Hash{groups[0].number: canonical.Hash()}
	)

	for _, g := range groups {
		hash, ok := hashes[g.number]
		if !ok {
			header, err := r.headerByNumber(ctx, g.number)
			if err != nil {
				return nil, err
			}
			hash = header.Hash()
		}

		matched := false
		for _, ref := range g.refs {
			if ref.Hash == hash {
				matched = true
			} else {
				orphaned = append(orphaned, ref)
			}
		}
		if matched {
			ancestor = &types.BlockRef{Number: g.number, Hash: hash}
			break
		}
	}

	if ancestor == nil {
		lowest := groups[len(groups)-1].number
		var number uint64
		if lowest > 0 {
			number = lowest - 1
		}
		header, err := r.headerByNumber(ctx, number)
		if err != nil {
			return nil, err
		}
		ancestor = &types.BlockRef{Number: number, Hash: header.Hash()}
		deep = true

		r.logger.WithFields(logrus.Fields{
			"chain":    r.config.Name,
			"ancestor": number,
		}).Error("Reorganization is deeper than the retained ancestry")
	}

	// The cursor never moves forward on a reorg.
	if ancestor.Number > cursor.BlockNumber {
		ancestor = &types.BlockRef{Number: cursor.BlockNumber, Hash: cursor.BlockHash}
	}

	metrics.Reorgs.WithLabelValues(r.config.Name).Inc()
	r.logger.WithFields(logrus.Fields{
		"chain":    r.config.Name,
		"cursor":   cursor.BlockNumber,
		"ancestor": ancestor.Number,
		"orphaned": len(orphaned),
	}).Warn("Chain reorganization detected, rewinding cursor")

	return &types.Withdrawal{
		ChainID:  r.config.ChainID,
		Ancestor: *ancestor,
		Orphaned: orphaned,
		Deep:     deep,
	}, nil
}

type refGroup struct {
	number uint64
	refs   []types.BlockRef
}

func (g refGroup) allMatch(hash common.Hash) bool {
	for _, ref := range g.refs {
		if ref.Hash != hash {
			return false
		}
	}
	return true
}

// groupByNumber groups refs sorted by descending number. A height can carry
// several hashes when blocks from different forks were remembered.
func groupByNumber(refs []types.BlockRef) []refGroup {
	var groups []refGroup
	for _, ref := range refs {
		if n := len(groups); n > 0 && groups[n-1].number == ref.Number {
			groups[n-1].refs = append(groups[n-1].refs, ref)
			continue
		}
		groups = append(groups, refGroup{number: ref.Number, refs: []types.BlockRef{ref}})
	}
	return groups
}
