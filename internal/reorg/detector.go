package reorg

import (
	"log/slog"
	"math"

	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
)

// Outcome describes a detected fork. Continuations never produce one, so
// Depth is always at least 1. OrphanedHash is only set for one-block reorgs;
// for deeper forks the caller resolves the orphaned range from storage.
type Outcome struct {
	Depth        uint16
	OrphanedHash *common.Hash
}

// Detector tracks the canonical L2 head and classifies each new block.
//
// It performs no I/O and is not safe for concurrent use: exactly one
// goroutine (the L2 header stream) may call OnNewBlock.
type Detector struct {
	head    model.ChainBlockID
	hasHead bool
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Detector {
	return &Detector{
		logger: logger.With("component", "reorg_detector"),
	}
}

// Head returns the last accepted block, if any.
func (d *Detector) Head() (model.ChainBlockID, bool) {
	return d.head, d.hasHead
}

// OnNewBlock accepts candidate as the new head and reports a fork when the
// candidate replaces a block at or below the current head height.
func (d *Detector) OnNewBlock(candidate model.ChainBlockID, parentHash common.Hash) *Outcome {
	if !d.hasHead {
		d.accept(candidate)
		return nil
	}

	head := d.head
	switch {
	case candidate.Number == head.Number+1 && parentHash == head.Hash:
		d.accept(candidate)
		return nil

	case candidate.Number == head.Number && candidate.Hash == head.Hash:
		// Same block delivered twice (e.g. after a resubscribe).
		return nil

	case candidate.Number == head.Number:
		orphaned := head.Hash
		d.accept(candidate)
		return &Outcome{Depth: 1, OrphanedHash: &orphaned}

	case candidate.Number < head.Number:
		depth := head.Number - candidate.Number + 1
		if depth > math.MaxUint16 {
			d.logger.Warn("reorg depth exceeds tracked range, clamping",
				"head_number", head.Number,
				"candidate_number", candidate.Number,
				"depth", depth,
			)
			depth = math.MaxUint16
		}
		d.accept(candidate)
		return &Outcome{Depth: uint16(depth)}

	case candidate.Number == head.Number+1:
		d.logger.Warn("parent hash does not match head, accepting block",
			"block_number", candidate.Number,
			"block_hash", candidate.Hash,
			"parent_hash", parentHash,
			"head_hash", head.Hash,
		)
		d.accept(candidate)
		return nil

	default:
		// Gap forward: missed heads are not evidence of a fork.
		d.logger.Debug("head advanced past gap",
			"from", head.Number,
			"to", candidate.Number,
		)
		d.accept(candidate)
		return nil
	}
}

func (d *Detector) accept(b model.ChainBlockID) {
	d.head = b
	d.hasHead = true
}

// OrphanedBlockRange returns the block numbers superseded when the head moved
// from oldHead back to newHead with the given depth: [oldHead-depth+1, oldHead].
// It is empty when depth is zero, when the head did not move backwards, or
// when depth exceeds oldHead; the last case is logged as an anomaly.
func (d *Detector) OrphanedBlockRange(oldHead, newHead uint64, depth uint16) []uint64 {
	blocks, anomalous := orphanedBlockRange(oldHead, newHead, depth)
	if anomalous {
		d.logger.Warn("anomalous reorg depth, skipping orphan range",
			"old_head", oldHead,
			"new_head", newHead,
			"depth", depth,
		)
	}
	return blocks
}

func orphanedBlockRange(oldHead, newHead uint64, depth uint16) ([]uint64, bool) {
	if depth == 0 || oldHead <= newHead {
		return nil, false
	}
	d := uint64(depth)
	if d > oldHead {
		return nil, true
	}

	blocks := make([]uint64, 0, d)
	for n := oldHead - d + 1; n <= oldHead; n++ {
		blocks = append(blocks, n)
	}
	return blocks, false
}
