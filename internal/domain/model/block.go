package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainBlockID identifies an observed block. Two ids refer to the same block
// only when both number and hash match; block contents are never compared.
type ChainBlockID struct {
	Number uint64
	Hash   common.Hash
}

// OrphanedHash is a previously stored L2 block superseded by a reorg.
type OrphanedHash struct {
	Hash        common.Hash `db:"block_hash"`
	BlockNumber uint64      `db:"l2_block_number"`
}

// L2Reorg is the durable record of one detected fork.
type L2Reorg struct {
	BlockNumber  uint64         `db:"l2_block_number"`
	Depth        uint16         `db:"depth"`
	OldSequencer common.Address `db:"old_sequencer"`
	NewSequencer common.Address `db:"new_sequencer"`
	OrphanedHash *common.Hash   `db:"orphaned_hash"`
	DetectedAt   time.Time      `db:"detected_at"`
}
