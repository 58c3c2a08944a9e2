package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Batch is a proposed batch as seen by the timeout monitors.
type Batch struct {
	BatchID       uint64    `db:"batch_id"`
	L1BlockNumber uint64    `db:"l1_block_number"`
	ProposedAt    time.Time `db:"proposed_at"`
}

// PreconfData is the preconfirmation operator view sampled at one L1 slot.
type PreconfData struct {
	Slot            uint64           `db:"slot"`
	Candidates      []common.Address `db:"candidates"`
	CurrentOperator common.Address   `db:"current_operator"`
	NextOperator    common.Address   `db:"next_operator"`
}
