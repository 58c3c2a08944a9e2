package event

import (
	"encoding/json"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names a DriverEvent variant. It is used as a metrics label and as the
// discriminator when events are published to a stream.
type Kind string

const (
	KindL1Header        Kind = "l1_header"
	KindL2Header        Kind = "l2_header"
	KindBatchProposed   Kind = "batch_proposed"
	KindForcedInclusion Kind = "forced_inclusion"
	KindBatchesProved   Kind = "batches_proved"
	KindBatchesVerified Kind = "batches_verified"
)

func (k Kind) String() string {
	return string(k)
}

// DriverEvent is the closed set of events produced by the event driver.
// Only the types in this package implement it.
type DriverEvent interface {
	Kind() Kind
	driverEvent()
}

// L1Header is a new L1 block head.
type L1Header struct {
	Number    uint64      `json:"number"`
	Hash      common.Hash `json:"hash"`
	Slot      uint64      `json:"slot"`
	Timestamp uint64      `json:"timestamp"`
}

func (L1Header) Kind() Kind   { return KindL1Header }
func (L1Header) driverEvent() {}

// L2Header is a new L2 block head. Sequencer is the block's fee recipient.
type L2Header struct {
	Number     uint64         `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parent_hash"`
	Timestamp  uint64         `json:"timestamp"`
	Sequencer  common.Address `json:"sequencer"`
	GasUsed    uint64         `json:"gas_used"`
	BaseFee    uint64         `json:"base_fee"`
}

func (L2Header) Kind() Kind   { return KindL2Header }
func (L2Header) driverEvent() {}

// BatchProposed is emitted by the inbox when a proposer submits a batch.
type BatchProposed struct {
	BatchID       uint64         `json:"batch_id"`
	Proposer      common.Address `json:"proposer"`
	LastBlockID   uint64         `json:"last_block_id"`
	L1BlockNumber uint64         `json:"l1_block_number"`
	L1TxHash      common.Hash    `json:"l1_tx_hash"`
}

func (BatchProposed) Kind() Kind   { return KindBatchProposed }
func (BatchProposed) driverEvent() {}

// ForcedInclusion is emitted when a forced-inclusion blob was consumed.
type ForcedInclusion struct {
	BlobHash         common.Hash `json:"blob_hash"`
	CreatedAtBatchID uint64      `json:"created_at_batch_id"`
	L1BlockNumber    uint64      `json:"l1_block_number"`
}

func (ForcedInclusion) Kind() Kind   { return KindForcedInclusion }
func (ForcedInclusion) driverEvent() {}

// BatchesProved records proofs landing on L1 at BlockNumber.
type BatchesProved struct {
	BlockNumber uint64         `json:"block_number"`
	Verifier    common.Address `json:"verifier"`
	batchIDs    []uint64
}

// NewBatchesProved copies ids so the event cannot be mutated afterwards.
func NewBatchesProved(blockNumber uint64, verifier common.Address, ids []uint64) BatchesProved {
	return BatchesProved{
		BlockNumber: blockNumber,
		Verifier:    verifier,
		batchIDs:    slices.Clone(ids),
	}
}

// BatchIDs returns a copy of the proved batch ids.
func (e BatchesProved) BatchIDs() []uint64 { return slices.Clone(e.batchIDs) }

func (e BatchesProved) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		BlockNumber uint64         `json:"block_number"`
		Verifier    common.Address `json:"verifier"`
		BatchIDs    []uint64       `json:"batch_ids"`
	}{e.BlockNumber, e.Verifier, e.batchIDs})
}

func (BatchesProved) Kind() Kind   { return KindBatchesProved }
func (BatchesProved) driverEvent() {}

// BatchesVerified records that batches up to BatchID were verified on L1 at
// BlockNumber.
type BatchesVerified struct {
	BlockNumber uint64      `json:"block_number"`
	BatchID     uint64      `json:"batch_id"`
	BlockHash   common.Hash `json:"block_hash"`
}

func (BatchesVerified) Kind() Kind   { return KindBatchesVerified }
func (BatchesVerified) driverEvent() {}
