package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chainbound/taikoscope-sub001/internal/domain/event"
	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) exec(ctx context.Context, what, query string, args ...any) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return nil
}

func (r *EventRepo) InsertL1Header(ctx context.Context, h event.L1Header) error {
	const query = `
		INSERT INTO l1_heads (block_number, block_hash, slot, block_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (block_number)
		DO UPDATE SET block_hash = EXCLUDED.block_hash,
		              slot = EXCLUDED.slot,
		              block_ts = EXCLUDED.block_ts,
		              inserted_at = now()
	`
	return r.exec(ctx, fmt.Sprintf("l1 header %d", h.Number), query,
		int64(h.Number), h.Hash.Hex(), int64(h.Slot), int64(h.Timestamp),
	)
}

func (r *EventRepo) InsertL2Header(ctx context.Context, h event.L2Header) error {
	const query = `
		INSERT INTO l2_heads (block_number, block_hash, parent_hash, block_ts, sequencer, gas_used, base_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (block_number, block_hash)
		DO UPDATE SET inserted_at = now()
	`
	return r.exec(ctx, fmt.Sprintf("l2 header %d", h.Number), query,
		int64(h.Number), h.Hash.Hex(), h.ParentHash.Hex(), int64(h.Timestamp),
		h.Sequencer.Hex(), int64(h.GasUsed), int64(h.BaseFee),
	)
}

func (r *EventRepo) InsertBatchProposed(ctx context.Context, e event.BatchProposed) error {
	const query = `
		INSERT INTO batches (batch_id, proposer, last_block_id, l1_block_number, l1_tx_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (batch_id)
		DO UPDATE SET proposer = EXCLUDED.proposer,
		              last_block_id = EXCLUDED.last_block_id,
		              l1_block_number = EXCLUDED.l1_block_number,
		              l1_tx_hash = EXCLUDED.l1_tx_hash
	`
	return r.exec(ctx, fmt.Sprintf("batch %d", e.BatchID), query,
		int64(e.BatchID), e.Proposer.Hex(), int64(e.LastBlockID),
		int64(e.L1BlockNumber), e.L1TxHash.Hex(),
	)
}

func (r *EventRepo) InsertForcedInclusion(ctx context.Context, e event.ForcedInclusion) error {
	const query = `
		INSERT INTO forced_inclusions (blob_hash, created_at_batch_id, l1_block_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (blob_hash, l1_block_number) DO NOTHING
	`
	return r.exec(ctx, "forced inclusion", query,
		e.BlobHash.Hex(), int64(e.CreatedAtBatchID), int64(e.L1BlockNumber),
	)
}

func (r *EventRepo) InsertBatchesProved(ctx context.Context, e event.BatchesProved) error {
	ids := e.BatchIDs()
	if len(ids) == 0 {
		return nil
	}
	const query = `
		INSERT INTO proved_batches (batch_id, l1_block_number, verifier)
		SELECT unnest($1::bigint[]), $2, $3
		ON CONFLICT (batch_id, l1_block_number) DO NOTHING
	`
	return r.exec(ctx, fmt.Sprintf("%d proved batches", len(ids)), query,
		pq.Array(toInt64s(ids)), int64(e.BlockNumber), e.Verifier.Hex(),
	)
}

func (r *EventRepo) InsertBatchesVerified(ctx context.Context, e event.BatchesVerified) error {
	const query = `
		INSERT INTO verified_batches (batch_id, l1_block_number, block_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (batch_id, l1_block_number) DO NOTHING
	`
	return r.exec(ctx, fmt.Sprintf("verified batch %d", e.BatchID), query,
		int64(e.BatchID), int64(e.BlockNumber), e.BlockHash.Hex(),
	)
}

func (r *EventRepo) InsertPreconfData(ctx context.Context, d model.PreconfData) error {
	candidates := make([]string, len(d.Candidates))
	for i, c := range d.Candidates {
		candidates[i] = c.Hex()
	}
	const query = `
		INSERT INTO preconf_data (slot, candidates, current_operator, next_operator)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slot)
		DO UPDATE SET candidates = EXCLUDED.candidates,
		              current_operator = EXCLUDED.current_operator,
		              next_operator = EXCLUDED.next_operator
	`
	return r.exec(ctx, fmt.Sprintf("preconf data for slot %d", d.Slot), query,
		int64(d.Slot), pq.Array(candidates), d.CurrentOperator.Hex(), d.NextOperator.Hex(),
	)
}

func (r *EventRepo) InsertL2Reorg(ctx context.Context, reorg model.L2Reorg) error {
	var orphaned sql.NullString
	if reorg.OrphanedHash != nil {
		orphaned = sql.NullString{String: reorg.OrphanedHash.Hex(), Valid: true}
	}
	const query = `
		INSERT INTO l2_reorgs (l2_block_number, depth, old_sequencer, new_sequencer, orphaned_hash, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	return r.exec(ctx, fmt.Sprintf("l2 reorg at %d", reorg.BlockNumber), query,
		int64(reorg.BlockNumber), int(reorg.Depth), reorg.OldSequencer.Hex(),
		reorg.NewSequencer.Hex(), orphaned, reorg.DetectedAt,
	)
}

// InsertOrphanedHashes writes all hashes in one statement as two array
// parameters.
func (r *EventRepo) InsertOrphanedHashes(ctx context.Context, hashes []model.OrphanedHash) error {
	if len(hashes) == 0 {
		return nil
	}

	hexes := make([]string, len(hashes))
	numbers := make([]int64, len(hashes))
	for i, h := range hashes {
		hexes[i] = h.Hash.Hex()
		numbers[i] = int64(h.BlockNumber)
	}

	const query = `
		INSERT INTO orphaned_l2_hashes (block_hash, l2_block_number)
		SELECT * FROM unnest($1::text[], $2::bigint[])
		ON CONFLICT (block_hash) DO NOTHING
	`
	return r.exec(ctx, fmt.Sprintf("%d orphaned hashes", len(hashes)), query,
		pq.Array(hexes), pq.Array(numbers),
	)
}

func (r *EventRepo) GetLatestHashesForBlocks(ctx context.Context, numbers []uint64) ([]model.OrphanedHash, error) {
	if len(numbers) == 0 {
		return nil, nil
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	const query = `
		SELECT DISTINCT ON (block_number) block_number, block_hash
		FROM l2_heads
		WHERE block_number = ANY($1::bigint[])
		ORDER BY block_number, inserted_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(toInt64s(numbers)))
	if err != nil {
		return nil, fmt.Errorf("query latest l2 hashes: %w", err)
	}
	defer rows.Close()

	var out []model.OrphanedHash
	for rows.Next() {
		var (
			number int64
			hash   string
		)
		if err := rows.Scan(&number, &hash); err != nil {
			return nil, fmt.Errorf("scan latest l2 hash: %w", err)
		}
		out = append(out, model.OrphanedHash{Hash: common.HexToHash(hash), BlockNumber: uint64(number)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest l2 hashes: %w", err)
	}
	return out, nil
}

func toInt64s(vs []uint64) []int64 {
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = int64(v)
	}
	return out
}
