package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
)

type MonitorRepo struct {
	db *sql.DB
}

func NewMonitorRepo(db *sql.DB) *MonitorRepo {
	return &MonitorRepo{db: db}
}

// GetLastL2HeadTime returns the timestamp of the highest stored L2 block.
func (r *MonitorRepo) GetLastL2HeadTime(ctx context.Context) (time.Time, error) {
	const query = `SELECT MAX(block_ts) FROM l2_heads`
	return r.lastTime(ctx, "l2 head", query)
}

// GetLastL1SubmissionTime returns when the most recent batch proposal was seen.
func (r *MonitorRepo) GetLastL1SubmissionTime(ctx context.Context) (time.Time, error) {
	const query = `SELECT CAST(EXTRACT(EPOCH FROM MAX(proposed_at)) AS BIGINT) FROM batches`
	return r.lastTime(ctx, "l1 submission", query)
}

// lastTime scans a single nullable unix-seconds column.
func (r *MonitorRepo) lastTime(ctx context.Context, what, query string) (time.Time, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query).Scan(&v); err != nil {
		return time.Time{}, fmt.Errorf("query last %s time: %w", what, err)
	}
	if !v.Valid {
		return time.Time{}, nil
	}
	return time.Unix(v.Int64, 0).UTC(), nil
}

func (r *MonitorRepo) GetUnprovedBatchesOlderThan(ctx context.Context, cutoff time.Time) ([]model.Batch, error) {
	const query = `
		SELECT b.batch_id, b.l1_block_number, b.proposed_at
		FROM batches b
		WHERE b.proposed_at < $1
		  AND NOT EXISTS (SELECT 1 FROM proved_batches p WHERE p.batch_id = b.batch_id)
		ORDER BY b.batch_id
	`
	return r.batches(ctx, "unproved", query, cutoff)
}

// GetUnverifiedBatchesOlderThan treats a verification of batch N as covering
// every batch up to N.
func (r *MonitorRepo) GetUnverifiedBatchesOlderThan(ctx context.Context, cutoff time.Time) ([]model.Batch, error) {
	const query = `
		SELECT b.batch_id, b.l1_block_number, b.proposed_at
		FROM batches b
		WHERE b.proposed_at < $1
		  AND NOT EXISTS (SELECT 1 FROM verified_batches v WHERE v.batch_id >= b.batch_id)
		ORDER BY b.batch_id
	`
	return r.batches(ctx, "unverified", query, cutoff)
}

func (r *MonitorRepo) batches(ctx context.Context, what, query string, cutoff time.Time) ([]model.Batch, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query %s batches: %w", what, err)
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		var (
			id, l1Block int64
			proposedAt  time.Time
		)
		if err := rows.Scan(&id, &l1Block, &proposedAt); err != nil {
			return nil, fmt.Errorf("scan %s batch: %w", what, err)
		}
		out = append(out, model.Batch{
			BatchID:       uint64(id),
			L1BlockNumber: uint64(l1Block),
			ProposedAt:    proposedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s batches: %w", what, err)
	}
	return out, nil
}
