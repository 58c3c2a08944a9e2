package store

import (
	"context"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/domain/event"
	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
)

// EventRepository is the write side used by the event driver. Inserts are
// idempotent so a resubscribe that redelivers an event is harmless.
type EventRepository interface {
	InsertL1Header(ctx context.Context, h event.L1Header) error
	InsertL2Header(ctx context.Context, h event.L2Header) error
	InsertBatchProposed(ctx context.Context, e event.BatchProposed) error
	InsertForcedInclusion(ctx context.Context, e event.ForcedInclusion) error
	InsertBatchesProved(ctx context.Context, e event.BatchesProved) error
	InsertBatchesVerified(ctx context.Context, e event.BatchesVerified) error
	InsertPreconfData(ctx context.Context, d model.PreconfData) error
	InsertL2Reorg(ctx context.Context, r model.L2Reorg) error
	InsertOrphanedHashes(ctx context.Context, hashes []model.OrphanedHash) error

	// GetLatestHashesForBlocks returns the most recently stored hash for each
	// requested L2 block number. Numbers with no stored header are omitted.
	GetLatestHashesForBlocks(ctx context.Context, numbers []uint64) ([]model.OrphanedHash, error)
}

// MonitorRepository is the read side polled by the incident monitors.
// A zero time means nothing has been recorded yet.
type MonitorRepository interface {
	GetLastL2HeadTime(ctx context.Context) (time.Time, error)
	GetLastL1SubmissionTime(ctx context.Context) (time.Time, error)
	GetUnprovedBatchesOlderThan(ctx context.Context, cutoff time.Time) ([]model.Batch, error)
	GetUnverifiedBatchesOlderThan(ctx context.Context, cutoff time.Time) ([]model.Batch, error)
}
