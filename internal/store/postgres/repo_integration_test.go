//go:build integration

package postgres_test

import (
	"context"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/domain/event"
	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/chainbound/taikoscope-sub001/internal/store"
	"github.com/chainbound/taikoscope-sub001/internal/store/postgres"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ store.EventRepository   = (*postgres.EventRepo)(nil)
	_ store.MonitorRepository = (*postgres.MonitorRepo)(nil)
)

func TestEventRepo_LatestHashesPreferNewestRow(t *testing.T) {
	db := setupTestContainer(t)
	repo := postgres.NewEventRepo(db.DB)
	ctx := context.Background()

	for n := uint64(10); n <= 12; n++ {
		require.NoError(t, repo.InsertL2Header(ctx, event.L2Header{
			Number:    n,
			Hash:      common.BytesToHash([]byte{byte(n)}),
			Timestamp: 1_700_000_000 + n,
		}))
	}
	time.Sleep(10 * time.Millisecond)
	replacement := common.HexToHash("0xbeef")
	require.NoError(t, repo.InsertL2Header(ctx, event.L2Header{Number: 11, Hash: replacement, Timestamp: 1_700_000_011}))

	got, err := repo.GetLatestHashesForBlocks(ctx, []uint64{11, 12, 99})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.OrphanedHash{Hash: replacement, BlockNumber: 11}, got[0])
	assert.Equal(t, uint64(12), got[1].BlockNumber)

	require.NoError(t, repo.InsertOrphanedHashes(ctx, got))
	// Re-inserting the same batch is idempotent.
	require.NoError(t, repo.InsertOrphanedHashes(ctx, got))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orphaned_l2_hashes").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestEventRepo_InsertOrphanedHashesMaxDepthReorg(t *testing.T) {
	db := setupTestContainer(t)
	repo := postgres.NewEventRepo(db.DB)
	ctx := context.Background()

	// A reorg of the deepest recordable depth is one statement.
	hashes := make([]model.OrphanedHash, math.MaxUint16)
	for i := range hashes {
		n := uint64(i + 1)
		hashes[i] = model.OrphanedHash{Hash: common.BigToHash(new(big.Int).SetUint64(n)), BlockNumber: n}
	}
	require.NoError(t, repo.InsertOrphanedHashes(ctx, hashes))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orphaned_l2_hashes").Scan(&count))
	assert.Equal(t, math.MaxUint16, count)

	var number int64
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT l2_block_number FROM orphaned_l2_hashes WHERE block_hash = $1", hashes[41].Hash.Hex()).Scan(&number))
	assert.Equal(t, int64(42), number)
}

func TestEventRepo_InsertL2Reorg(t *testing.T) {
	db := setupTestContainer(t)
	repo := postgres.NewEventRepo(db.DB)
	ctx := context.Background()

	orphaned := common.HexToHash("0xaa")
	require.NoError(t, repo.InsertL2Reorg(ctx, model.L2Reorg{
		BlockNumber:  100,
		Depth:        1,
		OldSequencer: common.HexToAddress("0x01"),
		NewSequencer: common.HexToAddress("0x02"),
		OrphanedHash: &orphaned,
		DetectedAt:   time.Now(),
	}))
	require.NoError(t, repo.InsertL2Reorg(ctx, model.L2Reorg{BlockNumber: 98, Depth: 3, DetectedAt: time.Now()}))

	var withHash, withoutHash int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT COUNT(*) FILTER (WHERE orphaned_hash IS NOT NULL), COUNT(*) FILTER (WHERE orphaned_hash IS NULL) FROM l2_reorgs",
	).Scan(&withHash, &withoutHash))
	assert.Equal(t, 1, withHash)
	assert.Equal(t, 1, withoutHash)
}

func TestMonitorRepo_EmptyTablesReturnZeroTime(t *testing.T) {
	db := setupTestContainer(t)
	repo := postgres.NewMonitorRepo(db.DB)
	ctx := context.Background()

	last, err := repo.GetLastL2HeadTime(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	last, err = repo.GetLastL1SubmissionTime(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestMonitorRepo_TimeoutQueries(t *testing.T) {
	db := setupTestContainer(t)
	events := postgres.NewEventRepo(db.DB)
	repo := postgres.NewMonitorRepo(db.DB)
	ctx := context.Background()

	for id := uint64(1); id <= 4; id++ {
		require.NoError(t, events.InsertBatchProposed(ctx, event.BatchProposed{BatchID: id, L1BlockNumber: 1000 + id}))
	}
	require.NoError(t, events.InsertL2Header(ctx, event.L2Header{Number: 5, Hash: common.HexToHash("0x5"), Timestamp: 1_700_000_500}))

	require.NoError(t, events.InsertBatchesProved(ctx, event.NewBatchesProved(2000, common.Address{}, []uint64{1, 3})))
	require.NoError(t, events.InsertBatchesVerified(ctx, event.BatchesVerified{BlockNumber: 2001, BatchID: 2}))

	cutoff := time.Now().Add(time.Minute)

	unproved, err := repo.GetUnprovedBatchesOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 4}, batchIDs(unproved))

	unverified, err := repo.GetUnverifiedBatchesOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, batchIDs(unverified))

	none, err := repo.GetUnprovedBatchesOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	last, err := repo.GetLastL2HeadTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1_700_000_500, 0).UTC(), last)

	submitted, err := repo.GetLastL1SubmissionTime(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), submitted, time.Minute)
}

func TestEventRepo_PreconfDataUpsert(t *testing.T) {
	db := setupTestContainer(t)
	repo := postgres.NewEventRepo(db.DB)
	ctx := context.Background()

	data := model.PreconfData{
		Slot:            42,
		Candidates:      []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")},
		CurrentOperator: common.HexToAddress("0x01"),
		NextOperator:    common.HexToAddress("0x02"),
	}
	require.NoError(t, repo.InsertPreconfData(ctx, data))
	data.NextOperator = common.HexToAddress("0x03")
	require.NoError(t, repo.InsertPreconfData(ctx, data))

	var next string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT next_operator FROM preconf_data WHERE slot = 42").Scan(&next))
	assert.Equal(t, common.HexToAddress("0x03").Hex(), next)
}

func batchIDs(bs []model.Batch) []uint64 {
	ids := make([]uint64, len(bs))
	for i, b := range bs {
		ids[i] = b.BatchID
	}
	return ids
}
