package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/alert"
	"github.com/chainbound/taikoscope-sub001/internal/domain/event"
	"github.com/chainbound/taikoscope-sub001/internal/metrics"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriver_ContinuationStoresHeadersOnly(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDriver(repo)

	for _, h := range chainOf(1, 3, seqA, 0) {
		d.handleL2Header(context.Background(), h)
	}

	assert.Equal(t, []string{"l2_header:1", "l2_header:2", "l2_header:3"}, repo.Calls())
	require.Len(t, repo.l2Headers, 3)
	assert.Equal(t, seqA, repo.l2Headers[0].Sequencer)
	assert.Equal(t, uint64(7), repo.l2Headers[0].BaseFee)
	assert.Empty(t, repo.reorgs)
}

func TestDriver_OneBlockReorgWritesRecordBeforeHeader(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDriver(repo)

	base := chainOf(9, 2, seqA, 0)
	for _, h := range base {
		d.handleL2Header(context.Background(), h)
	}
	replacement := header(10, base[0].Hash(), seqB, 1)
	d.handleL2Header(context.Background(), replacement)

	assert.Equal(t, []string{"l2_header:9", "l2_header:10", "l2_reorg:10", "l2_header:10"}, repo.Calls())
	require.Len(t, repo.reorgs, 1)
	r := repo.reorgs[0]
	assert.Equal(t, uint16(1), r.Depth)
	require.NotNil(t, r.OrphanedHash)
	assert.Equal(t, base[1].Hash(), *r.OrphanedHash)
	assert.Equal(t, seqA, r.OldSequencer)
	assert.Equal(t, seqB, r.NewSequencer)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), r.DetectedAt)
	assert.Empty(t, repo.orphaned, "one-block reorgs carry the orphan in the record")
}

func TestDriver_DeepReorgMarksOrphanedRangeInOneBatch(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDriver(repo)

	old := chainOf(97, 4, seqA, 0) // 97..100
	for _, h := range old {
		d.handleL2Header(context.Background(), h)
	}
	fork := header(98, old[0].Hash(), seqB, 1)
	d.handleL2Header(context.Background(), fork)

	assert.Equal(t, []string{
		"l2_header:97", "l2_header:98", "l2_header:99", "l2_header:100",
		"lookup", "orphaned:3", "l2_reorg:98", "l2_header:98",
	}, repo.Calls())

	require.Len(t, repo.lookups, 1)
	assert.Equal(t, []uint64{98, 99, 100}, repo.lookups[0])

	require.Len(t, repo.orphaned, 1)
	got := make(map[uint64]common.Hash)
	for _, o := range repo.orphaned[0] {
		got[o.BlockNumber] = o.Hash
	}
	assert.Equal(t, map[uint64]common.Hash{
		98:  old[1].Hash(),
		99:  old[2].Hash(),
		100: old[3].Hash(),
	}, got)

	require.Len(t, repo.reorgs, 1)
	assert.Equal(t, uint16(3), repo.reorgs[0].Depth)
	assert.Nil(t, repo.reorgs[0].OrphanedHash)
	assert.Equal(t, seqA, repo.reorgs[0].OldSequencer)
	assert.Equal(t, seqB, repo.reorgs[0].NewSequencer)
}

func TestDriver_DeepReorgLookupFailureStillRecordsReorg(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDriver(repo)

	old := chainOf(1, 5, seqA, 0)
	for _, h := range old {
		d.handleL2Header(context.Background(), h)
	}
	repo.failLookup = true
	d.handleL2Header(context.Background(), header(3, old[1].Hash(), seqB, 1))

	assert.Empty(t, repo.orphaned)
	require.Len(t, repo.reorgs, 1)
	assert.Equal(t, uint16(3), repo.reorgs[0].Depth)
	assert.Equal(t, "l2_header:3", repo.Calls()[len(repo.Calls())-1])
}

func TestDriver_DeepReorgWithNothingStoredSkipsOrphanWrite(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDriver(repo)

	old := chainOf(1, 4, seqA, 0)
	for _, h := range old {
		d.handleL2Header(context.Background(), h)
	}
	repo.latest = map[uint64]common.Hash{}
	d.handleL2Header(context.Background(), header(2, old[0].Hash(), seqB, 1))

	assert.Empty(t, repo.orphaned)
	assert.Len(t, repo.reorgs, 1)
}

func TestDriver_StoreFailureDoesNotStopStream(t *testing.T) {
	repo := newFakeRepo()
	repo.failL2Insert = true
	sink := &recordingSink{}
	d := newTestDriver(repo, WithEventSink(sink))

	for _, h := range chainOf(1, 3, seqA, 0) {
		d.handleL2Header(context.Background(), h)
	}

	assert.Len(t, repo.Calls(), 3)
	assert.Len(t, sink.events, 3)
	head, ok := d.detector.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(3), head.Number)
}

func TestDriver_StoreFailureCountedByClass(t *testing.T) {
	terminal := metrics.DriverStoreErrorsTotal.WithLabelValues("l2_header", string(retry.ClassTerminal))
	transient := metrics.DriverStoreErrorsTotal.WithLabelValues("l2_header", string(retry.ClassTransient))
	beforeTerminal := testutil.ToFloat64(terminal)
	beforeTransient := testutil.ToFloat64(transient)

	assert.Equal(t, retry.ClassTransient, storeFailed("l2_header", retry.Wrap(retry.KindTimeout, errors.New("i/o timeout"))))

	repo := newFakeRepo()
	repo.failL2Insert = true
	d := newTestDriver(repo)
	for _, h := range chainOf(1, 2, seqA, 0) {
		d.handleL2Header(context.Background(), h)
	}

	assert.Equal(t, beforeTerminal+2, testutil.ToFloat64(terminal))
	assert.Equal(t, beforeTransient+1, testutil.ToFloat64(transient))
}

func TestDriver_ReorgAlertThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold uint16
		forkAt    uint64
		wantAlert bool
	}{
		{name: "disabled", threshold: 0, forkAt: 2, wantAlert: false},
		{name: "below threshold", threshold: 4, forkAt: 3, wantAlert: false},
		{name: "at threshold", threshold: 4, forkAt: 2, wantAlert: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			alerter := &recordingAlerter{}
			d := newTestDriver(repo, WithAlerter(alerter))
			d.cfg.ReorgAlertDepth = tt.threshold

			old := chainOf(1, 5, seqA, 0)
			for _, h := range old {
				d.handleL2Header(context.Background(), h)
			}
			d.handleL2Header(context.Background(), header(tt.forkAt, old[tt.forkAt-2].Hash(), seqB, 1))

			if !tt.wantAlert {
				assert.Empty(t, alerter.alerts)
				return
			}
			require.Len(t, alerter.alerts, 1)
			a := alerter.alerts[0]
			assert.Equal(t, alert.AlertTypeReorg, a.Type)
			assert.Equal(t, "l2", a.Source)
			assert.Equal(t, "4", a.Fields["depth"])
			assert.Equal(t, "5", a.Fields["old_head"])
		})
	}
}

func TestDriver_L1HeaderSlotAndSinks(t *testing.T) {
	repo := newFakeRepo()
	sink := &recordingSink{}
	d := newTestDriver(repo, WithEventSink(sink))

	h := header(20_000_000, common.Hash{}, seqA, 0)
	h.Time = DefaultBeaconGenesisTime + 12*100 + 5
	d.handleL1Header(context.Background(), h)

	require.Len(t, repo.l1Headers, 1)
	assert.Equal(t, uint64(100), repo.l1Headers[0].Slot)
	assert.Equal(t, h.Hash(), repo.l1Headers[0].Hash)
	require.Len(t, sink.events, 1)
	assert.Equal(t, event.KindL1Header, sink.events[0].Kind())
}

func TestDriver_SlotBeforeGenesisIsZero(t *testing.T) {
	d := newTestDriver(newFakeRepo())
	assert.Equal(t, uint64(0), d.slotAt(DefaultBeaconGenesisTime-1))
	assert.Equal(t, uint64(0), d.slotAt(DefaultBeaconGenesisTime))
	assert.Equal(t, uint64(1), d.slotAt(DefaultBeaconGenesisTime+12))
}

func TestDriver_MalformedHeaderSkipped(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDriver(repo)

	noNumber := header(1, common.Hash{}, seqA, 0)
	noNumber.Number = nil

	d.handleL2Header(context.Background(), nil)
	d.handleL1Header(context.Background(), noNumber)

	assert.Empty(t, repo.Calls())
}

func TestDriver_RunResubscribesUntilCancelled(t *testing.T) {
	repo := newFakeRepo()
	l1 := newFakeHeaderSource(0)
	l2 := newFakeHeaderSource(2)

	d, err := New(Config{ResubscribeDelay: time.Millisecond}, l1, l2, repo, testLogger())
	require.NoError(t, err)
	var delays []time.Duration
	d.sleep = func(ctx context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitReady(t, l2)
	blocks := chainOf(1, 3, seqA, 0)
	l2.send(blocks[0])

	// Drop the stream; the driver must come back on a fresh subscription.
	l2.lastSub().fail(errors.New("websocket: close 1006"))
	waitReady(t, l2)
	l2.send(blocks[1])
	l2.send(blocks[2])

	require.Eventually(t, func() bool {
		return len(repo.Calls()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop after cancel")
	}

	assert.Equal(t, 4, l2.attempts, "two failures, first subscription, resubscription")
	assert.Equal(t, []time.Duration{time.Millisecond, time.Millisecond}, delays)
	assert.Equal(t, []string{"l2_header:1", "l2_header:2", "l2_header:3"}, repo.Calls())
}

func TestStream_SubscribeForeverStopsOnCancel(t *testing.T) {
	src := newFakeHeaderSource(1_000)
	d := newTestDriver(newFakeRepo())
	s := newStream(d, "l2_headers", src.SubscribeNewHead, d.handleL2Header)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ctx.Err()
	}

	err := s.run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, src.attempts)
}

func waitReady(t *testing.T, s *fakeHeaderSource) {
	t.Helper()
	select {
	case <-s.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription established")
	}
}
