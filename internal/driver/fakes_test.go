package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/alert"
	"github.com/chainbound/taikoscope-sub001/internal/domain/event"
	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRepo records every write in call order.
type fakeRepo struct {
	mu    sync.Mutex
	calls []string

	l1Headers []event.L1Header
	l2Headers []event.L2Header
	events    []event.DriverEvent
	reorgs    []model.L2Reorg
	orphaned  [][]model.OrphanedHash
	preconf   []model.PreconfData
	lookups   [][]uint64

	// latest is the hash returned for a block number by the latest-hash lookup.
	latest map[uint64]common.Hash

	failL2Insert bool
	failLookup   bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{latest: make(map[uint64]common.Hash)}
}

func (r *fakeRepo) record(call string) {
	r.calls = append(r.calls, call)
}

func (r *fakeRepo) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRepo) InsertL1Header(_ context.Context, h event.L1Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(fmt.Sprintf("l1_header:%d", h.Number))
	r.l1Headers = append(r.l1Headers, h)
	return nil
}

func (r *fakeRepo) InsertL2Header(_ context.Context, h event.L2Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(fmt.Sprintf("l2_header:%d", h.Number))
	if r.failL2Insert {
		return fmt.Errorf("connection reset")
	}
	r.l2Headers = append(r.l2Headers, h)
	r.latest[h.Number] = h.Hash
	return nil
}

func (r *fakeRepo) appendEvent(ev event.DriverEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(ev.Kind().String())
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRepo) InsertBatchProposed(_ context.Context, e event.BatchProposed) error {
	return r.appendEvent(e)
}

func (r *fakeRepo) InsertForcedInclusion(_ context.Context, e event.ForcedInclusion) error {
	return r.appendEvent(e)
}

func (r *fakeRepo) InsertBatchesProved(_ context.Context, e event.BatchesProved) error {
	return r.appendEvent(e)
}

func (r *fakeRepo) InsertBatchesVerified(_ context.Context, e event.BatchesVerified) error {
	return r.appendEvent(e)
}

func (r *fakeRepo) InsertPreconfData(_ context.Context, d model.PreconfData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(fmt.Sprintf("preconf:%d", d.Slot))
	r.preconf = append(r.preconf, d)
	return nil
}

func (r *fakeRepo) InsertL2Reorg(_ context.Context, rec model.L2Reorg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(fmt.Sprintf("l2_reorg:%d", rec.BlockNumber))
	r.reorgs = append(r.reorgs, rec)
	return nil
}

func (r *fakeRepo) InsertOrphanedHashes(_ context.Context, hashes []model.OrphanedHash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(fmt.Sprintf("orphaned:%d", len(hashes)))
	r.orphaned = append(r.orphaned, hashes)
	return nil
}

func (r *fakeRepo) GetLatestHashesForBlocks(_ context.Context, numbers []uint64) ([]model.OrphanedHash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("lookup")
	r.lookups = append(r.lookups, append([]uint64(nil), numbers...))
	if r.failLookup {
		return nil, fmt.Errorf("statement timeout")
	}
	var out []model.OrphanedHash
	for _, n := range numbers {
		if h, ok := r.latest[n]; ok {
			out = append(out, model.OrphanedHash{Hash: h, BlockNumber: n})
		}
	}
	return out, nil
}

// fakeSub is an ethereum.Subscription whose failure the test controls.
type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{errCh: make(chan error, 1)}
}

func (s *fakeSub) Err() <-chan error { return s.errCh }

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

func (s *fakeSub) fail(err error) {
	s.errCh <- err
}

// fakeHeaderSource fails the first failures subscribe calls, then hands out
// subscriptions and exposes the channel of the most recent one.
type fakeHeaderSource struct {
	mu       sync.Mutex
	failures int
	attempts int
	subs     []*fakeSub
	ch       chan<- *types.Header
	ready    chan struct{}
}

func newFakeHeaderSource(failures int) *fakeHeaderSource {
	return &fakeHeaderSource{failures: failures, ready: make(chan struct{}, 16)}
}

func (s *fakeHeaderSource) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}
	sub := newFakeSub()
	s.subs = append(s.subs, sub)
	s.ch = ch
	s.ready <- struct{}{}
	return sub, nil
}

func (s *fakeHeaderSource) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, _ chan<- types.Log) (ethereum.Subscription, error) {
	return newFakeSub(), nil
}

func (s *fakeHeaderSource) lastSub() *fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[len(s.subs)-1]
}

func (s *fakeHeaderSource) send(h *types.Header) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	ch <- h
}

type recordingSink struct {
	mu     sync.Mutex
	events []event.DriverEvent
}

func (s *recordingSink) Publish(_ context.Context, ev event.DriverEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type recordingAlerter struct {
	alerts []alert.Alert
}

func (a *recordingAlerter) Send(_ context.Context, al alert.Alert) error {
	a.alerts = append(a.alerts, al)
	return nil
}

var (
	seqA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	seqB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// header builds a header; variant changes the hash without changing the
// number.
func header(number uint64, parent common.Hash, sequencer common.Address, variant byte) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(number),
		ParentHash: parent,
		Coinbase:   sequencer,
		Time:       1_700_000_000 + number*2,
		GasUsed:    21_000,
		BaseFee:    big.NewInt(7),
		Extra:      []byte{variant},
	}
}

// chainOf builds count linked headers starting at from.
func chainOf(from uint64, count int, sequencer common.Address, variant byte) []*types.Header {
	out := make([]*types.Header, 0, count)
	parent := common.Hash{}
	for i := 0; i < count; i++ {
		h := header(from+uint64(i), parent, sequencer, variant)
		out = append(out, h)
		parent = h.Hash()
	}
	return out
}

func newTestDriver(repo *fakeRepo, opts ...Option) *Driver {
	src := newFakeHeaderSource(0)
	d, err := New(Config{}, src, src, repo, testLogger(), opts...)
	if err != nil {
		panic(err)
	}
	d.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return d
}
