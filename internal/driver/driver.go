package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/alert"
	"github.com/chainbound/taikoscope-sub001/internal/domain/event"
	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/chainbound/taikoscope-sub001/internal/metrics"
	"github.com/chainbound/taikoscope-sub001/internal/reorg"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"github.com/chainbound/taikoscope-sub001/internal/store"
	"github.com/chainbound/taikoscope-sub001/internal/tracing"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultResubscribeDelay = 5 * time.Second
	DefaultBufferSize       = 256
	// Ethereum mainnet beacon chain genesis.
	DefaultBeaconGenesisTime = 1606824023
	DefaultSecondsPerSlot    = 12
)

type Config struct {
	InboxAddress      common.Address
	ResubscribeDelay  time.Duration
	BufferSize        int
	BeaconGenesisTime uint64
	SecondsPerSlot    uint64
	// ReorgAlertDepth is the smallest reorg depth that alerts operators.
	// Zero disables reorg alerts.
	ReorgAlertDepth uint16
}

func (c Config) withDefaults() Config {
	if c.ResubscribeDelay <= 0 {
		c.ResubscribeDelay = DefaultResubscribeDelay
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BeaconGenesisTime == 0 {
		c.BeaconGenesisTime = DefaultBeaconGenesisTime
	}
	if c.SecondsPerSlot == 0 {
		c.SecondsPerSlot = DefaultSecondsPerSlot
	}
	return c
}

// HeaderSource streams new chain heads.
type HeaderSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// L1Source streams L1 heads and inbox logs.
type L1Source interface {
	HeaderSource
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// EventSink receives every event after it has been stored.
type EventSink interface {
	Publish(ctx context.Context, ev event.DriverEvent) error
}

// Driver turns the L1 and L2 subscriptions into stored events and reorg
// records.
type Driver struct {
	cfg      Config
	l1       L1Source
	l2       HeaderSource
	repo     store.EventRepository
	decoder  *LogDecoder
	detector *reorg.Detector
	preconf  *PreconfTracker
	sinks    []EventSink
	alerter  alert.Alerter
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	// Owned by the L2 header stream.
	lastL2 *event.L2Header
}

// Option configures optional Driver behaviour.
type Option func(*Driver)

func WithEventSink(s EventSink) Option {
	return func(d *Driver) {
		d.sinks = append(d.sinks, s)
	}
}

// WithPreconfTracker samples preconf data on every L1 head.
func WithPreconfTracker(p *PreconfTracker) Option {
	return func(d *Driver) {
		d.preconf = p
	}
}

func WithAlerter(a alert.Alerter) Option {
	return func(d *Driver) {
		d.alerter = a
	}
}

func New(cfg Config, l1 L1Source, l2 HeaderSource, repo store.EventRepository, logger *slog.Logger, opts ...Option) (*Driver, error) {
	decoder, err := NewLogDecoder()
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "driver")
	d := &Driver{
		cfg:      cfg.withDefaults(),
		l1:       l1,
		l2:       l2,
		repo:     repo,
		decoder:  decoder,
		detector: reorg.New(logger),
		logger:   logger,
		tracer:   tracing.Tracer("taikoscope/driver"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Run consumes all three streams until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("driver started",
		"inbox", d.cfg.InboxAddress,
		"preconf", d.preconf != nil,
		"sinks", len(d.sinks),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return newStream(d, "l1_headers", d.l1.SubscribeNewHead, d.handleL1Header).run(ctx)
	})
	g.Go(func() error {
		return newStream(d, "l2_headers", d.l2.SubscribeNewHead, d.handleL2Header).run(ctx)
	})
	g.Go(func() error {
		q := ethereum.FilterQuery{
			Addresses: []common.Address{d.cfg.InboxAddress},
			Topics:    [][]common.Hash{d.decoder.Topics()},
		}
		subscribe := func(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
			return d.l1.SubscribeFilterLogs(ctx, q, ch)
		}
		return newStream(d, "inbox_logs", subscribe, d.handleLog).run(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newStream[T any](d *Driver, name string,
	subscribe func(context.Context, chan<- T) (ethereum.Subscription, error),
	handle func(context.Context, T),
) stream[T] {
	return stream[T]{
		name:      name,
		subscribe: subscribe,
		handle:    handle,
		delay:     d.cfg.ResubscribeDelay,
		buffer:    d.cfg.BufferSize,
		sleep:     d.sleep,
		logger:    d.logger,
	}
}

// slotAt maps an L1 timestamp to its beacon slot.
func (d *Driver) slotAt(ts uint64) uint64 {
	if ts < d.cfg.BeaconGenesisTime {
		return 0
	}
	return (ts - d.cfg.BeaconGenesisTime) / d.cfg.SecondsPerSlot
}

func (d *Driver) handleL1Header(ctx context.Context, h *types.Header) {
	if h == nil || h.Number == nil {
		metrics.DriverDecodeErrorsTotal.Inc()
		d.logger.Warn("skipping malformed l1 header")
		return
	}
	ev := event.L1Header{
		Number:    h.Number.Uint64(),
		Hash:      h.Hash(),
		Slot:      d.slotAt(h.Time),
		Timestamp: h.Time,
	}
	metrics.DriverLastBlock.WithLabelValues(model.LayerL1.String()).Set(float64(ev.Number))
	d.dispatch(ctx, ev)

	if d.preconf == nil {
		return
	}
	if err := d.preconf.OnL1Header(ctx, ev); err != nil {
		class := storeFailed("preconf_data", err)
		d.logger.Warn("preconf tracking failed",
			"l1_block", ev.Number,
			"slot", ev.Slot,
			"class", class,
			"error", retry.Describe(err),
		)
	}
}

func (d *Driver) handleL2Header(ctx context.Context, h *types.Header) {
	if h == nil || h.Number == nil {
		metrics.DriverDecodeErrorsTotal.Inc()
		d.logger.Warn("skipping malformed l2 header")
		return
	}
	ev := event.L2Header{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Timestamp:  h.Time,
		Sequencer:  h.Coinbase,
		GasUsed:    h.GasUsed,
	}
	if h.BaseFee != nil {
		ev.BaseFee = h.BaseFee.Uint64()
	}

	oldHead, _ := d.detector.Head()
	outcome := d.detector.OnNewBlock(model.ChainBlockID{Number: ev.Number, Hash: ev.Hash}, ev.ParentHash)
	if outcome != nil {
		// Orphans are resolved before the new header is stored so the
		// latest-hash lookup still returns the superseded blocks.
		d.handleReorg(ctx, oldHead, ev, outcome)
	}
	d.lastL2 = &ev

	metrics.DriverLastBlock.WithLabelValues(model.LayerL2.String()).Set(float64(ev.Number))
	d.dispatch(ctx, ev)
}

// handleReorg writes the orphaned hashes (deep reorgs only) and then the
// reorg record.
//
// The orphan lookup reads storage as of now. If another, deeper reorg lands
// before the writes finish, the orphan set can be stale; this race is known
// and accepted.
func (d *Driver) handleReorg(ctx context.Context, oldHead model.ChainBlockID, ev event.L2Header, outcome *reorg.Outcome) {
	reorgType := "one_block"
	if outcome.OrphanedHash == nil {
		reorgType = "deep"
	}
	ctx, span := d.tracer.Start(ctx, "driver.handle_reorg", trace.WithAttributes(
		attribute.String("reorg.type", reorgType),
		attribute.Int("reorg.depth", int(outcome.Depth)),
		attribute.Int64("reorg.old_head", int64(oldHead.Number)),
		attribute.Int64("reorg.new_head", int64(ev.Number)),
	))
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	metrics.ReorgDetectedTotal.WithLabelValues(reorgType).Inc()
	metrics.ReorgDepth.Observe(float64(outcome.Depth))
	d.logger.Warn("l2 reorg detected",
		"type", reorgType,
		"depth", outcome.Depth,
		"old_head", oldHead.Number,
		"old_hash", oldHead.Hash,
		"new_head", ev.Number,
		"new_hash", ev.Hash,
	)

	if outcome.OrphanedHash == nil {
		if err := d.markOrphans(ctx, oldHead.Number, ev, outcome.Depth); err != nil {
			spanErr = err
			class := storeFailed("orphaned_hashes", err)
			d.logger.Warn("marking orphaned blocks failed", "class", class, "error", retry.Describe(err))
		}
	}

	record := model.L2Reorg{
		BlockNumber:  ev.Number,
		Depth:        outcome.Depth,
		NewSequencer: ev.Sequencer,
		OrphanedHash: outcome.OrphanedHash,
		DetectedAt:   d.now().UTC(),
	}
	if d.lastL2 != nil {
		record.OldSequencer = d.lastL2.Sequencer
	}
	if err := d.repo.InsertL2Reorg(ctx, record); err != nil {
		spanErr = err
		class := storeFailed("l2_reorg", err)
		d.logger.Warn("storing reorg record failed", "block_number", ev.Number, "class", class, "error", retry.Describe(err))
	}

	d.alertReorg(ctx, oldHead, record)
}

func (d *Driver) markOrphans(ctx context.Context, oldHead uint64, ev event.L2Header, depth uint16) error {
	numbers := d.detector.OrphanedBlockRange(oldHead, ev.Number, depth)
	if len(numbers) == 0 {
		return nil
	}

	stored, err := d.repo.GetLatestHashesForBlocks(ctx, numbers)
	if err != nil {
		return fmt.Errorf("lookup hashes for blocks %d-%d: %w", numbers[0], numbers[len(numbers)-1], err)
	}
	orphaned := make([]model.OrphanedHash, 0, len(stored))
	for _, o := range stored {
		if o.Hash == ev.Hash {
			continue
		}
		orphaned = append(orphaned, o)
	}
	if len(orphaned) == 0 {
		d.logger.Warn("no stored blocks in orphaned range",
			"from", numbers[0],
			"to", numbers[len(numbers)-1],
		)
		return nil
	}

	if err := d.repo.InsertOrphanedHashes(ctx, orphaned); err != nil {
		return fmt.Errorf("insert %d orphaned hashes: %w", len(orphaned), err)
	}
	metrics.ReorgOrphanedBlocksTotal.Add(float64(len(orphaned)))
	return nil
}

func (d *Driver) alertReorg(ctx context.Context, oldHead model.ChainBlockID, r model.L2Reorg) {
	if d.alerter == nil || d.cfg.ReorgAlertDepth == 0 || r.Depth < d.cfg.ReorgAlertDepth {
		return
	}
	err := d.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeReorg,
		Source:  model.LayerL2.String(),
		Title:   "L2 reorg detected",
		Message: fmt.Sprintf("Head moved from block %d back to %d (depth %d)", oldHead.Number, r.BlockNumber, r.Depth),
		Fields: map[string]string{
			"depth":         strconv.Itoa(int(r.Depth)),
			"old_head":      strconv.FormatUint(oldHead.Number, 10),
			"new_head":      strconv.FormatUint(r.BlockNumber, 10),
			"old_sequencer": r.OldSequencer.Hex(),
			"new_sequencer": r.NewSequencer.Hex(),
		},
	})
	if err != nil {
		d.logger.Warn("reorg alert failed", "error", err)
	}
}

func (d *Driver) handleLog(ctx context.Context, l types.Log) {
	if l.Removed {
		d.logger.Debug("skipping removed log", "tx_hash", l.TxHash, "log_index", l.Index)
		return
	}
	ev, err := d.decoder.Decode(l)
	if errors.Is(err, ErrUnknownEvent) {
		d.logger.Debug("skipping unknown inbox log", "tx_hash", l.TxHash, "log_index", l.Index)
		return
	}
	if err != nil {
		metrics.DriverDecodeErrorsTotal.Inc()
		d.logger.Warn("decoding inbox log failed",
			"block_number", l.BlockNumber,
			"tx_hash", l.TxHash,
			"log_index", l.Index,
			"error", err,
		)
		return
	}
	d.dispatch(ctx, ev)
}

// dispatch stores ev and forwards it to the sinks. Failures are logged and
// counted; the stream keeps going.
func (d *Driver) dispatch(ctx context.Context, ev event.DriverEvent) {
	kind := ev.Kind().String()
	metrics.DriverEventsTotal.WithLabelValues(kind).Inc()

	var err error
	switch e := ev.(type) {
	case event.L1Header:
		err = d.repo.InsertL1Header(ctx, e)
	case event.L2Header:
		err = d.repo.InsertL2Header(ctx, e)
	case event.BatchProposed:
		err = d.repo.InsertBatchProposed(ctx, e)
	case event.ForcedInclusion:
		err = d.repo.InsertForcedInclusion(ctx, e)
	case event.BatchesProved:
		err = d.repo.InsertBatchesProved(ctx, e)
	case event.BatchesVerified:
		err = d.repo.InsertBatchesVerified(ctx, e)
	}
	if err != nil {
		class := storeFailed(kind, err)
		d.logger.Warn("storing event failed", "kind", kind, "class", class, "error", retry.Describe(err))
	}

	for _, s := range d.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			d.logger.Warn("publishing event failed", "kind", kind, "error", err)
		}
	}
}

// storeFailed counts a storage failure by event kind and retry class.
func storeFailed(kind string, err error) retry.Class {
	class := retry.Classify(err).Class
	metrics.DriverStoreErrorsTotal.WithLabelValues(kind, string(class)).Inc()
	return class
}
