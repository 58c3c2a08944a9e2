package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/incident"
	"github.com/chainbound/taikoscope-sub001/internal/metrics"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"github.com/chainbound/taikoscope-sub001/internal/tracing"
	"github.com/ethereum/go-ethereum"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	PublicRPCMonitorName = "public_rpc"
	DefaultGracePeriod   = 15 * time.Second

	publicRPCIncidentName = "Public RPC unavailable"
)

// SyncProber issues eth_syncing against the public endpoint.
type SyncProber interface {
	SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error)
}

// PublicRPCMonitor watches the public RPC endpoint with a single incident
// slot. A failed probe is confirmed by a second probe after a grace period
// before an incident is opened; one healthy probe resolves it.
type PublicRPCMonitor struct {
	cfg      Config
	prober   SyncProber
	grace    time.Duration
	reporter *reporter
	logger   *slog.Logger
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	incidentID string
	since      time.Time
}

func NewPublicRPCMonitor(cfg Config, prober SyncProber, grace time.Duration, client incident.Client, logger *slog.Logger) *PublicRPCMonitor {
	if cfg.Name == "" {
		cfg.Name = PublicRPCMonitorName
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	logger = logger.With("component", "monitor", "monitor", cfg.Name)
	return &PublicRPCMonitor{
		cfg:      cfg,
		prober:   prober,
		grace:    grace,
		reporter: newReporter(cfg, client, logger),
		logger:   logger,
		tracer:   tracing.Tracer("taikoscope/monitor"),
		sleep:    sleepCtx,
	}
}

func (m *PublicRPCMonitor) Name() string            { return m.cfg.Name }
func (m *PublicRPCMonitor) ComponentID() string     { return m.cfg.ComponentID }
func (m *PublicRPCMonitor) Interval() time.Duration { return m.cfg.interval() }

func (m *PublicRPCMonitor) Initialize(ctx context.Context) error {
	latest, err := m.reporter.findOpenIncident(ctx, publicRPCIncidentName)
	if err != nil || latest == nil {
		return err
	}

	m.mu.Lock()
	m.incidentID = latest.ID
	m.since = latest.Started
	m.mu.Unlock()
	m.logger.Info("adopted open incident", "incident_id", latest.ID)
	metrics.MonitorActiveIncidents.WithLabelValues(m.cfg.Name).Set(1)
	return nil
}

func (m *PublicRPCMonitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "interval", m.Interval(), "grace_period", m.grace, "dry_run", m.reporter.dryRun)
	return runLoop(ctx, m.Interval(), m.CheckHealth)
}

func (m *PublicRPCMonitor) CheckHealth(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "monitor.check_health",
		trace.WithAttributes(attribute.String("monitor", m.cfg.Name)))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.MonitorCheckLatency.WithLabelValues(m.cfg.Name).Observe(time.Since(start).Seconds())
	}()

	healthy, reason := m.probe(ctx)
	if healthy {
		metrics.MonitorChecksTotal.WithLabelValues(m.cfg.Name, "healthy").Inc()
		if err := m.ResolveIncident(ctx); err != nil {
			m.logger.Error("resolve incident failed, retrying next tick", "error", err)
		}
		return
	}
	metrics.MonitorChecksTotal.WithLabelValues(m.cfg.Name, "unhealthy").Inc()

	if id := m.openIncidentID(); id != "" {
		m.logger.Debug("public rpc still unhealthy", "incident_id", id, "reason", reason)
		return
	}

	m.logger.Warn("public rpc probe failed, re-checking after grace period", "reason", reason, "grace_period", m.grace)
	failedAt := time.Now()
	if err := m.sleep(ctx, m.grace); err != nil {
		return
	}

	healthy, reason = m.probe(ctx)
	if healthy {
		m.logger.Info("public rpc recovered within grace period")
		return
	}

	if _, err := m.CreateIncident(ctx, failedAt, reason); err != nil {
		m.logger.Error("create incident failed, retrying next tick", "error", err)
	}
}

// probe reports healthy only when eth_syncing answers false. Transport
// failures count as unhealthy.
func (m *PublicRPCMonitor) probe(ctx context.Context) (bool, string) {
	progress, err := m.prober.SyncProgress(ctx)
	if err != nil {
		return false, fmt.Sprintf("rpc unreachable: %s", retry.Describe(err))
	}
	if progress != nil {
		return false, fmt.Sprintf("node is syncing (current block %d, highest block %d)",
			progress.CurrentBlock, progress.HighestBlock)
	}
	return true, ""
}

func (m *PublicRPCMonitor) openIncidentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incidentID
}

// CreateIncident opens the single incident slot unless it is already taken.
func (m *PublicRPCMonitor) CreateIncident(ctx context.Context, started time.Time, reason string) (string, error) {
	if id := m.openIncidentID(); id != "" {
		return id, nil
	}

	id, err := m.reporter.open(ctx, Details{
		Name:    publicRPCIncidentName,
		Message: fmt.Sprintf("The public RPC endpoint is unhealthy: %s", reason),
	}, started)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.incidentID = id
	m.since = started
	m.mu.Unlock()
	metrics.MonitorActiveIncidents.WithLabelValues(m.cfg.Name).Set(1)
	return id, nil
}

// ResolveIncident resolves the open incident, if any.
func (m *PublicRPCMonitor) ResolveIncident(ctx context.Context) error {
	id := m.openIncidentID()
	if id == "" {
		return nil
	}
	if err := m.reporter.resolve(ctx, id, "Public RPC endpoint is healthy again"); err != nil {
		return err
	}

	m.mu.Lock()
	if m.incidentID == id {
		m.incidentID = ""
		m.since = time.Time{}
	}
	m.mu.Unlock()
	metrics.MonitorActiveIncidents.WithLabelValues(m.cfg.Name).Set(0)
	return nil
}

func (m *PublicRPCMonitor) Snapshot() []ActiveIncident {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incidentID == "" {
		return nil
	}
	return []ActiveIncident{{
		Monitor:     m.cfg.Name,
		ComponentID: m.cfg.ComponentID,
		State:       StateIncidentOpen,
		IncidentID:  m.incidentID,
		Since:       m.since,
	}}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
