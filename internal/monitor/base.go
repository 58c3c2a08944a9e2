package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/incident"
	"github.com/chainbound/taikoscope-sub001/internal/metrics"
	"github.com/chainbound/taikoscope-sub001/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Finding describes why a key is unhealthy.
type Finding struct {
	// Since is when the condition started, e.g. the last observed block time.
	Since  time.Time
	Detail string
}

// Evaluation is the result of one health check.
type Evaluation[K comparable] struct {
	Unhealthy map[K]Finding
	Healthy   []K
	// Complete means every key absent from Unhealthy is healthy, so tracked
	// keys not listed anywhere are resolved too.
	Complete bool
}

// Checker is the monitor-specific part of a BaseMonitor.
type Checker[K comparable] interface {
	Evaluate(ctx context.Context) (Evaluation[K], error)
	Describe(key K, f Finding) Details
}

// KeyAdopter maps an incident found open at startup to the key it belongs
// to. Checkers without it adopt onto the zero key.
type KeyAdopter[K comparable] interface {
	AdoptKey(inc incident.Incident) (K, bool)
}

type keyState struct {
	state      State
	incidentID string
	since      time.Time
}

// BaseMonitor drives the incident lifecycle for a Checker. Each key moves
// Healthy -> Unhealthy -> IncidentOpen -> Healthy; a single unhealthy
// observation opens an incident and a single healthy one resolves it.
type BaseMonitor[K comparable] struct {
	cfg      Config
	checker  Checker[K]
	reporter *reporter
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// mu only guards keys against Snapshot readers; CheckHealth itself runs
	// on one goroutine. Never held across I/O.
	mu   sync.Mutex
	keys map[K]*keyState
}

func NewBaseMonitor[K comparable](cfg Config, checker Checker[K], client incident.Client, logger *slog.Logger) *BaseMonitor[K] {
	logger = logger.With("component", "monitor", "monitor", cfg.Name)
	return &BaseMonitor[K]{
		cfg:      cfg,
		checker:  checker,
		reporter: newReporter(cfg, client, logger),
		logger:   logger,
		tracer:   tracing.Tracer("taikoscope/monitor"),
		now:      time.Now,
		keys:     make(map[K]*keyState),
	}
}

func (m *BaseMonitor[K]) Name() string            { return m.cfg.Name }
func (m *BaseMonitor[K]) ComponentID() string     { return m.cfg.ComponentID }
func (m *BaseMonitor[K]) Interval() time.Duration { return m.cfg.interval() }

func (m *BaseMonitor[K]) Initialize(ctx context.Context) error {
	open, err := m.reporter.openIncidents(ctx)
	if err != nil {
		return err
	}

	adopter, _ := m.checker.(KeyAdopter[K])
	adopted := make(map[K]incident.Incident)
	for _, inc := range open {
		var key K
		if adopter != nil {
			k, ok := adopter.AdoptKey(inc)
			if !ok {
				m.logger.Debug("open incident does not belong to this monitor", "incident_id", inc.ID, "name", inc.Name)
				continue
			}
			key = k
		}
		if prev, ok := adopted[key]; ok {
			m.logger.Warn("multiple open incidents for one key, keeping the newest",
				"key", fmt.Sprint(key),
				"incident_id", inc.ID,
				"other_incident_id", prev.ID,
			)
			if !inc.Started.After(prev.Started) {
				continue
			}
		}
		adopted[key] = inc
	}

	m.mu.Lock()
	for key, inc := range adopted {
		m.keys[key] = &keyState{state: StateIncidentOpen, incidentID: inc.ID, since: inc.Started}
	}
	m.mu.Unlock()

	for key, inc := range adopted {
		m.logger.Info("adopted open incident", "key", fmt.Sprint(key), "incident_id", inc.ID)
	}
	m.updateGauge()
	return nil
}

func (m *BaseMonitor[K]) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "interval", m.Interval(), "dry_run", m.reporter.dryRun)
	return runLoop(ctx, m.Interval(), m.CheckHealth)
}

func (m *BaseMonitor[K]) CheckHealth(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "monitor.check_health",
		trace.WithAttributes(attribute.String("monitor", m.cfg.Name)))
	start := time.Now()

	eval, err := m.checker.Evaluate(ctx)
	metrics.MonitorCheckLatency.WithLabelValues(m.cfg.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		m.logger.Warn("health evaluation failed, skipping tick", "error", err)
		metrics.MonitorChecksTotal.WithLabelValues(m.cfg.Name, "error").Inc()
		tracing.EndSpan(span, err)
		return
	}

	result := "healthy"
	if len(eval.Unhealthy) > 0 {
		result = "unhealthy"
	}
	metrics.MonitorChecksTotal.WithLabelValues(m.cfg.Name, result).Inc()
	span.SetAttributes(attribute.Int("unhealthy_keys", len(eval.Unhealthy)))

	for key, f := range eval.Unhealthy {
		if _, err := m.CreateIncident(ctx, key, f); err != nil {
			m.logger.Error("create incident failed, retrying next tick",
				"key", fmt.Sprint(key),
				"error", err,
			)
		}
	}

	for _, key := range m.healthyKeys(eval) {
		if err := m.ResolveIncident(ctx, key); err != nil {
			m.logger.Error("resolve incident failed, retrying next tick",
				"key", fmt.Sprint(key),
				"error", err,
			)
		}
	}

	m.updateGauge()
	tracing.EndSpan(span, nil)
}

// healthyKeys returns the keys observed healthy this tick: the explicit list
// plus, for complete evaluations, every tracked key not reported unhealthy.
func (m *BaseMonitor[K]) healthyKeys(eval Evaluation[K]) []K {
	seen := make(map[K]struct{}, len(eval.Healthy))
	var out []K
	add := func(k K) {
		if _, bad := eval.Unhealthy[k]; bad {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}

	for _, k := range eval.Healthy {
		add(k)
	}
	if eval.Complete {
		m.mu.Lock()
		tracked := make([]K, 0, len(m.keys))
		for k := range m.keys {
			tracked = append(tracked, k)
		}
		m.mu.Unlock()
		for _, k := range tracked {
			add(k)
		}
	}
	return out
}

// CreateIncident opens an incident for key unless one is already open, in
// which case the existing id is returned. On failure the key stays
// Unhealthy and the next unhealthy observation tries again.
func (m *BaseMonitor[K]) CreateIncident(ctx context.Context, key K, f Finding) (string, error) {
	m.mu.Lock()
	st, ok := m.keys[key]
	if !ok {
		st = &keyState{}
		m.keys[key] = st
	}
	if st.state == StateIncidentOpen {
		id := st.incidentID
		m.mu.Unlock()
		return id, nil
	}
	st.state = StateUnhealthy
	if st.since.IsZero() {
		st.since = f.Since
		if st.since.IsZero() {
			st.since = m.now()
		}
	}
	started := st.since
	m.mu.Unlock()

	details := m.checker.Describe(key, f)
	id, err := m.reporter.open(ctx, details, started)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	st.state = StateIncidentOpen
	st.incidentID = id
	m.mu.Unlock()
	return id, nil
}

// ResolveIncident resolves the open incident for key, if any, and forgets
// the key. A key that was unhealthy without an incident is simply cleared.
// On failure the incident stays open and the next healthy observation tries
// again.
func (m *BaseMonitor[K]) ResolveIncident(ctx context.Context, key K) error {
	m.mu.Lock()
	st, ok := m.keys[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if st.state != StateIncidentOpen {
		delete(m.keys, key)
		m.mu.Unlock()
		return nil
	}
	id := st.incidentID
	m.mu.Unlock()

	if err := m.reporter.resolve(ctx, id, fmt.Sprintf("%s recovered", m.cfg.Name)); err != nil {
		return err
	}

	m.mu.Lock()
	if cur, ok := m.keys[key]; ok && cur.incidentID == id {
		delete(m.keys, key)
	}
	m.mu.Unlock()
	return nil
}

// State returns the lifecycle state and incident id tracked for key.
func (m *BaseMonitor[K]) State(key K) (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.keys[key]
	if !ok {
		return StateHealthy, ""
	}
	return st.state, st.incidentID
}

func (m *BaseMonitor[K]) Snapshot() []ActiveIncident {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ActiveIncident, 0, len(m.keys))
	for k, st := range m.keys {
		out = append(out, ActiveIncident{
			Monitor:     m.cfg.Name,
			ComponentID: m.cfg.ComponentID,
			Key:         keyString(k),
			State:       st.state,
			IncidentID:  st.incidentID,
			Since:       st.since,
		})
	}
	return out
}

func (m *BaseMonitor[K]) updateGauge() {
	m.mu.Lock()
	open := 0
	for _, st := range m.keys {
		if st.state == StateIncidentOpen {
			open++
		}
	}
	m.mu.Unlock()
	metrics.MonitorActiveIncidents.WithLabelValues(m.cfg.Name).Set(float64(open))
}

func keyString(k any) string {
	if _, ok := k.(struct{}); ok {
		return ""
	}
	return fmt.Sprint(k)
}
