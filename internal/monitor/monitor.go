package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/alert"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"golang.org/x/sync/errgroup"
)

const DefaultInterval = 30 * time.Second

// Monitor is one health check bound to a status-page component.
type Monitor interface {
	Name() string
	ComponentID() string
	Interval() time.Duration
	// Initialize adopts incidents that are already open for the component so
	// a restart does not open duplicates.
	Initialize(ctx context.Context) error
	// CheckHealth runs a single evaluation and applies incident transitions.
	CheckHealth(ctx context.Context)
	// Run calls CheckHealth once per interval until ctx is done.
	Run(ctx context.Context) error
}

// SnapshotProvider exposes the incidents a monitor currently tracks.
type SnapshotProvider interface {
	Snapshot() []ActiveIncident
}

// State is the lifecycle of one monitored key.
type State int

const (
	StateHealthy State = iota
	StateUnhealthy
	StateIncidentOpen
)

func (s State) String() string {
	switch s {
	case StateUnhealthy:
		return "unhealthy"
	case StateIncidentOpen:
		return "incident_open"
	default:
		return "healthy"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ActiveIncident is a read-only view of one non-healthy key.
type ActiveIncident struct {
	Monitor     string    `json:"monitor"`
	ComponentID string    `json:"component_id"`
	Key         string    `json:"key,omitempty"`
	State       State     `json:"state"`
	IncidentID  string    `json:"incident_id,omitempty"`
	Since       time.Time `json:"since"`
}

type Config struct {
	Name        string
	ComponentID string
	Interval    time.Duration
	// DryRun logs transitions with synthetic ids and never calls the client.
	DryRun bool
	Notify bool
	Retry  retry.Policy
	// Alerter, when set, is told about every incident opened or resolved.
	Alerter alert.Alerter
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return DefaultInterval
	}
	return c.Interval
}

// RunAll initializes every monitor and then runs each on its own goroutine.
// A failed Initialize is logged; the monitor still runs.
func RunAll(ctx context.Context, logger *slog.Logger, monitors ...Monitor) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range monitors {
		m := m
		if err := m.Initialize(ctx); err != nil {
			logger.Warn("monitor initialization failed, open incidents not adopted",
				"monitor", m.Name(),
				"component_id", m.ComponentID(),
				"error", err,
			)
		}
		g.Go(func() error {
			return m.Run(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runLoop evaluates immediately, then on every tick.
func runLoop(ctx context.Context, interval time.Duration, check func(context.Context)) error {
	check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check(ctx)
		}
	}
}
