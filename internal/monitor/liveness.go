package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/incident"
	"github.com/chainbound/taikoscope-sub001/internal/store"
)

const (
	L2HeadMonitorName       = "l2_head"
	L1SubmissionMonitorName = "l1_submission"
)

// livenessChecker is unhealthy when the newest observation returned by
// lastSeen is older than threshold. Nothing recorded yet is not evaluated.
type livenessChecker struct {
	title     string
	what      string
	lastSeen  func(ctx context.Context) (time.Time, error)
	threshold time.Duration
	now       func() time.Time
}

func (c *livenessChecker) Evaluate(ctx context.Context) (Evaluation[struct{}], error) {
	last, err := c.lastSeen(ctx)
	if err != nil {
		return Evaluation[struct{}]{}, fmt.Errorf("query last %s: %w", c.what, err)
	}
	if last.IsZero() {
		return Evaluation[struct{}]{}, nil
	}

	age := c.now().Sub(last)
	if age > c.threshold {
		return Evaluation[struct{}]{
			Unhealthy: map[struct{}]Finding{
				{}: {Since: last, Detail: fmt.Sprintf("last %s seen %s ago", c.what, age.Truncate(time.Second))},
			},
		}, nil
	}
	return Evaluation[struct{}]{Healthy: []struct{}{{}}}, nil
}

// AdoptKey claims only incidents this checker opened, so monitors sharing a
// status-page component leave each other's incidents alone.
func (c *livenessChecker) AdoptKey(inc incident.Incident) (struct{}, bool) {
	return struct{}{}, inc.Name == c.title
}

func (c *livenessChecker) Describe(_ struct{}, f Finding) Details {
	return Details{
		Name: c.title,
		Message: fmt.Sprintf("No new %s for more than %s (last at %s): %s",
			c.what, c.threshold, f.Since.UTC().Format(time.RFC3339), f.Detail),
	}
}

// NewL2HeadMonitor raises an incident when no L2 block newer than threshold
// has been stored.
func NewL2HeadMonitor(cfg Config, repo store.MonitorRepository, threshold time.Duration, client incident.Client, logger *slog.Logger) *BaseMonitor[struct{}] {
	if cfg.Name == "" {
		cfg.Name = L2HeadMonitorName
	}
	return NewBaseMonitor[struct{}](cfg, &livenessChecker{
		title:     "L2 head stalled",
		what:      "L2 block",
		lastSeen:  repo.GetLastL2HeadTime,
		threshold: threshold,
		now:       time.Now,
	}, client, logger)
}

// NewL1SubmissionMonitor raises an incident when no batch was proposed on L1
// within threshold.
func NewL1SubmissionMonitor(cfg Config, repo store.MonitorRepository, threshold time.Duration, client incident.Client, logger *slog.Logger) *BaseMonitor[struct{}] {
	if cfg.Name == "" {
		cfg.Name = L1SubmissionMonitorName
	}
	return NewBaseMonitor[struct{}](cfg, &livenessChecker{
		title:     "L1 batch submissions stalled",
		what:      "batch proposal",
		lastSeen:  repo.GetLastL1SubmissionTime,
		threshold: threshold,
		now:       time.Now,
	}, client, logger)
}
