package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/chainbound/taikoscope-sub001/internal/incident"
	"github.com/chainbound/taikoscope-sub001/internal/store"
)

const (
	ProofTimeoutMonitorName  = "proof_timeout"
	VerifyTimeoutMonitorName = "verify_timeout"
)

// batchTimeoutChecker keys incidents by batch id. Its evaluation is
// exhaustive: a tracked batch missing from the query result is healthy.
type batchTimeoutChecker struct {
	what    string
	query   func(ctx context.Context, cutoff time.Time) ([]model.Batch, error)
	timeout time.Duration
	now     func() time.Time
	pattern *regexp.Regexp
}

func newBatchTimeoutChecker(what string, query func(context.Context, time.Time) ([]model.Batch, error), timeout time.Duration) *batchTimeoutChecker {
	return &batchTimeoutChecker{
		what:    what,
		query:   query,
		timeout: timeout,
		now:     time.Now,
		pattern: regexp.MustCompile(`^Batch (\d+) ` + regexp.QuoteMeta(what) + ` timeout$`),
	}
}

func (c *batchTimeoutChecker) Evaluate(ctx context.Context) (Evaluation[uint64], error) {
	now := c.now()
	batches, err := c.query(ctx, now.Add(-c.timeout))
	if err != nil {
		return Evaluation[uint64]{}, fmt.Errorf("query batches awaiting %s: %w", c.what, err)
	}

	unhealthy := make(map[uint64]Finding, len(batches))
	for _, b := range batches {
		unhealthy[b.BatchID] = Finding{
			Since: b.ProposedAt,
			Detail: fmt.Sprintf("proposed at L1 block %d, %s ago",
				b.L1BlockNumber, now.Sub(b.ProposedAt).Truncate(time.Second)),
		}
	}
	return Evaluation[uint64]{Unhealthy: unhealthy, Complete: true}, nil
}

func (c *batchTimeoutChecker) Describe(batchID uint64, f Finding) Details {
	return Details{
		Name:    c.incidentName(batchID),
		Message: fmt.Sprintf("Batch %d has not reached %s within %s: %s", batchID, c.what, c.timeout, f.Detail),
	}
}

func (c *batchTimeoutChecker) incidentName(batchID uint64) string {
	return fmt.Sprintf("Batch %d %s timeout", batchID, c.what)
}

// AdoptKey recovers the batch id from an incident name written by Describe.
func (c *batchTimeoutChecker) AdoptKey(inc incident.Incident) (uint64, bool) {
	m := c.pattern.FindStringSubmatch(inc.Name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// NewProofTimeoutMonitor opens one incident per batch left unproved longer
// than timeout.
func NewProofTimeoutMonitor(cfg Config, repo store.MonitorRepository, timeout time.Duration, client incident.Client, logger *slog.Logger) *BaseMonitor[uint64] {
	if cfg.Name == "" {
		cfg.Name = ProofTimeoutMonitorName
	}
	return NewBaseMonitor[uint64](cfg, newBatchTimeoutChecker("proof", repo.GetUnprovedBatchesOlderThan, timeout), client, logger)
}

// NewVerifyTimeoutMonitor opens one incident per batch left unverified longer
// than timeout.
func NewVerifyTimeoutMonitor(cfg Config, repo store.MonitorRepository, timeout time.Duration, client incident.Client, logger *slog.Logger) *BaseMonitor[uint64] {
	if cfg.Name == "" {
		cfg.Name = VerifyTimeoutMonitorName
	}
	return NewBaseMonitor[uint64](cfg, newBatchTimeoutChecker("verification", repo.GetUnverifiedBatchesOlderThan, timeout), client, logger)
}
