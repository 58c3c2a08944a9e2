package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/alert"
	"github.com/chainbound/taikoscope-sub001/internal/incident"
	"github.com/chainbound/taikoscope-sub001/internal/metrics"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"github.com/google/uuid"
)

const dryRunPrefix = "dry-run-"

// Details is the human-readable part of an incident.
type Details struct {
	Name    string
	Message string
}

// reporter performs incident API calls for one monitor, through the retry
// policy, or fakes them in dry-run mode.
type reporter struct {
	name        string
	componentID string
	client      incident.Client
	dryRun      bool
	notify      bool
	policy      retry.Policy
	alerter     alert.Alerter
	logger      *slog.Logger
}

func newReporter(cfg Config, client incident.Client, logger *slog.Logger) *reporter {
	// Incident calls always use the HTTP predicate; cfg.Retry only tunes
	// the attempt budget and backoff.
	policy := retry.HTTPPolicy("incident_" + cfg.Name)
	if cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialBackoff > 0 {
		policy.InitialBackoff = cfg.Retry.InitialBackoff
	}
	if cfg.Retry.Multiplier >= 1 {
		policy.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Retry.MaxBackoff > 0 {
		policy.MaxBackoff = cfg.Retry.MaxBackoff
	}
	policy.Sleep = cfg.Retry.Sleep
	return &reporter{
		name:        cfg.Name,
		componentID: cfg.ComponentID,
		client:      client,
		dryRun:      cfg.DryRun || client == nil,
		notify:      cfg.Notify,
		policy:      policy,
		alerter:     cfg.Alerter,
		logger:      logger,
	}
}

func (r *reporter) mode() string {
	if r.dryRun {
		return "dry_run"
	}
	return "live"
}

func (r *reporter) open(ctx context.Context, d Details, started time.Time) (string, error) {
	if r.dryRun {
		id := dryRunPrefix + uuid.NewString()
		r.logger.Info("dry run: incident would be created",
			"incident_id", id,
			"name", d.Name,
			"message", d.Message,
		)
		metrics.IncidentTransitionsTotal.WithLabelValues(r.name, "opened", r.mode()).Inc()
		r.notifyOperators(ctx, alert.AlertTypeIncidentOpened, d.Name, d.Message, id)
		return id, nil
	}

	id, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (string, error) {
		return r.client.CreateIncident(ctx, incident.NewIncident{
			Name:       d.Name,
			Message:    d.Message,
			Components: []string{r.componentID},
			Started:    started,
			Notify:     r.notify,
		})
	})
	if err != nil {
		metrics.IncidentAPIErrorsTotal.WithLabelValues(r.name, "create").Inc()
		return "", err
	}

	r.logger.Info("incident created", "incident_id", id, "name", d.Name)
	metrics.IncidentTransitionsTotal.WithLabelValues(r.name, "opened", r.mode()).Inc()
	r.notifyOperators(ctx, alert.AlertTypeIncidentOpened, d.Name, d.Message, id)
	return id, nil
}

func (r *reporter) resolve(ctx context.Context, id, message string) error {
	if r.dryRun {
		r.logger.Info("dry run: incident would be resolved", "incident_id", id, "message", message)
		metrics.IncidentTransitionsTotal.WithLabelValues(r.name, "resolved", r.mode()).Inc()
		r.notifyOperators(ctx, alert.AlertTypeIncidentResolved, "Incident resolved", message, id)
		return nil
	}

	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.client.ResolveIncident(ctx, id, incident.Resolution{
			Message:    message,
			Components: []string{r.componentID},
			ResolvedAt: time.Now(),
			Notify:     r.notify,
		})
	})
	if err != nil {
		metrics.IncidentAPIErrorsTotal.WithLabelValues(r.name, "resolve").Inc()
		return err
	}

	r.logger.Info("incident resolved", "incident_id", id)
	metrics.IncidentTransitionsTotal.WithLabelValues(r.name, "resolved", r.mode()).Inc()
	r.notifyOperators(ctx, alert.AlertTypeIncidentResolved, "Incident resolved", message, id)
	return nil
}

// notifyOperators forwards a transition to the operator channels. Failures are only
// logged; the incident state has already changed.
func (r *reporter) notifyOperators(ctx context.Context, typ alert.AlertType, title, message, id string) {
	if r.alerter == nil {
		return
	}
	err := r.alerter.Send(ctx, alert.Alert{
		Type:    typ,
		Source:  r.name,
		Title:   title,
		Message: message,
		Fields: map[string]string{
			"incident_id": id,
			"component":   r.componentID,
			"mode":        r.mode(),
		},
	})
	if err != nil {
		r.logger.Warn("operator alert failed", "incident_id", id, "error", err)
	}
}

// openIncidents lists incidents already open for the component. Dry-run
// monitors never adopt anything.
func (r *reporter) openIncidents(ctx context.Context) ([]incident.Incident, error) {
	if r.dryRun {
		return nil, nil
	}
	open, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) ([]incident.Incident, error) {
		return r.client.ListOpenIncidents(ctx, r.componentID)
	})
	if err != nil {
		metrics.IncidentAPIErrorsTotal.WithLabelValues(r.name, "list").Inc()
		return nil, fmt.Errorf("list open incidents for %s: %w", r.componentID, err)
	}
	return open, nil
}

// findOpenIncident returns the newest open incident on the component named
// name, or nil. Dry-run monitors never adopt anything.
func (r *reporter) findOpenIncident(ctx context.Context, name string) (*incident.Incident, error) {
	if r.dryRun {
		return nil, nil
	}
	inc, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (*incident.Incident, error) {
		return incident.FindOpenIncident(ctx, r.client, r.componentID, name)
	})
	if err != nil {
		metrics.IncidentAPIErrorsTotal.WithLabelValues(r.name, "list").Inc()
		return nil, fmt.Errorf("find open incident for %s: %w", r.componentID, err)
	}
	return inc, nil
}
