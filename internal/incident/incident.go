package incident

//go:generate mockgen -source=incident.go -destination=mocks/mock_client.go -package=mocks

import (
	"context"
	"time"
)

// Status is the lifecycle status of an incident on the status page.
type Status string

const (
	StatusInvestigating Status = "INVESTIGATING"
	StatusResolved      Status = "RESOLVED"
)

// ComponentStatus is the status shown for one status-page component.
type ComponentStatus string

const (
	ComponentOperational ComponentStatus = "OPERATIONAL"
	ComponentMajorOutage ComponentStatus = "MAJOROUTAGE"
)

// NewIncident describes an incident to open.
type NewIncident struct {
	Name       string
	Message    string
	Components []string
	Started    time.Time
	Notify     bool
}

// Resolution closes an incident; all components return to operational.
type Resolution struct {
	Message    string
	Components []string
	ResolvedAt time.Time
	Notify     bool
}

// Incident is an incident already present on the status page.
type Incident struct {
	ID         string
	Name       string
	Status     Status
	Components []string
	Started    time.Time
}

// Open reports whether the incident still needs resolving.
func (i Incident) Open() bool {
	return i.Status != StatusResolved
}

// Client is the status-page API used by the monitors. Errors are classified
// *retry.Error values so callers can apply retry.HTTPRetryable.
type Client interface {
	CreateIncident(ctx context.Context, in NewIncident) (string, error)
	ResolveIncident(ctx context.Context, id string, r Resolution) error
	ListOpenIncidents(ctx context.Context, componentID string) ([]Incident, error)
}

// FindOpenIncident returns the most recently started open incident affecting
// componentID, or nil when there is none. A non-empty name only matches
// incidents with exactly that name.
func FindOpenIncident(ctx context.Context, c Client, componentID, name string) (*Incident, error) {
	open, err := c.ListOpenIncidents(ctx, componentID)
	if err != nil {
		return nil, err
	}
	var latest *Incident
	for i := range open {
		if name != "" && open[i].Name != name {
			continue
		}
		if latest == nil || open[i].Started.After(latest.Started) {
			latest = &open[i]
		}
	}
	return latest, nil
}
