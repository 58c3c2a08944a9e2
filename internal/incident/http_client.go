package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/circuitbreaker"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
)

const (
	DefaultBaseURL = "https://api.instatus.com"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512

	listPageSize = 50
	// listMaxPages bounds paging against servers that ignore the page query.
	listMaxPages = 20
)

// HTTPClient talks to an Instatus-compatible status page API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	pageID  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

type Option func(*HTTPClient)

// WithBreaker makes the client fail fast while the status page API is
// unavailable. Only transport failures, 5xx and 429 count against it.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *HTTPClient) { c.breaker = b }
}

func NewHTTPClient(baseURL, apiKey, pageID string, timeout time.Duration, opts ...Option) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		pageID:  pageID,
		client:  &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type componentStatus struct {
	ID     string          `json:"id"`
	Status ComponentStatus `json:"status"`
}

type incidentPayload struct {
	Name       string            `json:"name,omitempty"`
	Message    string            `json:"message"`
	Components []string          `json:"components"`
	Started    string            `json:"started"`
	Status     Status            `json:"status"`
	Notify     bool              `json:"notify"`
	Statuses   []componentStatus `json:"statuses"`
}

type incidentResponse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	Started    string         `json:"started"`
	Components []componentRef `json:"components"`
}

type componentRef struct {
	ID string `json:"id"`
}

func statusesFor(components []string, status ComponentStatus) []componentStatus {
	out := make([]componentStatus, len(components))
	for i, id := range components {
		out[i] = componentStatus{ID: id, Status: status}
	}
	return out
}

func (c *HTTPClient) CreateIncident(ctx context.Context, in NewIncident) (string, error) {
	payload := incidentPayload{
		Name:       in.Name,
		Message:    in.Message,
		Components: in.Components,
		Started:    in.Started.UTC().Format(time.RFC3339),
		Status:     StatusInvestigating,
		Notify:     in.Notify,
		Statuses:   statusesFor(in.Components, ComponentMajorOutage),
	}

	var resp incidentResponse
	if err := c.do(ctx, http.MethodPost, c.path("incidents"), payload, &resp); err != nil {
		return "", fmt.Errorf("create incident %q: %w", in.Name, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create incident %q: %w", in.Name,
			retry.Wrap(retry.KindNullResponse, errors.New("response carried no incident id")))
	}
	return resp.ID, nil
}

func (c *HTTPClient) ResolveIncident(ctx context.Context, id string, r Resolution) error {
	payload := incidentPayload{
		Message:    r.Message,
		Components: r.Components,
		Started:    r.ResolvedAt.UTC().Format(time.RFC3339),
		Status:     StatusResolved,
		Notify:     r.Notify,
		Statuses:   statusesFor(r.Components, ComponentOperational),
	}
	if err := c.do(ctx, http.MethodPost, c.path("incidents", id, "incident-updates"), payload, nil); err != nil {
		return fmt.Errorf("resolve incident %s: %w", id, err)
	}
	return nil
}

// ListOpenIncidents pages through the incident list until a short page and
// keeps the open incidents affecting componentID.
func (c *HTTPClient) ListOpenIncidents(ctx context.Context, componentID string) ([]Incident, error) {
	var out []Incident
	for page := 1; page <= listMaxPages; page++ {
		var resp []incidentResponse
		target := fmt.Sprintf("%s?page=%d&per_page=%d", c.path("incidents"), page, listPageSize)
		if err := c.do(ctx, http.MethodGet, target, nil, &resp); err != nil {
			return nil, fmt.Errorf("list incidents page %d: %w", page, err)
		}

		for _, r := range resp {
			inc := Incident{ID: r.ID, Name: r.Name, Status: r.Status}
			for _, comp := range r.Components {
				inc.Components = append(inc.Components, comp.ID)
			}
			if !inc.Open() || !slices.Contains(inc.Components, componentID) {
				continue
			}
			if started, err := time.Parse(time.RFC3339, r.Started); err == nil {
				inc.Started = started
			}
			out = append(out, inc)
		}

		if len(resp) < listPageSize {
			break
		}
	}
	return out, nil
}

func (c *HTTPClient) path(segments ...string) string {
	escaped := make([]string, 0, len(segments)+2)
	escaped = append(escaped, "v1", url.PathEscape(c.pageID))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *HTTPClient) do(ctx context.Context, method, target string, in, out any) error {
	if c.breaker == nil {
		return c.send(ctx, method, target, in, out)
	}
	if err := c.breaker.Allow(); err != nil {
		return err
	}
	err := c.send(ctx, method, target, in, out)
	switch {
	case err == nil:
		c.breaker.RecordSuccess()
	case retry.HTTPRetryable(err):
		c.breaker.RecordFailure()
	}
	return err
}

// send issues one request. Transport failures, non-2xx responses and
// undecodable bodies come back as classified *retry.Error values.
func (c *HTTPClient) send(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return retry.Wrap(retry.KindSerialization, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := retry.HTTPStatusError(resp.StatusCode, strings.TrimSpace(string(snippet)))
		var rerr *retry.Error
		if errors.As(statusErr, &rerr) {
			rerr.Hint = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Wrap(retry.KindSerialization, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return retry.Wrap(retry.KindCanceled, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Wrap(retry.KindTimeout, err)
	}
	return retry.Wrap(retry.KindConnect, err)
}

// parseRetryAfter understands the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
