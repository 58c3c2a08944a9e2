package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of failure categories produced at transport
// boundaries. Predicates match on Kind instead of concrete error types.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnect
	KindTimeout
	KindServer
	KindNullResponse
	KindSerialization
	KindRateLimited
	KindHTTPStatus
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindNullResponse:
		return "null_response"
	case KindSerialization:
		return "serialization"
	case KindRateLimited:
		return "rate_limited"
	case KindHTTPStatus:
		return "http_status"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error carries a classified failure. StatusCode is set for HTTP responses,
// Code for JSON-RPC error objects and Hint when the remote suggested a wait.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       int
	Hint       time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err with kind. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// HTTPStatusError builds the error for a non-2xx HTTP response.
func HTTPStatusError(status int, body string) error {
	kind := KindHTTPStatus
	if status == 429 {
		kind = KindRateLimited
	}
	return &Error{
		Kind:       kind,
		StatusCode: status,
		Err:        fmt.Errorf("http status %d: %s", status, body),
	}
}

// KindOf returns the classification attached to err, or KindUnknown.
// Context errors are recognised without an explicit wrapper.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// HintOf returns a remote-suggested backoff carried by err.
func HintOf(err error) (time.Duration, bool) {
	var rerr *Error
	if errors.As(err, &rerr) && rerr.Hint > 0 {
		return rerr.Hint, true
	}
	return 0, false
}

func statusOf(err error) int {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.StatusCode
	}
	return 0
}

// TransportRetryable is the predicate for chain RPC calls: connection and
// timeout failures, JSON-RPC server errors, rate limiting and null responses
// retry; malformed payloads never do.
func TransportRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnect, KindTimeout, KindServer, KindNullResponse, KindRateLimited:
		return true
	case KindHTTPStatus:
		return statusOf(err) >= 500
	default:
		return false
	}
}

// HTTPRetryable is the predicate for incident API calls: connection and
// timeout failures, 5xx and 429 retry; any other 4xx is terminal.
func HTTPRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnect, KindTimeout, KindRateLimited:
		return true
	case KindHTTPStatus:
		status := statusOf(err)
		return status >= 500 || status == 429
	default:
		return false
	}
}

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// Classify labels err for logging using the transport predicate.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}
	kind := KindOf(err)
	if TransportRetryable(err) {
		return Decision{Class: ClassTransient, Reason: kind.String()}
	}
	return Decision{Class: ClassTerminal, Reason: kind.String()}
}
