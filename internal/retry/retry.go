package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/metrics"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMultiplier     = 2.0
	DefaultMaxBackoff     = 30 * time.Second
)

// Policy describes how a single call site retries. Policies are values; copy
// and adjust them per call site instead of sharing a mutable instance.
type Policy struct {
	// Name labels retry metrics and has no behavioural effect.
	Name           string
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	Retryable      func(error) bool

	// Sleep waits between attempts. Nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// TransportPolicy returns the default policy for chain RPC calls.
func TransportPolicy(name string) Policy {
	return Policy{
		Name:           name,
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		Multiplier:     DefaultMultiplier,
		MaxBackoff:     DefaultMaxBackoff,
		Retryable:      TransportRetryable,
	}
}

// HTTPPolicy returns the default policy for incident API calls.
func HTTPPolicy(name string) Policy {
	return Policy{
		Name:           name,
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		Multiplier:     DefaultMultiplier,
		MaxBackoff:     DefaultMaxBackoff,
		Retryable:      HTTPRetryable,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error or the
// attempt budget is spent. The last error is returned unchanged, except
// when ctx ends first: then the result matches ctx.Err() and still wraps
// the last operation error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.maxAttempts()

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, canceled(ctx, lastErr)
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return zero, lastErr
		}
		if attempt == attempts {
			break
		}

		metrics.RetryAttemptsTotal.WithLabelValues(p.label()).Inc()

		delay := p.Delay(attempt)
		if hint, ok := HintOf(err); ok {
			delay = hint
		}
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			if ctx.Err() != nil {
				return zero, canceled(ctx, lastErr)
			}
			return zero, fmt.Errorf("%w (last error: %w)", sleepErr, lastErr)
		}
	}

	metrics.RetryExhaustedTotal.WithLabelValues(p.label()).Inc()
	return zero, lastErr
}

func canceled(ctx context.Context, last error) error {
	return fmt.Errorf("%w (last error: %w)", ctx.Err(), last)
}

// Delay returns the wait after the given (1-based) failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.InitialBackoff
	if base <= 0 {
		base = DefaultInitialBackoff
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = DefaultMultiplier
	}
	max := p.MaxBackoff
	if max <= 0 || max < base {
		max = DefaultMaxBackoff
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if delay >= float64(max) {
			return max
		}
	}
	return time.Duration(delay)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) label() string {
	if p.Name == "" {
		return "unnamed"
	}
	return p.Name
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Describe renders err with its classification for log lines.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return fmt.Sprintf("%s: %v", rerr.Kind, err)
	}
	return err.Error()
}
