package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/metrics"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"golang.org/x/time/rate"
)

// Throttle is a token bucket shared by every call made through one Client.
type Throttle struct {
	limiter *rate.Limiter
	layer   string
}

// NewThrottle allows rps calls per second with a burst of burst calls.
// A non-positive rps disables throttling.
func NewThrottle(rps float64, burst int, layer string) *Throttle {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		limiter: rate.NewLimiter(limit, burst),
		layer:   layer,
	}
}

// Wait blocks until one token is available or ctx is done. Reserve is used so
// that exactly one token is consumed per call.
func (t *Throttle) Wait(ctx context.Context) error {
	r := t.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	metrics.RPCRateLimitWaits.WithLabelValues(t.layer).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// recordCall counts one RPC call by method and classified outcome.
func recordCall(layer, method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = retry.KindOf(err).String()
	}
	metrics.RPCCallsTotal.WithLabelValues(layer, method, outcome).Inc()
}
