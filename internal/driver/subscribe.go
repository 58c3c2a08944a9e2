package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/metrics"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"github.com/ethereum/go-ethereum"
)

var errSubscriptionClosed = errors.New("subscription closed")

// stream is one long-lived subscription whose items are handled in arrival
// order by a single goroutine.
type stream[T any] struct {
	name      string
	subscribe func(ctx context.Context, ch chan<- T) (ethereum.Subscription, error)
	handle    func(ctx context.Context, item T)
	delay     time.Duration
	buffer    int
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
}

// run consumes the stream until ctx is done. Dropped subscriptions are
// re-established; it never gives up.
func (s stream[T]) run(ctx context.Context) error {
	ch := make(chan T, s.buffer)
	for {
		sub, err := s.subscribeForever(ctx, ch)
		if err != nil {
			return err
		}

		err = s.consume(ctx, sub, ch)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.DriverResubscribesTotal.WithLabelValues(s.name).Inc()
		s.logger.Warn("subscription dropped, resubscribing",
			"stream", s.name,
			"error", retry.Describe(err),
		)
	}
}

// subscribeForever retries subscribe with a fixed delay until it succeeds or
// ctx is done.
func (s stream[T]) subscribeForever(ctx context.Context, ch chan<- T) (ethereum.Subscription, error) {
	for attempt := 1; ; attempt++ {
		sub, err := s.subscribe(ctx, ch)
		if err == nil {
			s.logger.Info("subscribed", "stream", s.name, "attempt", attempt)
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.logger.Warn("subscribe failed, retrying",
			"stream", s.name,
			"attempt", attempt,
			"retry_in", s.delay,
			"error", retry.Describe(err),
		)
		if err := s.sleep(ctx, s.delay); err != nil {
			return nil, err
		}
	}
}

func (s stream[T]) consume(ctx context.Context, sub ethereum.Subscription, ch <-chan T) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return errSubscriptionClosed
			}
			return err
		case item := <-ch:
			s.handle(ctx, item)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
