package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chainbound/taikoscope-sub001/internal/domain/event"
	"github.com/redis/go-redis/v9"
)

const DefaultStreamMaxLen = 100_000

// EventPublisher appends driver events to a Redis stream for downstream
// consumers. Entries carry the event kind and its JSON encoding.
type EventPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewEventPublisher(ctx context.Context, url, stream string, maxLen int64) (*EventPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &EventPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}, nil
}

func (p *EventPublisher) Publish(ctx context.Context, ev event.DriverEvent) error {
	values, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", ev.Kind(), err)
	}
	return nil
}

func (p *EventPublisher) Close() error {
	return p.client.Close()
}

func encodeEvent(ev event.DriverEvent) (map[string]any, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return map[string]any{
		"kind":    ev.Kind().String(),
		"payload": string(payload),
	}, nil
}
