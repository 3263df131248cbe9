// Package redisbus implements the Bus on Redis. Work queues are streams
// consumed through a consumer group, which gives at-least-once delivery
// with explicit acks and redelivery of abandoned messages. The event
// topic uses plain pub/sub (best-effort by design).
package redisbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/logger"
)

const (
	// group is the consumer group shared by all consumers of a queue.
	group = "flowplane"
	// reclaimIdle is how long a delivery may sit unacked before another
	// consumer may claim it.
	reclaimIdle = 30 * time.Second
	// blockInterval bounds each blocking read so the consumer loop can
	// observe context cancellation and run reclaim passes.
	blockInterval = time.Second
)

type Bus struct {
	rdb      *redis.Client
	consumer string
}

var _ bus.Bus = (*Bus)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, consumerID string) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &Bus{rdb: rdb, consumer: consumerID}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client, consumerID string) *Bus {
	return &Bus{rdb: rdb, consumer: consumerID}
}

func (b *Bus) Publish(ctx context.Context, queue string, body []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]any{"body": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (b *Bus) ensureGroup(ctx context.Context, queue string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, queue, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", queue, err)
	}
	return nil
}

func (b *Bus) Consume(ctx context.Context, queue string, prefetch int) (<-chan bus.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	out := make(chan bus.Delivery)
	go b.consumeLoop(ctx, queue, prefetch, out)
	return out, nil
}

func (b *Bus) consumeLoop(ctx context.Context, queue string, prefetch int, out chan<- bus.Delivery) {
	defer close(out)
	lastReclaim := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		// Periodically pick up deliveries abandoned by dead consumers.
		if time.Since(lastReclaim) >= reclaimIdle {
			b.reclaim(ctx, queue, prefetch, out)
			lastReclaim = time.Now()
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{queue, ">"},
			Count:    int64(prefetch),
			Block:    blockInterval,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "Work queue read failed", "queue", queue, "err", err)
			select {
			case <-time.After(blockInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if !b.deliver(ctx, out, msg) {
					return
				}
			}
		}
	}
}

func (b *Bus) reclaim(ctx context.Context, queue string, prefetch int, out chan<- bus.Delivery) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue,
		Group:    group,
		Consumer: b.consumer,
		MinIdle:  reclaimIdle,
		Start:    "0",
		Count:    int64(prefetch),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn(ctx, "Work queue reclaim failed", "queue", queue, "err", err)
		}
		return
	}
	for _, msg := range msgs {
		if !b.deliver(ctx, out, msg) {
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, out chan<- bus.Delivery, msg redis.XMessage) bool {
	body, _ := msg.Values["body"].(string)
	select {
	case out <- bus.Delivery{Tag: msg.ID, Body: []byte(body)}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bus) Ack(ctx context.Context, queue, tag string) error {
	if err := b.rdb.XAck(ctx, queue, group, tag).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", tag, queue, err)
	}
	// The stream retains acked entries; trim opportunistically so queues
	// do not grow without bound.
	b.rdb.XTrimMinIDApprox(ctx, queue, tag, 0)
	return nil
}

func (b *Bus) QueueDepth(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.XLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth of %s: %w", queue, err)
	}
	return n, nil
}

func (b *Bus) PublishEvent(ctx context.Context, topic string, body []byte) error {
	if err := b.rdb.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("publish event on %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) SubscribeEvents(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	sub := b.rdb.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					// best-effort: drop for slow subscribers
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}
