package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/bus"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, "test-consumer")
}

func receive(t *testing.T, ch <-chan bus.Delivery) bus.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return bus.Delivery{}
	}
}

func TestPublishConsumeAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)

	require.NoError(t, b.Publish(ctx, "step.exec.http", []byte(`{"n":1}`)))
	require.NoError(t, b.Publish(ctx, "step.exec.http", []byte(`{"n":2}`)))

	depth, err := b.QueueDepth(ctx, "step.exec.http")
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	deliveries, err := b.Consume(ctx, "step.exec.http", 10)
	require.NoError(t, err)

	first := receive(t, deliveries)
	assert.Equal(t, `{"n":1}`, string(first.Body))
	second := receive(t, deliveries)
	assert.Equal(t, `{"n":2}`, string(second.Body))

	require.NoError(t, b.Ack(ctx, "step.exec.http", first.Tag))
	require.NoError(t, b.Ack(ctx, "step.exec.http", second.Tag))
}

func TestConsumeSeesLaterPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)

	deliveries, err := b.Consume(ctx, "step.result", 1)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "step.result", []byte("late")))

	d := receive(t, deliveries)
	assert.Equal(t, "late", string(d.Body))
	require.NoError(t, b.Ack(ctx, "step.result", d.Tag))
}

func TestConsumerGroupSharesWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	rdb1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb1.Close(); _ = rdb2.Close() })

	b1 := NewFromClient(rdb1, "consumer-1")
	b2 := NewFromClient(rdb2, "consumer-2")

	for i := 0; i < 4; i++ {
		require.NoError(t, b1.Publish(ctx, "q", []byte{byte('0' + i)}))
	}

	d1, err := b1.Consume(ctx, "q", 2)
	require.NoError(t, err)
	d2, err := b2.Consume(ctx, "q", 2)
	require.NoError(t, err)

	got := make(map[string]bool)
	deadline := time.After(3 * time.Second)
	for len(got) < 4 {
		select {
		case d := <-d1:
			got[string(d.Body)] = true
			require.NoError(t, b1.Ack(ctx, "q", d.Tag))
		case d := <-d2:
			got[string(d.Body)] = true
			require.NoError(t, b2.Ack(ctx, "q", d.Tag))
		case <-deadline:
			t.Fatalf("only received %d of 4 messages", len(got))
		}
	}
}

func TestEventsPubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)

	events, release, err := b.SubscribeEvents(ctx, bus.EventTopic)
	require.NoError(t, err)
	defer release()

	require.NoError(t, b.PublishEvent(ctx, bus.EventTopic, []byte(`{"type":"run.started"}`)))

	select {
	case body := <-events:
		assert.JSONEq(t, `{"type":"run.started"}`, string(body))
	case <-time.After(3 * time.Second):
		t.Fatal("event not received")
	}
}
