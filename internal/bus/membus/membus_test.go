package membus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/bus"
)

func receive(t *testing.T, ch <-chan bus.Delivery) bus.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return bus.Delivery{}
	}
}

func TestPublishConsumeAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()

	require.NoError(t, b.Publish(ctx, "q", []byte("one")))
	require.NoError(t, b.Publish(ctx, "q", []byte("two")))

	deliveries, err := b.Consume(ctx, "q", 10)
	require.NoError(t, err)

	first := receive(t, deliveries)
	assert.Equal(t, "one", string(first.Body))
	second := receive(t, deliveries)
	assert.Equal(t, "two", string(second.Body))

	require.NoError(t, b.Ack(ctx, "q", first.Tag))
	require.NoError(t, b.Ack(ctx, "q", second.Tag))

	depth, err := b.QueueDepth(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, depth)

	assert.Error(t, b.Ack(ctx, "q", first.Tag)) // double ack
}

func TestPrefetchLimitsInflight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "q", []byte{byte('a' + i)}))
	}

	deliveries, err := b.Consume(ctx, "q", 1)
	require.NoError(t, err)

	first := receive(t, deliveries)

	// Second delivery must wait for the ack.
	select {
	case <-deliveries:
		t.Fatal("received beyond prefetch window")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Ack(ctx, "q", first.Tag))
	second := receive(t, deliveries)
	assert.Equal(t, "b", string(second.Body))
}

func TestUndeliveredMessageRequeuedOnConsumerStop(t *testing.T) {
	b := New()
	ctx := context.Background()

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	require.NoError(t, b.Publish(ctx, "q", []byte("payload")))

	// Never read from this consumer: its goroutine takes the message and
	// blocks on the hand-off until the context stops it.
	_, err := b.Consume(consumerCtx, "q", 1)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	stopConsumer()
	time.Sleep(20 * time.Millisecond)

	ctx2, cancel := context.WithCancel(ctx)
	defer cancel()
	again, err := b.Consume(ctx2, "q", 1)
	require.NoError(t, err)

	d := receive(t, again)
	assert.Equal(t, "payload", string(d.Body))
}

func TestEventsFanOutBestEffort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()

	sub1, release1, err := b.SubscribeEvents(ctx, "topic")
	require.NoError(t, err)
	defer release1()
	sub2, release2, err := b.SubscribeEvents(ctx, "topic")
	require.NoError(t, err)
	defer release2()

	require.NoError(t, b.PublishEvent(ctx, "topic", []byte("hello")))

	for _, sub := range []<-chan []byte{sub1, sub2} {
		select {
		case body := <-sub:
			assert.Equal(t, "hello", string(body))
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	release1()
	// Publishing after release must not block or panic.
	require.NoError(t, b.PublishEvent(ctx, "topic", []byte("later")))
}
