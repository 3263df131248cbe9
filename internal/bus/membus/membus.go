// Package membus is an in-process Bus for tests and single-node
// deployments. Work queues honor prefetch and acknowledgements; events
// fan out over channels and drop when a subscriber lags.
package membus

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/flowplane/flowplane/internal/bus"
)

type Bus struct {
	mu      sync.Mutex
	queues  map[string]*queue
	topics  map[string]map[int]chan []byte
	nextSub int
	closed  bool
}

var _ bus.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{
		queues: make(map[string]*queue),
		topics: make(map[string]map[int]chan []byte),
	}
}

type message struct {
	tag  string
	body []byte
}

type queue struct {
	mu      sync.Mutex
	pending []message
	unacked map[string]*consumer
	notify  chan struct{}
	nextTag int
}

type consumer struct {
	prefetch int
	inflight int
}

func (b *Bus) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			unacked: make(map[string]*consumer),
			notify:  make(chan struct{}, 1),
		}
		b.queues[name] = q
	}
	return q
}

func (b *Bus) Publish(_ context.Context, name string, body []byte) error {
	q := b.queue(name)
	q.mu.Lock()
	q.nextTag++
	q.pending = append(q.pending, message{tag: strconv.Itoa(q.nextTag), body: body})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) Consume(ctx context.Context, name string, prefetch int) (<-chan bus.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	q := b.queue(name)
	c := &consumer{prefetch: prefetch}
	out := make(chan bus.Delivery)

	go func() {
		defer close(out)
		for {
			msg, ok := q.take(c)
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.notify:
					continue
				}
			}
			select {
			case out <- bus.Delivery{Tag: msg.tag, Body: msg.body}:
			case <-ctx.Done():
				q.requeue(c, msg)
				return
			}
		}
	}()
	return out, nil
}

// take pops the next pending message when the consumer has prefetch
// capacity left.
func (q *queue) take(c *consumer) (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c.inflight >= c.prefetch || len(q.pending) == 0 {
		return message{}, false
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	q.unacked[msg.tag] = c
	c.inflight++
	return msg, true
}

func (q *queue) requeue(c *consumer, msg message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.unacked, msg.tag)
	c.inflight--
	q.pending = append([]message{msg}, q.pending...)
}

func (b *Bus) Ack(_ context.Context, name, tag string) error {
	q := b.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %q on queue %q", tag, name)
	}
	delete(q.unacked, tag)
	c.inflight--

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) QueueDepth(_ context.Context, name string) (int64, error) {
	q := b.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (b *Bus) PublishEvent(_ context.Context, topic string, body []byte) error {
	// Sends are non-blocking, so holding the lock keeps a concurrent
	// unsubscribe from closing a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.topics[topic] {
		select {
		case ch <- body:
		default:
			// best-effort: drop for slow subscribers
		}
	}
	return nil
}

func (b *Bus) SubscribeEvents(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]chan []byte)
	}
	id := b.nextSub
	b.nextSub++
	ch := make(chan []byte, 256)
	b.topics[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], id)
			b.mu.Unlock()
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
