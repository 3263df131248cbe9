// Package event publishes run and step lifecycle events on the bus.
// Delivery is best-effort: a failed publish is logged and dropped, the
// store remains the source of truth.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/logger"
	"github.com/flowplane/flowplane/internal/model"
)

// Publisher pushes events to the run.event topic. Sequence numbers are
// assigned by the caller (the run coordinator, which owns the run's
// monotonic counter).
type Publisher struct {
	bus bus.Bus
}

func NewPublisher(b bus.Bus) *Publisher {
	return &Publisher{bus: b}
}

// Publish emits one event. Never returns an error; subscribers that
// need completeness re-fetch from the store.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		logger.Error(ctx, "Failed to marshal event", "type", ev.Type, "run_id", ev.RunID, "err", err)
		return
	}
	if err := p.bus.PublishEvent(ctx, bus.EventTopic, body); err != nil {
		logger.Warn(ctx, "Failed to publish event", "type", ev.Type, "run_id", ev.RunID, "err", err)
	}
}
