package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/precisionprices/market-pricing/pkg/model"
)

// Publisher hands an event to a durable queue.
type Publisher interface {
	Publish(ctx context.Context, ev model.LifecycleEvent) error
}

// QueueSink accepts events for asynchronous processing instead of applying them
// inline. The consumer on the other side of the queue runs Processor.Handle.
type QueueSink struct {
	publisher Publisher
	now       func() time.Time
}

func NewQueueSink(publisher Publisher) *QueueSink {
	return &QueueSink{publisher: publisher, now: func() time.Time { return time.Now().UTC() }}
}

// Submit validates the event, stamps an id and time when missing and publishes it.
func (q *QueueSink) Submit(ctx context.Context, ev model.LifecycleEvent) (Result, error) {
	ev = trimEvent(ev)
	if err := validate(ev); err != nil {
		return Result{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = q.now()
	}
	if err := q.publisher.Publish(ctx, ev); err != nil {
		return Result{}, fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	return Result{EventID: ev.ID, Queued: true}, nil
}
