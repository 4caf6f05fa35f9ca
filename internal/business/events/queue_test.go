package events

import (
	"context"
	"errors"
	"testing"

	"github.com/precisionprices/market-pricing/pkg/model"
)

type capturePublisher struct {
	events []model.LifecycleEvent
	err    error
}

func (c *capturePublisher) Publish(ctx context.Context, ev model.LifecycleEvent) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func TestQueueSinkStampsAndPublishes(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewQueueSink(pub)

	res, err := sink.Submit(context.Background(), model.LifecycleEvent{Type: " Listing_Sold ", Location: "78701", Category: " Toys", Price: 12})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Queued || res.EventID == "" {
		t.Fatalf("result = %+v", res)
	}
	if len(pub.events) != 1 {
		t.Fatalf("published %d events", len(pub.events))
	}
	got := pub.events[0]
	if got.ID != res.EventID || got.Category != "toys" || got.Type != model.EventListingSold || got.OccurredAt.IsZero() {
		t.Fatalf("published = %+v", got)
	}
}

func TestQueueSinkKeepsCallerID(t *testing.T) {
	pub := &capturePublisher{}
	res, err := NewQueueSink(pub).Submit(context.Background(), model.LifecycleEvent{ID: "evt-9", Type: model.EventListingCreated, Category: "books"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.EventID != "evt-9" || pub.events[0].ID != "evt-9" {
		t.Fatalf("id = %s / %s", res.EventID, pub.events[0].ID)
	}
}

func TestQueueSinkErrors(t *testing.T) {
	if _, err := NewQueueSink(&capturePublisher{}).Submit(context.Background(), model.LifecycleEvent{Type: model.EventListingSold, Category: "toys"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
	down := errors.New("broker down")
	_, err := NewQueueSink(&capturePublisher{err: down}).Submit(context.Background(), model.LifecycleEvent{Type: model.EventListingCreated, Category: "toys"})
	if !errors.Is(err, down) {
		t.Fatalf("err = %v, want wrapped broker error", err)
	}
}
