package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/precisionprices/market-pricing/pkg/model"
	"github.com/precisionprices/market-pricing/pkg/util"
)

const defaultDedupSize = 10000

var (
	// ErrInvalidEvent marks events that can never be applied; consumers should skip them.
	ErrInvalidEvent = errors.New("invalid lifecycle event")
	// ErrNotApplied is returned when no geo key could be written.
	ErrNotApplied = errors.New("lifecycle event not applied")
)

// LocationResolver turns free text into a descriptor.
type LocationResolver interface {
	Resolve(raw string) model.LocationDescriptor
}

// MarketWriter rolls lifecycle events up into the market aggregates.
type MarketWriter interface {
	RecordSaleAt(ctx context.Context, loc model.LocationDescriptor, category string, price float64, daysToSell *float64) int
	RecordListingAt(ctx context.Context, loc model.LocationDescriptor, category string) int
}

// Result describes what Handle did with an event.
type Result struct {
	EventID   string                   `json:"eventId"`
	Duplicate bool                     `json:"duplicate"`
	Location  model.LocationDescriptor `json:"location"`
	GeoKeys   int                      `json:"geoKeysUpdated"`
	Queued    bool                     `json:"queued,omitempty"`
}

// Processor applies listing lifecycle events to the market aggregates exactly
// once per event ID within its dedup window.
type Processor struct {
	resolver LocationResolver
	markets  MarketWriter
	seen     *recentIDs
	now      func() time.Time
}

func NewProcessor(resolver LocationResolver, markets MarketWriter, dedupSize int) *Processor {
	if dedupSize <= 0 {
		dedupSize = defaultDedupSize
	}
	return &Processor{
		resolver: resolver,
		markets:  markets,
		seen:     newRecentIDs(dedupSize),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit applies the event synchronously.
func (p *Processor) Submit(ctx context.Context, ev model.LifecycleEvent) (Result, error) {
	return p.Handle(ctx, ev)
}

// Handle validates, deduplicates and applies one event.
func (p *Processor) Handle(ctx context.Context, ev model.LifecycleEvent) (Result, error) {
	ev, err := p.normalize(ev)
	if err != nil {
		return Result{}, err
	}
	res := Result{EventID: ev.ID}
	if !p.seen.add(ev.ID) {
		res.Duplicate = true
		return res, nil
	}

	res.Location = p.resolver.Resolve(ev.Location)
	switch ev.Type {
	case model.EventListingCreated:
		res.GeoKeys = p.markets.RecordListingAt(ctx, res.Location, ev.Category)
	case model.EventListingSold:
		res.GeoKeys = p.markets.RecordSaleAt(ctx, res.Location, ev.Category, ev.Price, ev.DaysToSell)
	}
	if res.GeoKeys == 0 {
		// Let a redelivery try again.
		p.seen.remove(ev.ID)
		return res, fmt.Errorf("%w: %s %s", ErrNotApplied, ev.Type, ev.ID)
	}
	log.Printf("events: applied %s %s to %d geo keys (%s/%s)", ev.Type, ev.ID, res.GeoKeys, res.Location.GeoKey(), ev.Category)
	return res, nil
}

func (p *Processor) normalize(ev model.LifecycleEvent) (model.LifecycleEvent, error) {
	ev = trimEvent(ev)
	if err := validate(ev); err != nil {
		return ev, err
	}
	if ev.OccurredAt.IsZero() && ev.ID == "" {
		ev.OccurredAt = p.now()
	}
	if ev.ID == "" {
		ev.ID = util.HashLifecycleEvent(string(ev.Type), ev.Location, ev.Category, ev.Price, ev.OccurredAt)
	}
	return ev, nil
}

func trimEvent(ev model.LifecycleEvent) model.LifecycleEvent {
	ev.Type = model.LifecycleEventType(strings.ToLower(strings.TrimSpace(string(ev.Type))))
	ev.Category = strings.ToLower(strings.TrimSpace(ev.Category))
	ev.ID = strings.TrimSpace(ev.ID)
	return ev
}

func validate(ev model.LifecycleEvent) error {
	if ev.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidEvent)
	}
	switch ev.Type {
	case model.EventListingCreated:
	case model.EventListingSold:
		if math.IsNaN(ev.Price) || math.IsInf(ev.Price, 0) || ev.Price <= 0 {
			return fmt.Errorf("%w: sale price must be positive", ErrInvalidEvent)
		}
		if d := ev.DaysToSell; d != nil && (math.IsNaN(*d) || math.IsInf(*d, 0) || *d < 0) {
			return fmt.Errorf("%w: days to sell must be non-negative", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	return nil
}

// recentIDs is a bounded set that forgets the oldest IDs first. ids maps each
// ID to its slot in order.
type recentIDs struct {
	mu    sync.Mutex
	ids   map[string]int
	order []string
	next  int
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{ids: make(map[string]int, size), order: make([]string, size)}
}

// add reports false when id is already present.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	if old := r.order[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.order[r.next] = id
	r.ids[id] = r.next
	r.next = (r.next + 1) % len(r.order)
	return true
}

func (r *recentIDs) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.ids[id]
	if !ok {
		return
	}
	r.order[slot] = ""
	delete(r.ids, id)
}
