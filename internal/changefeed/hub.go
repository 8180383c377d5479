package changefeed

import (
	"log/slog"
	"sync"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
)

// DefaultBufferSize is the per-subscription event buffer.
const DefaultBufferSize = 256

// Hub is an in-process publish/subscribe broker for change events.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	closed      bool
	bufferSize  int
	logger      *slog.Logger
}

// NewHub creates an empty hub. A nil logger discards output.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		subscribers: make(map[*subscription]struct{}),
		bufferSize:  DefaultBufferSize,
		logger:      logger,
	}
}

// WithBufferSize overrides the per-subscription buffer for new subscriptions.
func (h *Hub) WithBufferSize(n int) *Hub {
	if n > 0 {
		h.bufferSize = n
	}
	return h
}

// Subscribe registers interest in one collection, optionally filtered.
func (h *Hub) Subscribe(collection string, filter record.Filter) (gateway.Subscription, error) {
	if err := record.ValidateCollection(collection); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, gateway.ErrSubscriptionUnavailable
	}

	sub := &subscription{
		hub:        h,
		collection: collection,
		filter:     cloneFilter(filter),
		ch:         make(chan record.ChangeEvent, h.bufferSize),
	}
	h.subscribers[sub] = struct{}{}
	return sub, nil
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev record.ChangeEvent) {
	if !ev.Valid() {
		h.logger.Warn("dropping malformed change event", "collection", ev.Collection, "kind", ev.Kind)
		return
	}

	var lagging []*subscription

	h.mu.RLock()
	for sub := range h.subscribers {
		if sub.collection != ev.Collection {
			continue
		}
		out, ok := sub.route(ev)
		if !ok {
			continue
		}
		select {
		case sub.ch <- out:
		default:
			lagging = append(lagging, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range lagging {
		h.logger.Warn("disconnecting slow subscriber", "collection", sub.collection)
		h.remove(sub)
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber. Later subscribes fail with
// gateway.ErrSubscriptionUnavailable.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		close(sub.ch)
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.ch)
}

type subscription struct {
	hub        *Hub
	collection string
	filter     record.Filter
	ch         chan record.ChangeEvent
}

func (s *subscription) Events() <-chan record.ChangeEvent {
	return s.ch
}

func (s *subscription) Unsubscribe() {
	s.hub.remove(s)
}

// route decides what a subscriber sees for ev. An update that no longer
// matches the filter is turned into a delete so the record leaves the
// subscriber's filtered view.
func (s *subscription) route(ev record.ChangeEvent) (record.ChangeEvent, bool) {
	if ev.Kind == record.EventDelete {
		return ev, true
	}
	if len(s.filter) == 0 || s.filter.Matches(*ev.Record) {
		rec := ev.Record.Clone()
		ev.Record = &rec
		return ev, true
	}
	if ev.Kind == record.EventUpdate {
		return record.ChangeEvent{
			Kind:       record.EventDelete,
			Collection: ev.Collection,
			ID:         ev.Record.ID,
		}, true
	}
	return record.ChangeEvent{}, false
}

func cloneFilter(f record.Filter) record.Filter {
	if len(f) == 0 {
		return nil
	}
	out := make(record.Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
