package mocks

import (
	"context"
	"sync"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/stretchr/testify/mock"
)

// Gateway is a mock for gateway.Gateway.
type Gateway struct {
	mock.Mock
}

func (m *Gateway) Query(ctx context.Context, collection string, filter record.Filter, order record.Order) ([]record.Record, error) {
	args := m.Called(ctx, collection, filter, order)
	if list, ok := args.Get(0).([]record.Record); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Gateway) Insert(ctx context.Context, collection string, payload record.Fields) (record.Record, error) {
	args := m.Called(ctx, collection, payload)
	if rec, ok := args.Get(0).(record.Record); ok {
		return rec, args.Error(1)
	}
	return record.Record{}, args.Error(1)
}

func (m *Gateway) Update(ctx context.Context, collection, id string, fields record.Fields) error {
	args := m.Called(ctx, collection, id, fields)
	return args.Error(0)
}

func (m *Gateway) Delete(ctx context.Context, collection, id string) error {
	args := m.Called(ctx, collection, id)
	return args.Error(0)
}

func (m *Gateway) Subscribe(ctx context.Context, collection string, filter record.Filter) (gateway.Subscription, error) {
	args := m.Called(ctx, collection, filter)
	if sub, ok := args.Get(0).(gateway.Subscription); ok {
		return sub, args.Error(1)
	}
	return nil, args.Error(1)
}

// Subscription is a hand-driven gateway.Subscription: tests push events with
// Send and simulate a disconnect with Disconnect.
type Subscription struct {
	ch   chan record.ChangeEvent
	once sync.Once
	mu   sync.Mutex

	unsubscribed bool
}

// NewSubscription creates a subscription with a small buffer.
func NewSubscription() *Subscription {
	return &Subscription{ch: make(chan record.ChangeEvent, 16)}
}

func (s *Subscription) Events() <-chan record.ChangeEvent {
	return s.ch
}

func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
	s.close()
}

// Send delivers an event to the subscriber.
func (s *Subscription) Send(ev record.ChangeEvent) {
	s.ch <- ev
}

// Disconnect closes the event stream without an unsubscribe.
func (s *Subscription) Disconnect() {
	s.close()
}

// Unsubscribed reports whether Unsubscribe was called.
func (s *Subscription) Unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}
