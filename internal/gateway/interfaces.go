// Package gateway defines the contract of the remote data platform that
// synchronized collection stores mirror: filtered queries, mutations, and a
// push-based change-event stream per named collection.
package gateway

import (
	"context"

	"github.com/rpggio/chairside/internal/domain/record"
)

// Gateway executes queries and mutations against named record collections.
type Gateway interface {
	Query(ctx context.Context, collection string, filter record.Filter, order record.Order) ([]record.Record, error)
	Insert(ctx context.Context, collection string, payload record.Fields) (record.Record, error)
	Update(ctx context.Context, collection, id string, fields record.Fields) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection string, filter record.Filter) (Subscription, error)
}

// Subscription delivers change events for one collection until it is
// unsubscribed or the underlying transport disconnects. In both cases the
// Events channel is closed.
type Subscription interface {
	Events() <-chan record.ChangeEvent
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}
