package syncstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpggio/chairside/internal/domain/record"
)

// Strategy selects how a Store follows remote changes.
type Strategy string

const (
	// StrategyFiltered subscribes with the Store's filter and reconciles each
	// event into the snapshot.
	StrategyFiltered Strategy = "filtered"

	// StrategyRefetch subscribes to the whole collection and re-runs the bulk
	// fetch whenever an event arrives.
	StrategyRefetch Strategy = "refetch"
)

// ParseStrategy converts a config value into a Strategy. Empty means filtered.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyFiltered:
		return StrategyFiltered, nil
	case StrategyRefetch:
		return StrategyRefetch, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidOptions, s)
}

// SeedProvider supplies fallback records when the initial fetch fails.
type SeedProvider interface {
	Seed(ctx context.Context, collection string) ([]record.Record, error)
}

// Decorator attaches derived, never-persisted fields to records by writing
// their Local maps. It runs on fetched, added and inserted records.
type Decorator func(ctx context.Context, recs []record.Record) error

// Recorder observes gateway calls and reconciliation outcomes.
type Recorder interface {
	ObserveCall(collection, op string, err error, elapsed time.Duration)
	ObserveEvent(collection string, kind record.EventKind, applied bool)
	SetSnapshotSize(collection string, n int)
}

// Options configure a Store.
type Options struct {
	Collection string
	Filter     record.Filter
	Order      record.Order
	Strategy   Strategy

	Seeds    SeedProvider
	Decorate Decorator
	Logger   *slog.Logger
	Metrics  Recorder

	// Clock stamps updated_at on optimistic updates.
	Clock func() time.Time
}

func (o Options) validate() error {
	if err := record.ValidateCollection(o.Collection); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if err := record.ValidateQuery(o.Filter, o.Order.OrDefault()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if _, err := ParseStrategy(string(o.Strategy)); err != nil {
		return err
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) ObserveCall(string, string, error, time.Duration) {}
func (nopRecorder) ObserveEvent(string, record.EventKind, bool)      {}
func (nopRecorder) SetSnapshotSize(string, int)                      {}
