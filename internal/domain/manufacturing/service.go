package manufacturing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/rpggio/chairside/internal/syncstore"
	"github.com/shopspring/decimal"
)

// Options configure a Tracker.
type Options struct {
	LabScriptID string
	Strategy    syncstore.Strategy
	Seeds       syncstore.SeedProvider
	Logger      *slog.Logger
	Metrics     syncstore.Recorder
}

// Tracker is a synchronized list of manufacturing items.
type Tracker struct {
	store    *syncstore.Store
	validate *validator.Validate
}

// Open starts tracking items, optionally for a single lab script.
func Open(ctx context.Context, gw gateway.Gateway, opts Options) (*Tracker, error) {
	var filter record.Filter
	if opts.LabScriptID != "" {
		filter = record.Filter{"lab_script_id": opts.LabScriptID}
	}
	store, err := syncstore.Open(ctx, gw, syncstore.Options{
		Collection: Collection,
		Filter:     filter,
		Strategy:   opts.Strategy,
		Seeds:      opts.Seeds,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("opening manufacturing store: %w", err)
	}
	return &Tracker{store: store, validate: validator.New()}, nil
}

// Store exposes the underlying synchronized store.
func (t *Tracker) Store() *syncstore.Store {
	return t.store
}

// List returns items most recent first.
func (t *Tracker) List() []Item {
	recs := t.store.List()
	out := make([]Item, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out
}

// Get returns one item.
func (t *Tracker) Get(id string) (Item, error) {
	r, ok := t.store.Get(id)
	if !ok {
		return Item{}, ErrNotFound
	}
	return fromRecord(r), nil
}

// TotalCost sums the cost of every tracked item.
func (t *Tracker) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, item := range t.List() {
		total = total.Add(item.Cost)
	}
	return total
}

// Create validates and inserts an item at the design stage.
func (t *Tracker) Create(ctx context.Context, req NewItem) (Item, error) {
	req.Material = strings.ToLower(strings.TrimSpace(req.Material))
	if err := t.validate.Struct(req); err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.Cost.IsNegative() {
		return Item{}, fmt.Errorf("%w: negative cost", ErrInvalidInput)
	}

	r, err := t.store.Add(ctx, record.Fields{
		"lab_script_id": req.LabScriptID,
		"material":      req.Material,
		"shade":         req.Shade,
		"stage":         string(StageDesign),
		"cost":          req.Cost.StringFixed(2),
	})
	if err != nil {
		return Item{}, fmt.Errorf("creating manufacturing item: %w", err)
	}
	return fromRecord(r), nil
}

// Advance moves an item to the next pipeline stage and returns it.
func (t *Tracker) Advance(ctx context.Context, id string) (Stage, error) {
	item, err := t.Get(id)
	if err != nil {
		return "", err
	}
	next, ok := item.Stage.Next()
	if !ok {
		return "", ErrFinalStage
	}
	if err := t.store.Update(ctx, id, record.Fields{"stage": string(next)}); err != nil {
		return "", mapGatewayError(fmt.Errorf("advancing item: %w", err))
	}
	return next, nil
}

// SetCost reprices an item.
func (t *Tracker) SetCost(ctx context.Context, id string, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return fmt.Errorf("%w: negative cost", ErrInvalidInput)
	}
	if err := t.store.Update(ctx, id, record.Fields{"cost": cost.StringFixed(2)}); err != nil {
		return mapGatewayError(fmt.Errorf("repricing item: %w", err))
	}
	return nil
}

// Remove deletes an item.
func (t *Tracker) Remove(ctx context.Context, id string) error {
	if err := t.store.Remove(ctx, id); err != nil {
		return mapGatewayError(fmt.Errorf("removing item: %w", err))
	}
	return nil
}

// Close stops tracking.
func (t *Tracker) Close() {
	t.store.Close()
}

func fromRecord(r record.Record) Item {
	return Item{
		ID:          r.ID,
		LabScriptID: r.String("lab_script_id"),
		Material:    r.String("material"),
		Shade:       r.String("shade"),
		Stage:       Stage(r.String("stage")),
		Cost:        parseCost(r.Fields["cost"]),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// parseCost accepts the decimal string written by this package and plain
// JSON numbers written by other clients.
func parseCost(v any) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(t)
	default:
		return decimal.Zero
	}
}

func mapGatewayError(err error) error {
	if errors.Is(err, gateway.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
