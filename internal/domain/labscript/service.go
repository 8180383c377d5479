package labscript

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
)

// Options configure a Tracker.
type Options struct {
	// PatientID narrows the tracker to one patient's scripts.
	PatientID string
	Strategy  syncstore.Strategy
	Seeds     syncstore.SeedProvider
	Logger    *slog.Logger
	Metrics   syncstore.Recorder
}

// Tracker is a synchronized list of lab scripts with their comments.
type Tracker struct {
	gw       gateway.Gateway
	store    *syncstore.Store
	validate *validator.Validate
	logger   *slog.Logger
}

// Open starts tracking lab scripts.
func Open(ctx context.Context, gw gateway.Gateway, opts Options) (*Tracker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var filter record.Filter
	if opts.PatientID != "" {
		filter = record.Filter{"patient_id": opts.PatientID}
	}

	t := &Tracker{gw: gw, validate: validator.New(), logger: logger}
	store, err := syncstore.Open(ctx, gw, syncstore.Options{
		Collection: Collection,
		Filter:     filter,
		Strategy:   opts.Strategy,
		Seeds:      opts.Seeds,
		Decorate:   t.decorate,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("opening lab script store: %w", err)
	}
	t.store = store
	return t, nil
}

// Store exposes the underlying synchronized store for status and watching.
func (t *Tracker) Store() *syncstore.Store {
	return t.store
}

// List returns scripts most recent first.
func (t *Tracker) List() []LabScript {
	recs := t.store.List()
	out := make([]LabScript, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out
}

// Get returns one script.
func (t *Tracker) Get(id string) (LabScript, error) {
	r, ok := t.store.Get(id)
	if !ok {
		return LabScript{}, ErrNotFound
	}
	return fromRecord(r), nil
}

// Create validates and inserts a new draft script.
func (t *Tracker) Create(ctx context.Context, req NewLabScript) (LabScript, error) {
	req.PatientID = strings.TrimSpace(req.PatientID)
	if err := t.validate.Struct(req); err != nil {
		return LabScript{}, validationError(err)
	}
	r, err := t.store.Add(ctx, req.fields())
	if err != nil {
		return LabScript{}, fmt.Errorf("creating lab script: %w", err)
	}
	return fromRecord(r), nil
}

// SetStatus moves a script along its lifecycle.
func (t *Tracker) SetStatus(ctx context.Context, id string, next Status) error {
	current, err := t.Get(id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
	}
	if err := t.store.Update(ctx, id, record.Fields{"status": string(next)}); err != nil {
		return mapGatewayError(fmt.Errorf("updating lab script status: %w", err))
	}
	return nil
}

// SetNotes replaces a script's free-text notes.
func (t *Tracker) SetNotes(ctx context.Context, id, notes string) error {
	if err := t.validate.Var(notes, "max=2000"); err != nil {
		return validationError(err)
	}
	if err := t.store.Update(ctx, id, record.Fields{"notes": notes}); err != nil {
		return mapGatewayError(fmt.Errorf("updating lab script notes: %w", err))
	}
	return nil
}

// Remove deletes a script.
func (t *Tracker) Remove(ctx context.Context, id string) error {
	if err := t.store.Remove(ctx, id); err != nil {
		return mapGatewayError(fmt.Errorf("removing lab script: %w", err))
	}
	return nil
}

// AddComment stores a comment and refreshes the tracked list so the
// comment is attached to its script.
func (t *Tracker) AddComment(ctx context.Context, scriptID, author, body string) (Comment, error) {
	c := Comment{LabScriptID: scriptID, Author: author, Body: body}
	if err := t.validate.Struct(c); err != nil {
		return Comment{}, validationError(err)
	}
	if _, ok := t.store.Get(scriptID); !ok {
		return Comment{}, ErrNotFound
	}

	r, err := t.gw.Insert(ctx, CommentsCollection, record.Fields{
		"lab_script_id": scriptID,
		"author":        author,
		"body":          body,
	})
	if err != nil {
		return Comment{}, fmt.Errorf("adding comment: %w", err)
	}
	if err := t.store.Refetch(ctx); err != nil {
		t.logger.Warn("refetch after comment failed", "lab_script_id", scriptID, "error", err)
	}
	return commentFromRecord(r), nil
}

// Close stops tracking.
func (t *Tracker) Close() {
	t.store.Close()
}

func (t *Tracker) decorate(ctx context.Context, recs []record.Record) error {
	var filter record.Filter
	if len(recs) == 1 {
		filter = record.Filter{"lab_script_id": recs[0].ID}
	}
	comments, err := t.gw.Query(ctx, CommentsCollection, filter, record.Order{Field: record.FieldCreatedAt})
	if err != nil {
		return fmt.Errorf("loading comments: %w", err)
	}
	attachComments(recs, comments)
	return nil
}

func mapGatewayError(err error) error {
	if errors.Is(err, gateway.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
