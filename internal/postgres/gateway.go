// Package postgres implements the record gateway on PostgreSQL. Every
// committed mutation is announced with NOTIFY so that change events reach
// subscribers in every process sharing the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rpggio/chairside/internal/changefeed"
	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
)

// Channel is the NOTIFY channel carrying change events.
const Channel = "chairside_changes"

// maxPayload stays under PostgreSQL's 8000 byte NOTIFY limit. Larger events
// are announced by id only and re-read by the listener.
const maxPayload = 7900

// Schema creates the records table.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    data JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    seq BIGSERIAL,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_collection_created ON records(collection, created_at DESC);
`

var _ gateway.Gateway = (*Gateway)(nil)

// Gateway implements gateway.Gateway on a pgx connection pool.
type Gateway struct {
	pool   *pgxpool.Pool
	hub    *changefeed.Hub
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open connects to dsn, applies Schema and starts the notification listener.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Release()
		pool.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &Gateway{
		pool:   pool,
		hub:    changefeed.NewHub(logger),
		logger: logger,
		now:    time.Now,
		cancel: cancel,
	}
	g.wg.Add(1)
	go g.listen(listenCtx, conn)
	return g, nil
}

// Pool exposes the connection pool, e.g. for tests and health checks.
func (g *Gateway) Pool() *pgxpool.Pool {
	return g.pool
}

// Close stops the listener, disconnects subscribers and closes the pool.
func (g *Gateway) Close() error {
	g.cancel()
	g.wg.Wait()
	g.hub.Close()
	g.pool.Close()
	return nil
}

// Query returns the records of collection matching filter, sorted by order.
func (g *Gateway) Query(ctx context.Context, collection string, filter record.Filter, order record.Order) ([]record.Record, error) {
	if err := record.ValidateCollection(collection); err != nil {
		return nil, err
	}
	order = order.OrDefault()
	if err := record.ValidateQuery(filter, order); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(`SELECT id, data, created_at, updated_at FROM records WHERE collection = $1`)
	args := []any{collection}
	for _, field := range filter.Keys() {
		cond, arg, err := predicate(field, filter[field], len(args)+1)
		if err != nil {
			return nil, err
		}
		b.WriteString(" AND " + cond)
		if arg != nil {
			args = append(args, arg)
		}
	}

	dir := "ASC"
	if order.Desc {
		dir = "DESC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, seq %s", columnExpr(order.Field), dir, dir)

	rows, err := g.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	records := []record.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", collection, err)
	}
	return records, nil
}

// Insert persists payload under a generated ID and announces it.
func (g *Gateway) Insert(ctx context.Context, collection string, payload record.Fields) (record.Record, error) {
	if err := record.ValidateCollection(collection); err != nil {
		return record.Record{}, err
	}
	if err := record.ValidatePayload(payload); err != nil {
		return record.Record{}, err
	}
	data, err := encodeFields(payload)
	if err != nil {
		return record.Record{}, err
	}

	now := g.now().UTC()
	var rec record.Record
	err = g.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO records (collection, id, data, created_at, updated_at)
			VALUES ($1, $2, $3::jsonb, $4, $4)
			RETURNING id, data, created_at, updated_at
		`, collection, uuid.NewString(), data, now)
		if rec, err = scanRecord(row); err != nil {
			return err
		}
		return notify(ctx, tx, record.EventInsert, collection, rec)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return record.Record{}, fmt.Errorf("duplicate id in %s: %w", collection, err)
		}
		return record.Record{}, fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return rec, nil
}

// Update shallow-merges fields into the stored document.
func (g *Gateway) Update(ctx context.Context, collection, id string, fields record.Fields) error {
	if err := record.ValidateCollection(collection); err != nil {
		return err
	}
	if err := record.ValidatePayload(fields); err != nil {
		return err
	}
	for key := range fields {
		if err := record.ValidateField(key); err != nil {
			return err
		}
	}
	data, err := encodeFields(fields)
	if err != nil {
		return err
	}

	err = g.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE records SET data = data || $1::jsonb, updated_at = $2
			WHERE collection = $3 AND id = $4
			RETURNING id, data, created_at, updated_at
		`, data, g.now().UTC(), collection, id)
		rec, err := scanRecord(row)
		if err != nil {
			return err
		}
		return notify(ctx, tx, record.EventUpdate, collection, rec)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes a record and announces it.
func (g *Gateway) Delete(ctx context.Context, collection, id string) error {
	if err := record.ValidateCollection(collection); err != nil {
		return err
	}
	err := g.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM records WHERE collection = $1 AND id = $2`, collection, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return gateway.ErrNotFound
		}
		return notify(ctx, tx, record.EventDelete, collection, record.Record{ID: id})
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Subscribe opens a change-event subscription fed by the listener.
func (g *Gateway) Subscribe(_ context.Context, collection string, filter record.Filter) (gateway.Subscription, error) {
	return g.hub.Subscribe(collection, filter)
}

func (g *Gateway) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// listen relays notifications to the hub until ctx ends. A broken listener
// connection closes the hub, so subscribers observe a disconnect.
func (g *Gateway) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer g.wg.Done()
	defer conn.Release()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Error("change listener stopped", "error", err)
				g.hub.Close()
			}
			return
		}
		ev, err := g.decode(ctx, n.Payload)
		if err != nil {
			g.logger.Warn("dropping malformed notification", "error", err)
			continue
		}
		g.hub.Publish(ev)
	}
}

type notification struct {
	record.ChangeEvent
	Truncated bool `json:"truncated,omitempty"`
}

func notify(ctx context.Context, tx pgx.Tx, kind record.EventKind, collection string, rec record.Record) error {
	n := notification{ChangeEvent: record.ChangeEvent{Kind: kind, Collection: collection, ID: rec.ID}}
	if kind != record.EventDelete {
		n.Record = &rec
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if len(payload) > maxPayload {
		n.Record, n.Truncated = nil, true
		if payload, err = json.Marshal(n); err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload))
	return err
}

func (g *Gateway) decode(ctx context.Context, payload string) (record.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return record.ChangeEvent{}, err
	}
	if !n.Truncated {
		return n.ChangeEvent, nil
	}

	row := g.pool.QueryRow(ctx,
		`SELECT id, data, created_at, updated_at FROM records WHERE collection = $1 AND id = $2`,
		n.Collection, n.ID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted since; the delete notification follows.
		return record.ChangeEvent{}, fmt.Errorf("record %s/%s no longer exists", n.Collection, n.ID)
	}
	if err != nil {
		return record.ChangeEvent{}, err
	}
	n.Record = &rec
	return n.ChangeEvent, nil
}

func scanRecord(row pgx.Row) (record.Record, error) {
	var (
		rec  record.Record
		data []byte
	)
	if err := row.Scan(&rec.ID, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return record.Record{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if err := json.Unmarshal(data, &rec.Fields); err != nil {
		return record.Record{}, fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = record.Fields{}
	}
	return rec, nil
}

// predicate renders one equality condition using placeholder $n.
func predicate(field string, value any, n int) (string, any, error) {
	switch field {
	case record.FieldID, record.FieldCreatedAt, record.FieldUpdatedAt:
		if value == nil {
			return field + " IS NULL", nil, nil
		}
		return fmt.Sprintf("%s = $%d", field, n), value, nil
	}
	if value == nil {
		// present with a JSON null; a missing key yields SQL NULL and fails
		return fmt.Sprintf("data->'%s' = 'null'::jsonb", field), nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", nil, fmt.Errorf("%w: filter %s: %v", record.ErrInvalidInput, field, err)
	}
	return fmt.Sprintf("data->'%s' = $%d::jsonb", field, n), string(encoded), nil
}

// columnExpr maps a validated field name to its SQL expression.
func columnExpr(field string) string {
	switch field {
	case record.FieldID, record.FieldCreatedAt, record.FieldUpdatedAt:
		return field
	default:
		return fmt.Sprintf("data->'%s'", field)
	}
}

func encodeFields(fields record.Fields) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: %v", record.ErrInvalidInput, err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
