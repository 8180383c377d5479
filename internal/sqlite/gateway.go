package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/chairside/internal/changefeed"
	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
)

// Compile-time contract assertion.
var _ gateway.Gateway = (*Gateway)(nil)

// Gateway implements gateway.Gateway on a SQLite records table and
// publishes every committed mutation to an in-process change feed.
type Gateway struct {
	db     *DB
	hub    *changefeed.Hub
	logger *slog.Logger
	now    func() time.Time
}

// NewGateway creates a gateway over db. A nil logger discards output.
func NewGateway(db *DB, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		db:     db,
		hub:    changefeed.NewHub(logger),
		logger: logger,
		now:    time.Now,
	}
}

// Hub exposes the change feed, e.g. to tune its buffer size.
func (g *Gateway) Hub() *changefeed.Hub {
	return g.hub
}

// Close disconnects all subscribers. The database is owned by the caller.
func (g *Gateway) Close() error {
	g.hub.Close()
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

	query := `SELECT id, data, created_at, updated_at FROM records WHERE collection = ?`
	args := []any{collection}

	for _, field := range filter.Keys() {
		value := filter[field]
		expr := columnExpr(field)
		if value == nil {
			query += " AND " + nullExpr(field)
			continue
		}
		query += fmt.Sprintf(" AND %s = ?", expr)
		args = append(args, bindValue(value))
	}

	dir := "ASC"
	if order.Desc {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, rowid %s", columnExpr(order.Field), dir, dir)

	rows, err := g.db.QueryContext(ctx, query, args...)
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

// Insert persists payload under a generated ID and returns the stored record.
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
	rec := record.Record{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Round-trip through JSON so inserted and queried records agree on types.
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", record.ErrInvalidInput, err)
	}

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		collection, rec.ID, data, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return record.Record{}, fmt.Errorf("duplicate id %s in %s: %w", rec.ID, collection, err)
		}
		return record.Record{}, fmt.Errorf("failed to insert into %s: %w", collection, err)
	}

	g.publish(record.EventInsert, collection, rec)
	return rec, nil
}

// Update overwrites the given top-level fields and bumps updated_at.
func (g *Gateway) Update(ctx context.Context, collection, id string, fields record.Fields) error {
	if err := record.ValidateCollection(collection); err != nil {
		return err
	}
	if err := record.ValidatePayload(fields); err != nil {
		return err
	}

	now := g.now().UTC()
	set := "data"
	args := []any{}
	if len(fields) > 0 {
		paths := make([]string, 0, len(fields))
		for _, key := range sortedKeys(fields) {
			if err := record.ValidateField(key); err != nil {
				return err
			}
			encoded, err := json.Marshal(fields[key])
			if err != nil {
				return fmt.Errorf("%w: field %s: %v", record.ErrInvalidInput, key, err)
			}
			paths = append(paths, fmt.Sprintf("'$.%s', json(?)", key))
			args = append(args, string(encoded))
		}
		set = "json_set(data, " + strings.Join(paths, ", ") + ")"
	}

	query := fmt.Sprintf(`
		UPDATE records
		SET data = %s, updated_at = ?
		WHERE collection = ? AND id = ?
		RETURNING id, data, created_at, updated_at
	`, set)
	args = append(args, now.UnixNano(), collection, id)

	rec, err := scanRecord(g.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}

	g.publish(record.EventUpdate, collection, rec)
	return nil
}

// Delete removes a record.
func (g *Gateway) Delete(ctx context.Context, collection, id string) error {
	if err := record.ValidateCollection(collection); err != nil {
		return err
	}

	result, err := g.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return gateway.ErrNotFound
	}

	g.hub.Publish(record.ChangeEvent{Kind: record.EventDelete, Collection: collection, ID: id})
	return nil
}

// Subscribe opens a change-event subscription; filters are evaluated by the hub.
func (g *Gateway) Subscribe(_ context.Context, collection string, filter record.Filter) (gateway.Subscription, error) {
	return g.hub.Subscribe(collection, filter)
}

func (g *Gateway) publish(kind record.EventKind, collection string, rec record.Record) {
	g.hub.Publish(record.ChangeEvent{
		Kind:       kind,
		Collection: collection,
		ID:         rec.ID,
		Record:     &rec,
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (record.Record, error) {
	var (
		rec       record.Record
		data      string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&rec.ID, &data, &createdAt, &updatedAt); err != nil {
		return record.Record{}, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return record.Record{}, fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = record.Fields{}
	}
	return rec, nil
}

// columnExpr maps a validated field name to its SQL expression.
func columnExpr(field string) string {
	switch field {
	case record.FieldID, record.FieldCreatedAt, record.FieldUpdatedAt:
		return field
	default:
		return fmt.Sprintf("json_extract(data, '$.%s')", field)
	}
}

// nullExpr matches a field present with a JSON null. A missing key does not
// match, the same as record.Filter.Matches.
func nullExpr(field string) string {
	switch field {
	case record.FieldID, record.FieldCreatedAt, record.FieldUpdatedAt:
		return field + " IS NULL"
	default:
		return fmt.Sprintf("json_type(data, '$.%s') = 'null'", field)
	}
}

func bindValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UnixNano()
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return v
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

func sortedKeys(fields record.Fields) []string {
	return record.Filter(fields).Keys()
}
