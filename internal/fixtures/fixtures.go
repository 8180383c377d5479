// Package fixtures loads seed records from YAML. The same file backs the
// fallback data of synchronized stores and the `chairside seed` command.
//
//	collections:
//	  lab_scripts:
//	    - id: ls-1
//	      created_at: 2024-05-01T09:00:00Z
//	      patient_id: p-17
//	      status: draft
package fixtures

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rpggio/chairside/internal/domain/record"
	"gopkg.in/yaml.v3"
)

// Provider serves seed records per collection.
type Provider struct {
	collections map[string][]record.Record
}

type file struct {
	Collections map[string][]map[string]any `yaml:"collections"`
}

// Load reads a fixture file from disk.
func Load(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return Parse(data)
}

// Parse decodes fixture YAML.
func Parse(data []byte) (*Provider, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}

	p := &Provider{collections: make(map[string][]record.Record, len(f.Collections))}
	for name, rows := range f.Collections {
		if err := record.ValidateCollection(name); err != nil {
			return nil, err
		}
		recs := make([]record.Record, 0, len(rows))
		seen := make(map[string]struct{}, len(rows))
		for i, row := range rows {
			rec, err := toRecord(row)
			if err != nil {
				return nil, fmt.Errorf("fixtures %s[%d]: %w", name, i, err)
			}
			if _, dup := seen[rec.ID]; dup {
				return nil, fmt.Errorf("fixtures %s[%d]: duplicate id %q", name, i, rec.ID)
			}
			seen[rec.ID] = struct{}{}
			recs = append(recs, rec)
		}
		p.collections[name] = recs
	}
	return p, nil
}

// Seed returns copies of the records for collection; an unknown collection
// yields none.
func (p *Provider) Seed(_ context.Context, collection string) ([]record.Record, error) {
	if p == nil {
		return nil, nil
	}
	recs := p.collections[collection]
	out := make([]record.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out, nil
}

// Collections lists the collection names present, sorted.
func (p *Provider) Collections() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.collections))
	for name := range p.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toRecord(row map[string]any) (record.Record, error) {
	var rec record.Record
	id, ok := row[record.FieldID]
	if !ok {
		return rec, fmt.Errorf("missing id")
	}
	rec.ID = fmt.Sprint(id)

	var err error
	if rec.CreatedAt, err = timeField(row, record.FieldCreatedAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = timeField(row, record.FieldUpdatedAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	rec.Fields = make(record.Fields, len(row))
	for k, v := range row {
		switch k {
		case record.FieldID, record.FieldCreatedAt, record.FieldUpdatedAt:
			continue
		}
		rec.Fields[k] = normalize(v)
	}
	return rec, nil
}

func timeField(row map[string]any, name string) (time.Time, error) {
	switch v := row[name].(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", name, err)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%s: unsupported value %v", name, v)
	}
}

// normalize converts YAML scalars to the shapes a JSON gateway returns, so
// seeded and fetched records compare alike.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
