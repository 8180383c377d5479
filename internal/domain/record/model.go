package record

import (
	"maps"
	"time"
)

// Fields holds the persisted, schema-defined columns of a record.
type Fields map[string]any

// Clone returns a deep copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge copies every entry of other over f and returns f.
func (f Fields) Merge(other Fields) Fields {
	if f == nil {
		f = make(Fields, len(other))
	}
	for k, v := range other {
		f[k] = cloneValue(v)
	}
	return f
}

// Record is one persisted entity within a named collection.
type Record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Fields    Fields    `json:"fields"`

	// Local carries derived fields attached on the client (related comments,
	// computed labels). It is never sent to or read from a gateway.
	Local Fields `json:"-"`
}

// Clone returns a deep copy so callers never alias store-owned state.
func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	r.Local = r.Local.Clone()
	return r
}

// Value returns a field by name, including the audit columns.
func (r Record) Value(name string) (any, bool) {
	switch name {
	case FieldID:
		return r.ID, true
	case FieldCreatedAt:
		return r.CreatedAt, true
	case FieldUpdatedAt:
		return r.UpdatedAt, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

// String returns a string field or "" when absent or of another type.
func (r Record) String(name string) string {
	s, _ := r.Fields[name].(string)
	return s
}

// EventKind identifies the type of change carried by a ChangeEvent.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ChangeEvent is an insert/update/delete notification pushed by a gateway.
// Insert and Update carry the full record; Delete carries only the ID.
type ChangeEvent struct {
	Kind       EventKind `json:"kind"`
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Record     *Record   `json:"record,omitempty"`
}

// Valid reports whether the event is well-formed for its kind.
func (e ChangeEvent) Valid() bool {
	switch e.Kind {
	case EventInsert, EventUpdate:
		return e.Record != nil && e.Record.ID != ""
	case EventDelete:
		return e.ID != ""
	default:
		return false
	}
}

// TargetID returns the record identifier the event refers to.
func (e ChangeEvent) TargetID() string {
	if e.ID != "" {
		return e.ID
	}
	if e.Record != nil {
		return e.Record.ID
	}
	return ""
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Fields(t).Clone())
	case Fields:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []Record:
		out := make([]Record, len(t))
		for i, item := range t {
			out[i] = item.Clone()
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}
