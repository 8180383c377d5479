package record

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Audit and identity columns present on every record.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Filter is a conjunction of equality predicates over record fields,
// e.g. {"patient_id": "p-17"}.
type Filter map[string]any

// Matches reports whether rec satisfies every predicate.
func (f Filter) Matches(rec Record) bool {
	for field, want := range f {
		got, ok := rec.Value(field)
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// Keys returns the filter's field names in sorted order.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key renders a stable, unambiguous textual form usable as a map key. Two
// filters share a key exactly when they hold the same predicates; numeric
// values are normalized the way ValuesEqual compares them.
func (f Filter) Key() string {
	if len(f) == 0 {
		return ""
	}
	norm := make(map[string]any, len(f))
	for k, v := range f {
		norm[k] = keyValue(v)
	}
	data, err := json.Marshal(norm)
	if err != nil {
		return fmt.Sprintf("%#v", map[string]any(f))
	}
	return string(data)
}

func keyValue(v any) any {
	if n, ok := toFloat(v); ok {
		return n
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return v
}

// Order describes the sort applied to a bulk fetch.
type Order struct {
	Field string
	Desc  bool
}

// DefaultOrder is reverse chronological by creation time.
var DefaultOrder = Order{Field: FieldCreatedAt, Desc: true}

// OrDefault returns DefaultOrder when o is unset.
func (o Order) OrDefault() Order {
	if o.Field == "" {
		return DefaultOrder
	}
	return o
}

func (o Order) String() string {
	o = o.OrDefault()
	dir := "asc"
	if o.Desc {
		dir = "desc"
	}
	return o.Field + "." + dir
}

// ParseOrder parses "field.asc" or "field.desc"; a bare field sorts ascending.
func ParseOrder(s string) (Order, error) {
	if s == "" {
		return DefaultOrder, nil
	}
	field, dir, found := strings.Cut(s, ".")
	if field == "" {
		return Order{}, fmt.Errorf("%w: empty order field", ErrInvalidInput)
	}
	if !found {
		return Order{Field: field}, nil
	}
	switch dir {
	case "asc":
		return Order{Field: field}, nil
	case "desc":
		return Order{Field: field, Desc: true}, nil
	default:
		return Order{}, fmt.Errorf("%w: order direction %q", ErrInvalidInput, dir)
	}
}

// ValuesEqual compares two field values, treating all numeric kinds as
// float64 so JSON-decoded numbers match Go literals.
func ValuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

// CompareValues orders two field values: numbers numerically, times
// chronologically, everything else by its string form. Absent (nil) values
// sort first.
func CompareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return cmpOrdered(af, bf)
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// SortRecords stable-sorts recs by order.
func SortRecords(recs []Record, order Order) {
	order = order.OrDefault()
	sort.SliceStable(recs, func(i, j int) bool {
		a, _ := recs[i].Value(order.Field)
		b, _ := recs[j].Value(order.Field)
		c := CompareValues(a, b)
		if order.Desc {
			return c > 0
		}
		return c < 0
	})
}

func cmpOrdered(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
