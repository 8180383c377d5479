package record

import (
	"fmt"
	"reflect"
	"regexp"
	"time"
)

var (
	collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	fieldPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// ValidateCollection checks that name is a usable collection identifier.
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

// ValidatePayload rejects payloads that try to set identity or audit columns.
func ValidatePayload(fields Fields) error {
	for _, reserved := range []string{FieldID, FieldCreatedAt, FieldUpdatedAt} {
		if _, ok := fields[reserved]; ok {
			return fmt.Errorf("%w: %s", ErrReservedField, reserved)
		}
	}
	return nil
}

// ValidateField checks that name can be used in a filter or order clause.
func ValidateField(name string) error {
	if !fieldPattern.MatchString(name) {
		return fmt.Errorf("%w: field %q", ErrInvalidInput, name)
	}
	return nil
}

// ValidateQuery checks every filter key and the order field.
func ValidateQuery(filter Filter, order Order) error {
	for _, k := range filter.Keys() {
		if err := ValidateField(k); err != nil {
			return err
		}
		if !isScalar(filter[k]) {
			return fmt.Errorf("%w: filter %s: value must be a string, number, bool or null", ErrInvalidInput, k)
		}
	}
	return ValidateField(order.OrDefault().Field)
}

// isScalar reports whether v can be compared by an equality predicate.
func isScalar(v any) bool {
	if v == nil {
		return true
	}
	if _, ok := v.(time.Time); ok {
		return true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
