// Package layoutcheck validates that a generic payload type can be safely
// copied byte-for-byte between processes over shared memory.
package layoutcheck

import (
	"fmt"
	"reflect"
)

// Check rejects types that cannot be safely copied byte-for-byte between
// processes: anything holding a pointer, since a pointer value is only
// meaningful within the process that produced it. Go generics have no
// compile-time trait for this, so the check happens once, at construction.
func Check(t reflect.Type) error {
	return check(t, map[reflect.Type]bool{})
}

func check(t reflect.Type, seen map[reflect.Type]bool) error {
	if t == nil {
		return fmt.Errorf("nil type is not a valid shared-memory payload")
	}
	if seen[t] {
		return nil
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Array:
		return check(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if err := check(t.Field(i).Type, seen); err != nil {
				return fmt.Errorf("field %s: %w", t.Field(i).Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("type %s (kind %s) contains a pointer or reference and cannot be copied into shared memory; use a fixed-size array field instead", t, t.Kind())
	}
}
