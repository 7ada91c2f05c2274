package state

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Kind classifies a context value.
type Kind int

const (
	KindInvalid Kind = iota
	KindAbsent
	KindText
	KindNumber
	KindBoolean
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "invalid"
	}
}

// KindOf classifies an already-normalized value. Values outside the union
// report KindInvalid.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindAbsent
	case string:
		return KindText
	case int, float64:
		return KindNumber
	case bool:
		return KindBoolean
	case []any:
		return KindSequence
	case map[string]any, Context:
		return KindMapping
	default:
		return KindInvalid
	}
}

// ValueError reports a value that cannot be stored in a Context.
type ValueError struct {
	Key string
	Err error
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("context key %q: %s", e.Key, e.Err.Error())
}

func (e *ValueError) Unwrap() error { return e.Err }

// Normalize converts v into the context value union: nil, string, int,
// float64, bool, []any or map[string]any. Integer kinds collapse to int and
// float kinds to float64; any slice or array becomes []any and any
// string-keyed map becomes map[string]any. The result never aliases v's
// mutable structure. Functions, channels, pointers, structs and non-finite
// numbers are rejected.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string, bool:
		return val, nil
	case float64:
		return finite(val)
	case int:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return normalizeInt(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val.String())
		}
		return finite(f)
	case Context:
		return normalizeMap(reflect.ValueOf(map[string]any(val)))
	}
	return normalizeReflect(reflect.ValueOf(v))
}

func normalizeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return normalizeInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return float64(u), nil
		}
		return normalizeInt(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float())
	case reflect.Slice:
		if rv.IsNil() {
			return []any{}, nil
		}
		return normalizeSeq(rv)
	case reflect.Array:
		return normalizeSeq(rv)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		return normalizeMap(rv)
	default:
		return nil, fmt.Errorf("unsupported value type %s", rv.Type())
	}
}

// finite rejects NaN and infinities, which have no JSON form.
func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	return f, nil
}

func normalizeInt(i int64) any {
	if i > math.MaxInt || i < math.MinInt {
		return float64(i)
	}
	return int(i)
}

func normalizeSeq(rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		nv, err := Normalize(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = nv
	}
	return out, nil
}

func normalizeMap(rv reflect.Value) (any, error) {
	if rv.IsNil() {
		return map[string]any{}, nil
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		nv, err := Normalize(iter.Value().Interface())
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}
