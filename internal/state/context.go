package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Reserved context keys read by the recursion controller.
const (
	KeyOutput     = "output"
	KeyNextPrompt = "next_prompt"
)

// Context is the mapping of named values shared across snippet executions and
// recursive iterations. Values are restricted to the union described by Kind.
//
// A Context is never shared by reference across a step boundary: every step
// works on a Clone and hands back a new value.
type Context map[string]any

// New returns an empty context.
func New() Context {
	return Context{}
}

// FromMap normalizes m into a Context. m is not retained.
func FromMap(m map[string]any) (Context, error) {
	c := make(Context, len(m))
	for k, v := range m {
		nv, err := Normalize(v)
		if err != nil {
			return nil, &ValueError{Key: k, Err: err}
		}
		c[k] = nv
	}
	return c, nil
}

// Clone returns a deep copy of c. A nil context clones to an empty one.
func (c Context) Clone() Context {
	cp := make(Context, len(c))
	for k, v := range c {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// Get returns the value stored under key, or nil.
func (c Context) Get(key string) any {
	return c[key]
}

// Has reports whether key is present, even if its value is nil.
func (c Context) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Set normalizes v and stores it under key.
func (c Context) Set(key string, v any) error {
	nv, err := Normalize(v)
	if err != nil {
		return &ValueError{Key: key, Err: err}
	}
	c[key] = nv
	return nil
}

// Delete removes key.
func (c Context) Delete(key string) {
	delete(c, key)
}

// Pop removes key and returns its previous value.
func (c Context) Pop(key string) (any, bool) {
	v, ok := c[key]
	if ok {
		delete(c, key)
	}
	return v, ok
}

// Keys returns the keys of c in sorted order.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether c and other hold deeply equal values.
// A nil context equals an empty one.
func (c Context) Equal(other Context) bool {
	if len(c) != len(other) {
		return false
	}
	return reflect.DeepEqual(map[string]any(c.Clone()), map[string]any(other.Clone()))
}

// Map returns c as a plain map, for APIs that expect map[string]any.
func (c Context) Map() map[string]any {
	return map[string]any(c)
}

// Text renders a context value as answer text: strings verbatim, nil as the
// empty string, everything else as compact JSON.
func Text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	}
	data, err := json.Marshal(v)
	if err != nil {
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return fmt.Sprint(v)
	}
	return string(data)
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a union value. Primitives are value types.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case Context:
		return deepCopyMap(map[string]any(val))
	case []any:
		if val == nil {
			return nil
		}
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
