package expressions

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/rlm/internal/state"
)

// Engine evaluates a single expression against named variables.
// Three implementations: Expr (statement language), CEL (statement language),
// GoJQ (whole-context transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultCacheSize bounds the number of compiled programs each engine keeps.
const DefaultCacheSize = 512

// cacheKey identifies a compiled program. Engines that type-check against
// their variables compile differently for different variable shapes, so the
// key carries each variable's name and kind.
func cacheKey(expression string, data map[string]any) string {
	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(expression)
	for _, n := range names {
		b.WriteByte(0)
		b.WriteString(n)
		b.WriteByte(':')
		b.WriteString(kindName(data[n]))
	}
	return b.String()
}

func kindName(v any) string {
	switch v.(type) {
	case int:
		return "int"
	case float64:
		return "float"
	}
	if k := state.KindOf(v); k != state.KindInvalid {
		return k.String()
	}
	// Host functions injected by the sandbox.
	return "host"
}
