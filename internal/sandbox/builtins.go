package sandbox

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"

	"github.com/rendis/rlm/internal/state"
)

// allowedBuiltins are the expr builtins a snippet may call. Everything else,
// including clock and environment helpers, stays disabled.
var allowedBuiltins = []string{
	"len", "string", "int", "float", "type",
	"abs", "ceil", "floor", "round", "max", "min", "sum", "mean", "median",
	"sort", "sortBy", "reverse", "keys", "values", "toPairs", "fromPairs",
	"first", "last", "take", "concat", "flatten", "uniq",
	"join", "split", "splitAfter", "lower", "upper", "trim", "trimPrefix", "trimSuffix",
	"hasPrefix", "hasSuffix", "indexOf", "lastIndexOf", "repeat", "replace",
	"all", "any", "none", "one", "filter", "map", "find", "findIndex", "findLast", "findLastIndex",
	"count", "groupBy", "reduce",
	"toJSON", "fromJSON", "toBase64", "fromBase64", "get",
}

// maxRangeLen bounds the sequences range() may build.
const maxRangeLen = 1_000_000

// exprOptions returns the compile options shared by every expr-dialect
// snippet: the builtin allowlist, the node limit and the sandbox functions.
func exprOptions(maxNodes uint) []expr.Option {
	opts := []expr.Option{expr.DisableAllBuiltins()}
	for _, name := range allowedBuiltins {
		opts = append(opts, expr.EnableBuiltin(name))
	}
	if maxNodes > 0 {
		opts = append(opts, expr.MaxNodes(maxNodes))
	}
	opts = append(opts,
		expr.Function("typeOf", typeOf),
		expr.Function("bool", truthy),
		expr.Function("range", rangeSeq),
		expr.Function("enumerate", enumerate),
		expr.Function("zip", zip),
	)
	return opts
}

// reservedNames cannot be assigned as snippet variables.
func reservedNames() map[string]bool {
	names := map[string]bool{
		"context": true, "print": true, "let": true, "true": true, "false": true,
		"nil": true, "in": true, "not": true, "and": true, "or": true,
		"typeOf": true, "bool": true, "range": true, "enumerate": true, "zip": true,
	}
	for _, n := range allowedBuiltins {
		names[n] = true
	}
	return names
}

func typeOf(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("typeOf expects 1 argument, got %d", len(params))
	}
	k := state.KindOf(params[0])
	if k == state.KindInvalid {
		return fmt.Sprintf("%T", params[0]), nil
	}
	return k.String(), nil
}

func truthy(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("bool expects 1 argument, got %d", len(params))
	}
	switch v := params[0].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		return v != "", nil
	case int:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case []any:
		return len(v) > 0, nil
	case map[string]any:
		return len(v) > 0, nil
	}
	return true, nil
}

// rangeSeq mirrors range(stop), range(start, stop) and range(start, stop, step).
func rangeSeq(params ...any) (any, error) {
	ints := make([]int, len(params))
	for i, p := range params {
		n, ok := asInt(p)
		if !ok {
			return nil, fmt.Errorf("range arguments must be integers, got %T", p)
		}
		ints[i] = n
	}

	start, stop, step := 0, 0, 1
	switch len(ints) {
	case 1:
		stop = ints[0]
	case 2:
		start, stop = ints[0], ints[1]
	case 3:
		start, stop, step = ints[0], ints[1], ints[2]
	default:
		return nil, fmt.Errorf("range expects 1 to 3 arguments, got %d", len(ints))
	}
	if step == 0 {
		return nil, fmt.Errorf("range step must not be zero")
	}

	n := 0
	if step > 0 && stop > start {
		n = (stop - start + step - 1) / step
	} else if step < 0 && stop < start {
		n = (start - stop - step - 1) / -step
	}
	if n > maxRangeLen {
		return nil, fmt.Errorf("range of %d elements exceeds limit %d", n, maxRangeLen)
	}

	out := make([]any, n)
	for i := range out {
		out[i] = start + i*step
	}
	return out, nil
}

func enumerate(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("enumerate expects 1 argument, got %d", len(params))
	}
	seq, ok := params[0].([]any)
	if !ok {
		return nil, fmt.Errorf("enumerate expects a sequence, got %T", params[0])
	}
	out := make([]any, len(seq))
	for i, v := range seq {
		out[i] = []any{i, v}
	}
	return out, nil
}

func zip(params ...any) (any, error) {
	if len(params) == 0 {
		return []any{}, nil
	}
	seqs := make([][]any, len(params))
	n := math.MaxInt
	for i, p := range params {
		seq, ok := p.([]any)
		if !ok {
			return nil, fmt.Errorf("zip argument %d is not a sequence", i+1)
		}
		seqs[i] = seq
		n = min(n, len(seq))
	}
	out := make([]any, n)
	for i := range out {
		row := make([]any, len(seqs))
		for j, seq := range seqs {
			row[j] = seq[i]
		}
		out[i] = row
	}
	return out, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int(n), true
		}
	}
	return 0, false
}
