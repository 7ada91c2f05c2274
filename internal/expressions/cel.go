package expressions

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/rlm/internal/state"
	"github.com/rendis/rlm/pkg/schema"
)

// DefaultCELCostLimit bounds the runtime cost of a single CEL evaluation.
const DefaultCELCostLimit = 1_000_000

// CELEngine implements the Engine interface using Google's Common Expression Language.
// Every key of the evaluation data is declared as a dynamically typed variable,
// except "context" which is declared as map(string, dyn).
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env       *cel.Env
	costLimit uint64
	cache     *lru.Cache[string, cel.Program]
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
// CEL has no I/O in its standard library; the cost limit bounds runaway
// comprehensions.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	cache, _ := lru.New[string, cel.Program](DefaultCacheSize)
	return &CELEngine{
		env:       env,
		costLimit: DefaultCELCostLimit,
		cache:     cache,
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided data. The result is converted into the context value union.
//
// Returns the evaluation result or an RLMError with clear, actionable messages.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression, data)
	if err != nil {
		return nil, err
	}

	activation := buildActivation(data)

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	native, err := celToNative(out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL result of %q: %s", expression, err.Error()).
			WithCause(err)
	}
	return native, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string, data map[string]any) (cel.Program, error) {
	key := cacheKey(expression, data)
	if prg, ok := e.cache.Get(key); ok {
		return prg, nil
	}

	env, err := e.extend(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL environment for %q: %s", expression, err.Error()).WithCause(err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(ast,
		cel.CostLimit(e.costLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache.Add(key, prg)
	return prg, nil
}

// extend declares every data key other than "context" as a dyn variable.
func (e *CELEngine) extend(data map[string]any) (*cel.Env, error) {
	names := make([]string, 0, len(data))
	for k := range data {
		if k != "context" {
			names = append(names, k)
		}
	}
	if len(names) == 0 {
		return e.env, nil
	}
	sort.Strings(names)

	opts := make([]cel.EnvOption, 0, len(names))
	for _, n := range names {
		opts = append(opts, cel.Variable(n, cel.DynType))
	}
	return e.env.Extend(opts...)
}

// buildActivation creates the evaluation activation map from the data.
// A missing context defaults to an empty map to prevent nil-ref errors.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(data)+1)
	for k, v := range data {
		activation[k] = v
	}
	if v, ok := activation["context"]; !ok || v == nil {
		activation["context"] = map[string]any{}
	}
	if c, ok := activation["context"].(state.Context); ok {
		activation["context"] = map[string]any(c)
	}
	return activation
}

// celToNative converts a CEL value into the context value union.
func celToNative(val ref.Val) (any, error) {
	switch v := val.(type) {
	case types.Null:
		return nil, nil
	case types.Bool:
		return bool(v), nil
	case types.Int:
		return state.Normalize(int64(v))
	case types.Uint:
		return state.Normalize(uint64(v))
	case types.Double:
		return float64(v), nil
	case types.String:
		return string(v), nil
	case types.Bytes:
		return string(v), nil
	case traits.Mapper:
		out := make(map[string]any)
		it := v.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			ks, ok := k.(types.String)
			if !ok {
				return nil, fmt.Errorf("map key %v is not a string", k.Value())
			}
			item, err := celToNative(v.Get(k))
			if err != nil {
				return nil, err
			}
			out[string(ks)] = item
		}
		return out, nil
	case traits.Lister:
		n, ok := v.Size().(types.Int)
		if !ok {
			return nil, fmt.Errorf("list has no size")
		}
		out := make([]any, 0, int(n))
		for i := types.Int(0); i < n; i++ {
			item, err := celToNative(v.Get(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	default:
		return state.Normalize(val.Value())
	}
}

var _ Engine = (*CELEngine)(nil)
