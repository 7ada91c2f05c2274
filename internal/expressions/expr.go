package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/rlm/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. Programs
// are compiled against the caller's variables with the engine's options
// appended, so a caller can restrict the builtin set and add functions.
// Unknown identifiers are compile errors.
// Thread-safe: compiled *vm.Program objects are cached in a bounded LRU.
type ExprEngine struct {
	options []expr.Option
	cache   *lru.Cache[string, *vm.Program]
}

// NewExprEngine creates a new Expr expression engine. opts are applied after
// the environment on every compilation.
func NewExprEngine(opts ...expr.Option) *ExprEngine {
	cache, _ := lru.New[string, *vm.Program](DefaultCacheSize)
	return &ExprEngine{options: opts, cache: cache}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and evaluates it
// against the provided data. The data map is injected as the expression environment,
// making all keys available as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "expr evaluation cancelled").WithCause(err)
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *ExprEngine) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	key := cacheKey(expression, env)
	if prg, ok := e.cache.Get(key); ok {
		return prg, nil
	}

	opts := make([]expr.Option, 0, len(e.options)+1)
	opts = append(opts, expr.Env(env))
	opts = append(opts, e.options...)

	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache.Add(key, prg)
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
