package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/rlm/internal/expressions"
	"github.com/rendis/rlm/internal/state"
)

var (
	errImport    = errors.New("import statements are not allowed in snippets")
	errTimeout   = errors.New("snippet exceeded its time limit")
	errStatement = errors.New("snippet exceeded its statement limit")
)

// interpreter runs the statement language against a working copy of the
// context. Right-hand sides and index expressions are evaluated by engine
// with the snippet's variables, the host functions and "context" in scope.
type interpreter struct {
	engine        expressions.Engine
	host          map[string]any
	reserved      map[string]bool
	maxStatements int
	// print, when set, handles statements of the form print(args) for
	// dialects without host functions.
	print func(args ...any) any

	work   state.Context
	locals map[string]any
}

func (in *interpreter) run(ctx context.Context, code string) error {
	stmts, err := splitStatements(code)
	if err != nil {
		return err
	}
	if in.maxStatements > 0 && len(stmts) > in.maxStatements {
		return fmt.Errorf("%w: %d statements, limit %d", errStatement, len(stmts), in.maxStatements)
	}
	if in.locals == nil {
		in.locals = map[string]any{}
	}

	for _, st := range stmts {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errTimeout
			}
			return err
		}
		if err := in.exec(ctx, st); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errTimeout
			}
			return fmt.Errorf("line %d: %w", st.Line, err)
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errTimeout
	}
	return nil
}

func (in *interpreter) exec(ctx context.Context, st statement) error {
	switch st.Kind {
	case stmtImport:
		return errImport
	case stmtExpr:
		if in.print != nil {
			if args, ok := printCall(st.Expr); ok {
				return in.printArgs(ctx, args)
			}
		}
		_, err := in.eval(ctx, st.Expr)
		return err
	case stmtDelete:
		keys, err := in.resolvePath(ctx, st.Target.Path)
		if err != nil {
			return err
		}
		return deletePath(in.work, keys)
	case stmtAssign:
		return in.assign(ctx, st)
	}
	return fmt.Errorf("unknown statement %q", st.Text)
}

func (in *interpreter) assign(ctx context.Context, st statement) error {
	tgt := st.Target
	if tgt.Local != "" && in.reserved[tgt.Local] {
		return fmt.Errorf("cannot assign to reserved name %q", tgt.Local)
	}

	rhs := st.Expr
	if st.Op != 0 {
		rhs = fmt.Sprintf("(%s) %c (%s)", tgt.Text, st.Op, st.Expr)
	}
	v, err := in.eval(ctx, rhs)
	if err != nil {
		return err
	}
	v, err = state.Normalize(v)
	if err != nil {
		return fmt.Errorf("cannot store result of %q: %w", st.Expr, err)
	}

	switch {
	case tgt.Local != "":
		in.locals[tgt.Local] = v
		return nil
	case len(tgt.Path) == 0:
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("context must be a mapping, got %s", state.KindOf(v))
		}
		in.work = state.Context(m)
		return nil
	}

	keys, err := in.resolvePath(ctx, tgt.Path)
	if err != nil {
		return err
	}
	return setPath(in.work, keys, v)
}

// printArgs evaluates a print argument list as a list literal.
func (in *interpreter) printArgs(ctx context.Context, args string) error {
	if strings.TrimSpace(args) == "" {
		in.print()
		return nil
	}
	v, err := in.eval(ctx, "["+args+"]")
	if err != nil {
		return err
	}
	v, err = state.Normalize(v)
	if err != nil {
		return err
	}
	list, ok := v.([]any)
	if !ok {
		return fmt.Errorf("print arguments must form a list, got %s", state.KindOf(v))
	}
	in.print(list...)
	return nil
}

// eval evaluates one expression with the current scope.
func (in *interpreter) eval(ctx context.Context, expression string) (any, error) {
	data := make(map[string]any, len(in.locals)+len(in.host)+1)
	for k, v := range in.locals {
		data[k] = v
	}
	for k, v := range in.host {
		data[k] = v
	}
	data["context"] = map[string]any(in.work)
	return in.engine.Evaluate(ctx, strings.TrimSpace(expression), data)
}

// resolvePath turns accessors into concrete keys: strings for mappings and
// ints for sequences.
func (in *interpreter) resolvePath(ctx context.Context, path []accessor) ([]any, error) {
	keys := make([]any, len(path))
	for i, acc := range path {
		if acc.Expr == "" {
			keys[i] = acc.Key
			continue
		}
		v, err := in.eval(ctx, acc.Expr)
		if err != nil {
			return nil, err
		}
		switch k := v.(type) {
		case string:
			keys[i] = k
		default:
			n, ok := asInt(v)
			if !ok {
				return nil, fmt.Errorf("index %q must be text or an integer, got %s", acc.Expr, state.KindOf(v))
			}
			keys[i] = n
		}
	}
	return keys, nil
}

// setPath stores v at keys under root, creating intermediate mappings for
// absent keys.
func setPath(root map[string]any, keys []any, v any) error {
	var cur any = root
	for i, k := range keys {
		last := i == len(keys)-1
		switch c := cur.(type) {
		case map[string]any:
			ks, ok := k.(string)
			if !ok {
				return fmt.Errorf("mapping key must be text, got %v", k)
			}
			if last {
				c[ks] = v
				return nil
			}
			next, exists := c[ks]
			if !exists || next == nil {
				next = map[string]any{}
				c[ks] = next
			}
			cur = next
		case []any:
			idx, err := seqIndex(c, k)
			if err != nil {
				return err
			}
			if last {
				c[idx] = v
				return nil
			}
			cur = c[idx]
		default:
			return fmt.Errorf("cannot index into %s", state.KindOf(cur))
		}
	}
	return nil
}

// deletePath removes the mapping key addressed by keys. Missing keys are
// ignored.
func deletePath(root map[string]any, keys []any) error {
	var cur any = root
	for i, k := range keys {
		last := i == len(keys)-1
		switch c := cur.(type) {
		case map[string]any:
			ks, ok := k.(string)
			if !ok {
				return fmt.Errorf("mapping key must be text, got %v", k)
			}
			if last {
				delete(c, ks)
				return nil
			}
			next, exists := c[ks]
			if !exists {
				return nil
			}
			cur = next
		case []any:
			if last {
				return fmt.Errorf("can only delete mapping keys")
			}
			idx, err := seqIndex(c, k)
			if err != nil {
				return err
			}
			cur = c[idx]
		default:
			return fmt.Errorf("cannot index into %s", state.KindOf(cur))
		}
	}
	return nil
}

func seqIndex(seq []any, k any) (int, error) {
	idx, ok := k.(int)
	if !ok {
		return 0, fmt.Errorf("sequence index must be an integer, got %v", k)
	}
	if idx < 0 {
		idx += len(seq)
	}
	if idx < 0 || idx >= len(seq) {
		return 0, fmt.Errorf("index %d out of range for sequence of length %d", k, len(seq))
	}
	return idx, nil
}
