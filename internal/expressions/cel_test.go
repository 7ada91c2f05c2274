package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rlm/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCELEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
}

func TestCEL_Arithmetic(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `5 * 4 * 3 * 2 * 1`, nil)
	require.NoError(t, err)
	assert.Equal(t, 120, out)

	out, err = e.Evaluate(context.Background(), `1.5 + 1.0`, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.5, out)
}

func TestCEL_ContextAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"context": map[string]any{
			"doc":   "hello world",
			"count": 3,
			"tags":  []any{"a", "b"},
		},
	}

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"index", `context["doc"]`, "hello world"},
		{"member", `context.count + 1`, 4},
		{"size", `size(context.tags)`, 2},
		{"has", `has(context.doc)`, true},
		{"contains", `context.doc.contains("world")`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tc.expression, data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestCEL_LocalVariables(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"context": map[string]any{},
		"total":   10,
		"name":    "rlm",
	}
	out, err := e.Evaluate(context.Background(), `name + ":" + string(total * 2)`, data)
	require.NoError(t, err)
	assert.Equal(t, "rlm:20", out)
}

func TestCEL_CompositeResults(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `{"xs": [1, 2].map(x, x * 10), "ok": true}`, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"xs": []any{10, 20}, "ok": true}, out)

	out, err = e.Evaluate(context.Background(), `null`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "", nil)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})

	t.Run("compile", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `1 +`, nil)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `context.missing`, map[string]any{"context": map[string]any{}})
		assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
	})

	t.Run("no system access", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `os.env["HOME"]`, nil)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})
}

func TestCEL_ProgramCaching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{"x": 1}
	out1, err := e.Evaluate(context.Background(), `x + 1`, data)
	require.NoError(t, err)
	out2, err := e.Evaluate(context.Background(), `x + 1`, data)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
	assert.Equal(t, 1, e.cache.Len())
}

func TestCEL_Concurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 100)
	results := make([]any, 100)
	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data := map[string]any{"context": map[string]any{"val": idx}}
			results[idx], errs[idx] = e.Evaluate(context.Background(), `context.val >= 0`, data)
		}(i)
	}
	wg.Wait()

	for i := range 100 {
		assert.NoError(t, errs[i], "goroutine %d should not error", i)
		assert.Equal(t, true, results[i], "goroutine %d should return true", i)
	}
}
