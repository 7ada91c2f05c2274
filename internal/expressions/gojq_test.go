package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rlm/pkg/schema"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*GoJQEngine)(nil)
}

func TestGoJQ_Identity(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"a": 1, "b": "x"}

	out, err := e.Evaluate(context.Background(), `.`, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": "x"}, out)
}

func TestGoJQ_ObjectConstruction(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"user": map[string]any{"first_name": "Alice", "last_name": "Smith", "age": 30},
	}

	out, err := e.Evaluate(context.Background(), `{name: (.user.first_name + " " + .user.last_name), age: .user.age}`, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Alice Smith", "age": 30}, out)
}

func TestGoJQ_Aggregation(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"values": []any{3, 1, 4, 1, 5},
		"tags":   []any{"go", "rust", "go"},
	}

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"add", `.values | add`, 14},
		{"length", `.values | length`, 5},
		{"min", `.values | min`, 1},
		{"unique", `.tags | unique`, []any{"go", "rust"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tc.expression, data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"items": []any{"a", "b", "c"}}

	out, err := e.Evaluate(context.Background(), `.items[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, out)

	results, err := e.EvaluateAll(context.Background(), `.items[]`, data)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestGoJQ_EvaluateAll_Empty(t *testing.T) {
	e := NewGoJQEngine()

	results, err := e.EvaluateAll(context.Background(), `.items[]`, map[string]any{"items": []any{}})
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestGoJQ_DoesNotMutateInput(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"a": 1}

	_, err := e.Evaluate(context.Background(), `.a = 2`, data)
	require.NoError(t, err)
	assert.Equal(t, 1, data["a"])
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	t.Run("empty", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "", nil)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})

	t.Run("parse", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `.a |`, nil)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})

	t.Run("runtime", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `.a + 1`, map[string]any{"a": "x"})
		assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
	})

	t.Run("explicit error", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `error("boom")`, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestGoJQ_EnvironmentBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}
