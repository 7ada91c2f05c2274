package validation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rlm/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func requireValidationError(t *testing.T, err error) *schema.RLMError {
	t.Helper()
	require.Error(t, err)
	rerr, ok := err.(*schema.RLMError)
	require.True(t, ok, "expected *schema.RLMError, got %T", err)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
	return rerr
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v := newValidator(t)
	assert.NotNil(t, v.optionsSchema)
	assert.NotNil(t, v.contextSchema)
}

// --- ValidateOptions ---

func TestValidateOptions_Defaults(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateOptions(schema.DefaultOptions()))
	assert.NoError(t, v.ValidateOptions(schema.Options{}.WithDefaults()))
}

func TestValidateOptions_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.Options)
		field  string
	}{
		{"empty model", func(o *schema.Options) { o.Model = "" }, "/model"},
		{"zero max tokens", func(o *schema.Options) { o.MaxTokens = 0 }, "/max_tokens"},
		{"negative temperature", func(o *schema.Options) { o.Temperature = -0.1 }, "/temperature"},
		{"temperature too high", func(o *schema.Options) { o.Temperature = 2.5 }, "/temperature"},
		{"zero depth", func(o *schema.Options) { o.MaxRecursionDepth = 0 }, "/max_recursion_depth"},
		{"depth too large", func(o *schema.Options) { o.MaxRecursionDepth = 1000 }, "/max_recursion_depth"},
		{"negative timeout", func(o *schema.Options) { o.SnippetTimeout = -time.Second }, "/snippet_timeout"},
		{"negative statements", func(o *schema.Options) { o.MaxStatements = -1 }, "/max_statements"},
	}
	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := schema.DefaultOptions()
			tt.mutate(&opts)

			rerr := requireValidationError(t, v.ValidateOptions(opts))
			assert.Contains(t, rerr.Message, tt.field)
		})
	}
}

func TestValidateOptions_MultipleViolations(t *testing.T) {
	v := newValidator(t)
	opts := schema.DefaultOptions()
	opts.Model = ""
	opts.MaxTokens = -5

	rerr := requireValidationError(t, v.ValidateOptions(opts))
	assert.Contains(t, rerr.Message, "2 errors")
	violations, ok := rerr.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)
}

// --- ValidateContext ---

func TestValidateContext_Valid(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateContext(nil))
	assert.NoError(t, v.ValidateContext(map[string]any{}))
	assert.NoError(t, v.ValidateContext(map[string]any{
		"doc":         "long text",
		"chunks":      []any{"a", "b"},
		"meta":        map[string]any{"pages": 3, "ratio": 0.5, "draft": false},
		"next_prompt": "summarize",
		"empty":       nil,
	}))
}

func TestValidateContext_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
	}{
		{"empty key", map[string]any{"": 1}},
		{"non-text next_prompt", map[string]any{"next_prompt": 3}},
		{"empty next_prompt", map[string]any{"next_prompt": ""}},
		{"unsupported value", map[string]any{"fn": func() {}}},
		{"channel", map[string]any{"ch": make(chan int)}},
	}
	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireValidationError(t, v.ValidateContext(tt.in))
		})
	}
}

// --- ValidateInput ---

func TestValidateInput_NilInput(t *testing.T) {
	v := newValidator(t)
	rerr := requireValidationError(t, v.ValidateInput(nil, []byte(`{"type": "object"}`)))
	assert.Contains(t, rerr.Message, "nil")
}

func TestValidateInput_EmptySchema(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateInput(map[string]any{"foo": "bar"}, nil))
	assert.NoError(t, v.ValidateInput(map[string]any{"foo": "bar"}, []byte{}))
}

func TestValidateInput(t *testing.T) {
	inputSchema := []byte(`{
		"type": "object",
		"required": ["doc"],
		"properties": {
			"doc": {"type": "string", "minLength": 1},
			"pages": {"type": "integer", "minimum": 1},
			"lang": {"type": "string", "pattern": "^[a-z]{2}$"}
		}
	}`)

	tests := []struct {
		name    string
		input   map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"doc": "text", "pages": 2, "lang": "en"}, false},
		{"missing required", map[string]any{"pages": 2}, true},
		{"wrong type", map[string]any{"doc": "text", "pages": "two"}, true},
		{"minimum", map[string]any{"doc": "text", "pages": 0}, true},
		{"pattern", map[string]any{"doc": "text", "lang": "ENG"}, true},
	}
	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateInput(tt.input, inputSchema)
			if tt.wantErr {
				requireValidationError(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateInput_InvalidSchema(t *testing.T) {
	v := newValidator(t)
	rerr := requireValidationError(t, v.ValidateInput(map[string]any{}, []byte(`{not json`)))
	assert.Contains(t, rerr.Message, "invalid input schema")
}

func TestValidateInput_CachesCompiledSchema(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type": "object"}`)

	require.NoError(t, v.ValidateInput(map[string]any{"a": 1}, s))
	require.NoError(t, v.ValidateInput(map[string]any{"b": 2}, s))
	assert.Equal(t, 1, v.cache.Len())
	assert.Equal(t, int64(1), v.seq.Load())
}

func TestValidateInput_Concurrent(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type": "object", "required": ["n"]}`)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateInput(map[string]any{"n": i}, s))
		}()
	}
	wg.Wait()
}
