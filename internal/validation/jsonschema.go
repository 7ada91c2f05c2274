package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/rlm/internal/state"
	"github.com/rendis/rlm/pkg/schema"
)

const (
	optionsSchemaURL = "https://rlm.dev/schemas/options.json"
	contextSchemaURL = "https://rlm.dev/schemas/context.json"

	inputSchemaCacheSize = 64
)

// optionsSchemaJSON describes schema.Options as encoded by encoding/json.
// snippet_timeout is a duration in nanoseconds.
const optionsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://rlm.dev/schemas/options.json",
  "type": "object",
  "required": ["model", "max_tokens", "temperature", "max_recursion_depth"],
  "properties": {
    "model": {
      "type": "string",
      "minLength": 1
    },
    "max_tokens": {
      "type": "integer",
      "minimum": 1,
      "maximum": 1000000
    },
    "temperature": {
      "type": "number",
      "minimum": 0,
      "maximum": 2
    },
    "max_recursion_depth": {
      "type": "integer",
      "minimum": 1,
      "maximum": 100
    },
    "verbose": {
      "type": "boolean"
    },
    "snippet_timeout": {
      "type": "integer",
      "minimum": 0
    },
    "max_statements": {
      "type": "integer",
      "minimum": 0
    }
  },
  "additionalProperties": false
}`

// contextSchemaJSON describes an initial execution context. The reserved
// keys only accept values the controller can use.
const contextSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://rlm.dev/schemas/context.json",
  "type": "object",
  "propertyNames": {
    "minLength": 1
  },
  "properties": {
    "next_prompt": {
      "type": "string",
      "minLength": 1
    }
  }
}`

// JSONSchemaValidator implements Validator. It is safe for concurrent use.
type JSONSchemaValidator struct {
	optionsSchema *jsonschema.Schema
	contextSchema *jsonschema.Schema

	// cache holds compiled caller-supplied schemas keyed by their source.
	cache *lru.Cache[string, *jsonschema.Schema]
	seq   atomic.Int64
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the built-in
// schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	for url, src := range map[string]string{
		optionsSchemaURL: optionsSchemaJSON,
		contextSchemaURL: contextSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	optionsSchema, err := c.Compile(optionsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile options schema: %w", err)
	}
	contextSchema, err := c.Compile(contextSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile context schema: %w", err)
	}

	cache, err := lru.New[string, *jsonschema.Schema](inputSchemaCacheSize)
	if err != nil {
		return nil, err
	}

	return &JSONSchemaValidator{
		optionsSchema: optionsSchema,
		contextSchema: contextSchema,
		cache:         cache,
	}, nil
}

// ValidateOptions validates controller options. Callers apply defaults first.
func (v *JSONSchemaValidator) ValidateOptions(opts schema.Options) error {
	doc, err := toJSONValue(opts)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize options").WithCause(err)
	}
	if err := v.optionsSchema.Validate(doc); err != nil {
		return toRLMError(err)
	}
	return nil
}

// ValidateContext validates an initial execution context: it must be a
// mapping of union values with non-empty keys.
func (v *JSONSchemaValidator) ValidateContext(c map[string]any) error {
	if c == nil {
		return nil
	}
	if _, err := state.FromMap(c); err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	doc, err := toJSONValue(c)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize context").WithCause(err)
	}
	if err := v.contextSchema.Validate(doc); err != nil {
		return toRLMError(err)
	}
	return nil
}

// ValidateInput validates input against a JSON Schema provided as raw bytes.
// Compiled schemas are cached.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toRLMError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)
	if cached, ok := v.cache.Get(key); ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets its own compiler and URL so resources never collide.
	url := fmt.Sprintf("rlm://input-schema/%d", v.seq.Add(1))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache.Add(key, compiled)
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toRLMError converts a jsonschema.ValidationError into an RLMError listing
// each violation with its instance location.
func toRLMError(err error) *schema.RLMError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)
