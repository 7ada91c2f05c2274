// Package validation checks controller options and initial contexts before a
// run starts. Uses JSON Schema Draft 2020-12.
package validation

import "github.com/rendis/rlm/pkg/schema"

// Validator checks run inputs for correctness before execution.
type Validator interface {
	ValidateOptions(opts schema.Options) error
	ValidateContext(c map[string]any) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
