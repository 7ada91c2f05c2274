package schema

import "time"

// Snippet is an executable block extracted from a model reply.
// Index is the zero-based position of the block in the reply and doubles as
// its execution order.
type Snippet struct {
	Index    int    `json:"index"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// Options configures a recursion controller.
type Options struct {
	Model             string        `json:"model"`
	MaxTokens         int           `json:"max_tokens"`
	Temperature       float64       `json:"temperature"`
	MaxRecursionDepth int           `json:"max_recursion_depth"`
	Verbose           bool          `json:"verbose"`
	SnippetTimeout    time.Duration `json:"snippet_timeout,omitempty"`
	MaxStatements     int           `json:"max_statements,omitempty"`
}

// Defaults for Options.
const (
	DefaultModel             = "gpt-4"
	DefaultMaxTokens         = 4000
	DefaultTemperature       = 0.2
	DefaultMaxRecursionDepth = 5
	DefaultSnippetTimeout    = 5 * time.Second
	DefaultMaxStatements     = 1000
)

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		Model:             DefaultModel,
		MaxTokens:         DefaultMaxTokens,
		Temperature:       DefaultTemperature,
		MaxRecursionDepth: DefaultMaxRecursionDepth,
		Verbose:           true,
		SnippetTimeout:    DefaultSnippetTimeout,
		MaxStatements:     DefaultMaxStatements,
	}
}

// WithDefaults fills zero-valued limits with their defaults. Temperature and
// Verbose are left alone because their zero values are meaningful.
func (o Options) WithDefaults() Options {
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.MaxRecursionDepth <= 0 {
		o.MaxRecursionDepth = DefaultMaxRecursionDepth
	}
	if o.SnippetTimeout <= 0 {
		o.SnippetTimeout = DefaultSnippetTimeout
	}
	if o.MaxStatements <= 0 {
		o.MaxStatements = DefaultMaxStatements
	}
	return o
}
