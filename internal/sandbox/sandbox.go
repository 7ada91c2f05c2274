// Package sandbox executes model-authored snippets against a copy of the
// execution context. Snippets run in restricted interpreters with no access
// to the filesystem, network, processes or environment of the host.
//
// The interpreters bound what a snippet can call and how long it runs. They
// are not process isolation: a host that feeds untrusted input to the model
// should run rlm itself under OS-level limits.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/rlm/internal/expressions"
	"github.com/rendis/rlm/internal/logging"
	"github.com/rendis/rlm/internal/state"
	"github.com/rendis/rlm/pkg/schema"
)

// Dialects selected by a snippet's fence tag.
const (
	DialectStatements = "expr"
	DialectCEL        = "cel"
	DialectJQ         = "jq"
)

// dialects maps fence tags to dialects. Untagged blocks and the tags models
// habitually emit for general-purpose code run as the statement language.
var dialects = map[string]string{
	"":       DialectStatements,
	"expr":   DialectStatements,
	"rlm":    DialectStatements,
	"python": DialectStatements,
	"py":     DialectStatements,
	"cel":    DialectCEL,
	"jq":     DialectJQ,
}

// DialectFor returns the dialect that runs snippets tagged lang.
func DialectFor(lang string) (string, bool) {
	d, ok := dialects[strings.ToLower(lang)]
	return d, ok
}

// Default limits.
const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxStatements = 1000
	DefaultMaxNodes      = 10000
	maxPrintedLines      = 1000
)

// Config bounds snippet execution.
type Config struct {
	Timeout       time.Duration
	MaxStatements int
	MaxNodes      uint
	Logger        *slog.Logger
}

// Outcome is the result of executing one snippet. On failure Context equals
// the context the snippet was given.
type Outcome struct {
	Succeeded  bool          `json:"succeeded"`
	Context    state.Context `json:"context"`
	Output     any           `json:"output,omitempty"`
	HasOutput  bool          `json:"has_output"`
	Error      string        `json:"error,omitempty"`
	Printed    []string      `json:"printed,omitempty"`
	DurationMs int64         `json:"duration_ms"`

	// Err carries the structured failure; nil on success.
	Err error `json:"-"`
}

// Executor runs snippets. It is safe for concurrent use; each call works on
// its own copy of the context.
type Executor struct {
	cfg    Config
	expr   *expressions.ExprEngine
	cel    *expressions.CELEngine
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// New creates an Executor. Zero limits take their defaults.
func New(cfg Config) (*Executor, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxStatements <= 0 {
		cfg.MaxStatements = DefaultMaxStatements
	}
	if cfg.MaxNodes == 0 {
		cfg.MaxNodes = DefaultMaxNodes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Executor{
		cfg:    cfg,
		expr:   expressions.NewExprEngine(exprOptions(cfg.MaxNodes)...),
		cel:    celEngine,
		jq:     expressions.NewGoJQEngine(),
		logger: logger,
	}, nil
}

// Execute runs snippet against a copy of in. in is never modified.
func (x *Executor) Execute(ctx context.Context, snippet schema.Snippet, in state.Context) *Outcome {
	start := time.Now()
	out := &printer{}

	result, err := x.run(ctx, snippet, in.Clone(), out)

	outcome := &Outcome{
		Printed:    out.snapshot(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		outcome.Context = in.Clone()
		outcome.Error = err.Error()
		outcome.Err = schema.NewErrorf(schema.ErrCodeSnippetExecution,
			"snippet %d (%s) failed: %s", snippet.Index, languageLabel(snippet.Language), err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"index": snippet.Index, "language": snippet.Language})
		logging.LogWith(ctx, x.logger).Debug("snippet failed",
			"index", snippet.Index, "language", snippet.Language, "error", err)
		return outcome
	}

	outcome.Succeeded = true
	outcome.Context = result
	if result.Has(state.KeyOutput) {
		outcome.Output = result.Get(state.KeyOutput)
		outcome.HasOutput = true
	}
	return outcome
}

// run evaluates snippet under the wall-clock limit. Evaluation happens on
// its own goroutine so that a single long statement cannot outlive the
// limit; an abandoned evaluation only ever touches its private copy of the
// context and finishes in the background.
func (x *Executor) run(ctx context.Context, snippet schema.Snippet, work state.Context, out *printer) (state.Context, error) {
	dialect, ok := DialectFor(snippet.Language)
	if !ok {
		return nil, fmt.Errorf("unsupported snippet language %q", snippet.Language)
	}

	ctx, cancel := context.WithTimeout(ctx, x.cfg.Timeout)
	defer cancel()

	type result struct {
		ctx state.Context
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("snippet panicked: %v", r)}
			}
		}()
		c, err := x.runDialect(ctx, dialect, snippet.Code, work, out)
		done <- result{ctx: c, err: err}
	}()

	select {
	case r := <-done:
		return r.ctx, r.err
	case <-ctx.Done():
		out.close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		return nil, ctx.Err()
	}
}

func (x *Executor) runDialect(ctx context.Context, dialect, code string, work state.Context, out *printer) (state.Context, error) {
	switch dialect {
	case DialectJQ:
		return x.runJQ(ctx, code, work)
	case DialectCEL:
		in := &interpreter{
			engine:        x.cel,
			reserved:      map[string]bool{"context": true},
			maxStatements: x.cfg.MaxStatements,
			print:         out.print,
			work:          work,
		}
		if err := in.run(ctx, code); err != nil {
			return nil, err
		}
		return in.work, nil
	default:
		in := &interpreter{
			engine:        x.expr,
			host:          map[string]any{"print": out.print},
			reserved:      reservedNames(),
			maxStatements: x.cfg.MaxStatements,
			work:          work,
		}
		if err := in.run(ctx, code); err != nil {
			return nil, err
		}
		return in.work, nil
	}
}

// runJQ treats the snippet as a filter from the context to the new context.
func (x *Executor) runJQ(ctx context.Context, code string, work state.Context) (state.Context, error) {
	results, err := x.jq.EvaluateAll(ctx, strings.TrimSpace(code), map[string]any(work))
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		return nil, err
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("jq snippet must produce exactly one value, got %d", len(results))
	}
	m, ok := results[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("jq snippet must produce a mapping, got %s", state.KindOf(results[0]))
	}
	return state.Context(m), nil
}

func languageLabel(lang string) string {
	if lang == "" {
		return "untagged"
	}
	return lang
}

// printer collects print() output for one execution. Once closed it drops
// further lines from an abandoned evaluation.
type printer struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (p *printer) print(args ...any) any {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = state.Text(a)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.lines) >= maxPrintedLines {
		return nil
	}
	p.lines = append(p.lines, strings.Join(parts, " "))
	return nil
}

func (p *printer) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// snapshot returns the lines printed so far.
func (p *printer) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}
