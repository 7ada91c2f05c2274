package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	depthKey
	snippetIndexKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithDepth returns a context with the recursion depth set.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

// WithSnippetIndex returns a context with the index of the executing snippet set.
func WithSnippetIndex(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, snippetIndexKey, index)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Depth extracts the recursion depth from the context. ok is false if absent.
func Depth(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(depthKey).(int)
	return v, ok
}

// SnippetIndex extracts the snippet index from the context. ok is false if absent.
func SnippetIndex(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(snippetIndexKey).(int)
	return v, ok
}

// attrs collects the correlation attributes present on ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if id := RunID(ctx); id != "" {
		out = append(out, slog.String("run_id", id))
	}
	if d, ok := Depth(ctx); ok {
		out = append(out, slog.Int("depth", d))
	}
	if i, ok := SnippetIndex(ctx); ok {
		out = append(out, slog.Int("snippet_index", i))
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only values present on the context are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
