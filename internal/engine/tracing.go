package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "github.com/rendis/rlm/internal/engine"

	spanProcess   = "rlm.process"
	spanModelCall = "rlm.model_call"
	spanSnippet   = "rlm.snippet"

	attrRunID        = "rlm.run_id"
	attrDepth        = "rlm.depth"
	attrModel        = "rlm.model"
	attrSnippetIndex = "rlm.snippet.index"
	attrSnippetLang  = "rlm.snippet.language"
	attrSnippets     = "rlm.snippets"
	attrStatus       = "rlm.status"
)

func (c *Controller) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func markSpanResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(attrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(attrStatus, "success"))
}
