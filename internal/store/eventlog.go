package store

import (
	"context"
	"encoding/json"

	"github.com/rendis/rlm/pkg/schema"
)

// EventLog reads a run's event trail back into the controller's terms.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// TrailEntry is one executed snippet rebuilt from the event trail.
type TrailEntry struct {
	Depth      int            `json:"depth"`
	Sequence   int64          `json:"sequence"`
	Snippet    schema.Snippet `json:"snippet"`
	Succeeded  bool           `json:"succeeded"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Printed    []string       `json:"printed,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// RunSummary aggregates a run's event trail.
type RunSummary struct {
	RunID      string       `json:"run_id"`
	Events     int          `json:"events"`
	ModelCalls int          `json:"model_calls"`
	MaxDepth   int          `json:"max_depth"`
	Trail      []TrailEntry `json:"trail"`
	Finished   bool         `json:"finished"`
	Failed     bool         `json:"failed"`
}

// Summarize replays all events of a run. Trail holds the executed snippets
// in execution order. Returns an error if sequence gaps are detected.
func (el *EventLog) Summarize(ctx context.Context, runID string) (*RunSummary, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{RunID: runID, Events: len(events), Trail: []TrailEntry{}}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
		summary.MaxDepth = max(summary.MaxDepth, e.Depth)

		switch e.Type {
		case schema.EventModelInvoked:
			summary.ModelCalls++
		case schema.EventSnippetSucceeded, schema.EventSnippetFailed:
			var p SnippetPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"decode %s event %d of run %s", e.Type, e.Sequence, runID).WithCause(err)
			}
			summary.Trail = append(summary.Trail, TrailEntry{
				Depth:      e.Depth,
				Sequence:   e.Sequence,
				Snippet:    p.Snippet,
				Succeeded:  p.Succeeded,
				Output:     p.Output,
				Error:      p.Error,
				Printed:    p.Printed,
				DurationMs: p.DurationMs,
			})
		case schema.EventRunCompleted:
			summary.Finished = true
		case schema.EventRunFailed:
			summary.Finished = true
			summary.Failed = true
		}
	}
	return summary, nil
}
