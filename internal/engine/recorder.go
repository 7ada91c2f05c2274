package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/rlm/internal/logging"
	"github.com/rendis/rlm/internal/sandbox"
	"github.com/rendis/rlm/internal/state"
	"github.com/rendis/rlm/internal/store"
	"github.com/rendis/rlm/pkg/schema"
)

// RunStore is the part of store.Store the controller writes to.
type RunStore interface {
	EventAppender
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
}

// recorder persists one run and its events. Persistence failures are logged
// and never fail the run; a run whose record could not be created stops
// writing altogether.
type recorder struct {
	store  RunStore
	runID  string
	logger *slog.Logger
}

func (r *recorder) enabled() bool {
	return r != nil && r.store != nil
}

// AppendEvent implements EventAppender for the FSM.
func (r *recorder) AppendEvent(ctx context.Context, e *store.Event) error {
	if !r.enabled() {
		return nil
	}
	if e.RunID == "" {
		e.RunID = r.runID
	}
	if err := r.store.AppendEvent(context.WithoutCancel(ctx), e); err != nil {
		logging.LogWith(ctx, r.logger).Warn("persist event failed", "event", e.Type, "error", err)
	}
	return nil
}

func (r *recorder) emit(ctx context.Context, depth int, snippetIndex *int, eventType string, payload any) {
	if !r.enabled() {
		return
	}
	e := &store.Event{RunID: r.runID, Depth: depth, SnippetIndex: snippetIndex, Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logging.LogWith(ctx, r.logger).Warn("encode event payload failed", "event", eventType, "error", err)
			return
		}
		e.Payload = data
	}
	_ = r.AppendEvent(ctx, e)
}

func (r *recorder) start(ctx context.Context, task string, opts schema.Options, initial state.Context, depth int) {
	if !r.enabled() {
		return
	}
	run := &store.Run{
		ID:             r.runID,
		Task:           task,
		Status:         schema.RunStatusRunning,
		Options:        marshalOrNil(opts),
		InitialContext: marshalOrNil(initial),
		Depth:          depth,
	}
	if err := r.store.CreateRun(context.WithoutCancel(ctx), run); err != nil {
		logging.LogWith(ctx, r.logger).Warn("persist run failed, continuing without a record", "error", err)
		r.store = nil
		return
	}
	r.emit(ctx, depth, nil, schema.EventRunStarted, map[string]any{"task": task})
}

func (r *recorder) snippet(ctx context.Context, depth int, sn schema.Snippet, outcome *sandbox.Outcome) {
	eventType := schema.EventSnippetSucceeded
	if !outcome.Succeeded {
		eventType = schema.EventSnippetFailed
	}
	idx := sn.Index
	r.emit(ctx, depth, &idx, eventType, store.SnippetPayload{
		Snippet:    sn,
		Succeeded:  outcome.Succeeded,
		Output:     outcome.Output,
		Error:      outcome.Error,
		Printed:    outcome.Printed,
		DurationMs: outcome.DurationMs,
	})
}

// finish records the terminal state of a run. res is nil when the run ended
// with an error instead of a result.
func (r *recorder) finish(ctx context.Context, res *ProcessResult, depth, modelCalls int, runErr error) {
	if !r.enabled() {
		return
	}
	now := time.Now().UTC()
	update := store.RunUpdate{Depth: &depth, ModelCalls: &modelCalls, CompletedAt: &now}

	status := schema.RunStatusFailed
	eventType := schema.EventRunFailed
	var rerr any = runErr
	switch {
	case res != nil && res.Succeeded:
		status = schema.RunStatusCompleted
		eventType = schema.EventRunCompleted
		update.Output = &res.Output
		update.FinalContext = marshalOrNil(res.Context)
	case res != nil:
		rerr = res.Error
		if res.HasOutput {
			update.Output = &res.Output
		}
		update.FinalContext = marshalOrNil(res.Context)
	}
	update.Status = &status
	if rerr != nil {
		update.Error = marshalError(rerr)
	}

	if err := r.store.UpdateRun(context.WithoutCancel(ctx), r.runID, update); err != nil {
		logging.LogWith(ctx, r.logger).Warn("persist run result failed", "error", err)
	}
	var payload any
	if update.Error != nil {
		payload = json.RawMessage(update.Error)
	}
	r.emit(ctx, depth, nil, eventType, payload)
}

func marshalError(v any) json.RawMessage {
	switch err := v.(type) {
	case *schema.RLMError:
		if err == nil {
			return nil
		}
		return marshalOrNil(err)
	case error:
		code := schema.CodeOf(err)
		if code == "" {
			code = schema.ErrCodeExecution
		}
		return marshalOrNil(schema.NewError(code, err.Error()))
	}
	return nil
}

func marshalOrNil(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
