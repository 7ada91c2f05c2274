package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/rlm/internal/store"
	"github.com/rendis/rlm/pkg/schema"
)

// EventAppender is satisfied by the Store; used by the FSM to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Move is one state transition of a run at a given depth. Payload, when set,
// is JSON-encoded into the emitted event.
type Move struct {
	RunID   string
	Depth   int
	From    schema.ProcessState
	To      schema.ProcessState
	Payload any
}

// ProcessFSM validates the controller's state transitions. It holds no
// per-run state and is safe for concurrent use.
type ProcessFSM struct {
	appender EventAppender
}

// NewProcessFSM creates a ProcessFSM that emits events via the given appender.
func NewProcessFSM(appender EventAppender) *ProcessFSM {
	return &ProcessFSM{appender: appender}
}

// Transition validates and executes a state transition, emitting the
// corresponding event via the appender. The caller keeps the current state.
func (f *ProcessFSM) Transition(ctx context.Context, m Move) error {
	if !IsValidTransition(m.From, m.To) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid process transition: %s -> %s", m.From, m.To).
			WithDetails(map[string]any{"run_id": m.RunID, "depth": m.Depth, "from": string(m.From), "to": string(m.To)})
	}

	if eventType := transitionEventType(m.From, m.To); eventType != "" && f.appender != nil {
		event := &store.Event{RunID: m.RunID, Depth: m.Depth, Type: eventType}
		if m.Payload != nil {
			data, err := json.Marshal(m.Payload)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload", eventType).WithCause(err)
			}
			event.Payload = data
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit process event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// IsValidTransition reports whether from -> to appears in ValidProcessTransitions.
func IsValidTransition(from, to schema.ProcessState) bool {
	for _, a := range ValidProcessTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func transitionEventType(from, to schema.ProcessState) string {
	switch {
	case from == schema.StateAwaitingModel && to == schema.StateExtracting:
		return schema.EventModelInvoked
	case from == schema.StateExtracting && to == schema.StateExecuting:
		return schema.EventSnippetsExtracted
	case from == schema.StateRecursing && to == schema.StateAwaitingModel:
		return schema.EventRecursionStarted
	default:
		return ""
	}
}

// ValidProcessTransitions defines the allowed controller state transitions.
// Every non-terminal state may end the run: awaiting_model on the depth bound,
// extracting when the reply has no snippets, executing on failure or a final
// answer, and any state on cancellation.
var ValidProcessTransitions = map[schema.ProcessState][]schema.ProcessState{
	schema.StateAwaitingModel: {schema.StateExtracting, schema.StateDone},
	schema.StateExtracting:    {schema.StateExecuting, schema.StateDone},
	schema.StateExecuting:     {schema.StateRecursing, schema.StateDone},
	schema.StateRecursing:     {schema.StateAwaitingModel, schema.StateDone},
	schema.StateDone:          {},
}
