package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/rlm/pkg/schema"
)

// Run is the persisted representation of one controller invocation.
type Run struct {
	ID             string           `json:"id"`
	Task           string           `json:"task"`
	Status         schema.RunStatus `json:"status"`
	Options        json.RawMessage  `json:"options,omitempty"`
	InitialContext json.RawMessage  `json:"initial_context,omitempty"`
	FinalContext   json.RawMessage  `json:"final_context,omitempty"`
	Output         string           `json:"output,omitempty"`
	Error          json.RawMessage  `json:"error,omitempty"`
	Depth          int              `json:"depth"`
	ModelCalls     int              `json:"model_calls"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// RunUpdate carries the fields to change on a run. Nil fields are left as is.
type RunUpdate struct {
	Status       *schema.RunStatus
	Output       *string
	FinalContext json.RawMessage
	Error        json.RawMessage
	Depth        *int
	ModelCalls   *int
	CompletedAt  *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status *schema.RunStatus
	Since  *time.Time
	Limit  int
	Offset int
}

// Event is an immutable entry in a run's event trail.
type Event struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"run_id"`
	Depth        int             `json:"depth"`
	SnippetIndex *int            `json:"snippet_index,omitempty"`
	Type         string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Sequence     int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	RunID string
	Since *time.Time
	Limit int
}

// SnippetPayload is the payload of snippet_succeeded and snippet_failed events.
type SnippetPayload struct {
	Snippet    schema.Snippet `json:"snippet"`
	Succeeded  bool           `json:"succeeded"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Printed    []string       `json:"printed,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// ModelPayload is the payload of model_invoked events.
type ModelPayload struct {
	Task       string `json:"task"`
	Reply      string `json:"reply,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}
