package schema

// Event type constants for the run event log.
const (
	EventRunStarted        = "run_started"
	EventModelInvoked      = "model_invoked"
	EventSnippetsExtracted = "snippets_extracted"
	EventSnippetSucceeded  = "snippet_succeeded"
	EventSnippetFailed     = "snippet_failed"
	EventRecursionStarted  = "recursion_started"
	EventRunCompleted      = "run_completed"
	EventRunFailed         = "run_failed"
)

// EventTypes lists every event type in the order a run emits them.
var EventTypes = []string{
	EventRunStarted, EventModelInvoked, EventSnippetsExtracted,
	EventSnippetSucceeded, EventSnippetFailed, EventRecursionStarted,
	EventRunCompleted, EventRunFailed,
}

// RunStatus represents the lifecycle state of a persisted run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ProcessState is a state of the recursion controller's state machine.
type ProcessState string

const (
	StateAwaitingModel ProcessState = "awaiting_model"
	StateExtracting    ProcessState = "extracting"
	StateExecuting     ProcessState = "executing"
	StateRecursing     ProcessState = "recursing"
	StateDone          ProcessState = "done"
)
