package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/rlm/internal/logging"
	"github.com/rendis/rlm/internal/state"
	"github.com/rendis/rlm/internal/store"
	"github.com/rendis/rlm/pkg/schema"
)

const defaultRunsLimit = 50

// handleProcess runs a task through the processor.
func (s *RLMServer) handleProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil || task == "" {
		return mcp.NewToolResultError("task is required"), nil
	}
	if s.processor == nil {
		return mcp.NewToolResultError("no processor configured"), nil
	}

	args := req.GetArguments()
	depth := extractInt(args, "depth", 0)
	if depth < 0 {
		return mcp.NewToolResultError("depth must be non-negative"), nil
	}

	raw := mcp.ParseStringMap(req, "context", nil)
	if s.validator != nil {
		if verr := s.validator.ValidateContext(raw); verr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid context: %v", verr)), nil
		}
		if contextSchema := mcp.ParseStringMap(req, "context_schema", nil); contextSchema != nil {
			schemaBytes, mErr := json.Marshal(contextSchema)
			if mErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid context_schema: %v", mErr)), nil
			}
			input := raw
			if input == nil {
				input = map[string]any{}
			}
			if verr := s.validator.ValidateInput(input, schemaBytes); verr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("context does not match context_schema: %v", verr)), nil
			}
		}
	}

	initial, err := state.FromMap(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid context: %v", err)), nil
	}

	result, runErr := s.processor.Process(ctx, task, initial, depth)
	if runErr != nil {
		logging.LogWith(ctx, s.logger).Warn("rlm.process failed", "error", runErr)
		return mcp.NewToolResultError(fmt.Sprintf("process failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleRuns lists persisted runs.
func (s *RLMServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run persistence is disabled"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", defaultRunsLimit),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		switch rs {
		case schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed:
			rf.Status = &rs
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", status)), nil
		}
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError("since must be an RFC3339 timestamp"), nil
		}
		rf.Since = &t
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleRun returns one run with its replayed snippet trail.
func (s *RLMServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("run persistence is disabled"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get run failed: %v", err)), nil
	}

	summary, err := s.eventLog.Summarize(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
	}

	out := map[string]any{
		"run":     run,
		"summary": summary,
	}
	if req.GetString("include_events", "false") == "true" {
		events, err := s.store.GetEvents(ctx, runID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get events failed: %v", err)), nil
		}
		out["events"] = events
	}
	return marshalResult(out)
}

func extractInt(m map[string]any, key string, defaultVal int) int {
	if m == nil {
		return defaultVal
	}
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
