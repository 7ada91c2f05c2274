package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRLMServer(t *testing.T) {
	s := NewRLMServer(RLMServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Nil(t, s.eventLog)
}

func TestToolRegistration(t *testing.T) {
	s := NewRLMServer(RLMServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 3)

	for _, name := range []string{"rlm.process", "rlm.runs", "rlm.run"} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"rlm.process", "Process a task with the recursive language model"},
		{"rlm.runs", "List persisted runs"},
		{"rlm.run", "Get a persisted run with its snippet trail"},
	}

	s := NewRLMServer(RLMServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestProcessToolRequiresTask(t *testing.T) {
	tool := processTool()
	assert.Contains(t, tool.InputSchema.Required, "task")
}
