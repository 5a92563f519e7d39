package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToolflowServer(t *testing.T) {
	s := NewToolflowServer(ToolflowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewToolflowServer(ToolflowServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"toolflow.define",
		"toolflow.run",
		"toolflow.status",
		"toolflow.query",
		"toolflow.diagram",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"define", "toolflow.define", "Register or replace a workflow definition"},
		{"run", "toolflow.run", "Execute a workflow and wait for its terminal record"},
		{"status", "toolflow.status", "Get an execution record"},
		{"query", "toolflow.query", "Query workflows, executions, or execution events"},
	}

	s := NewToolflowServer(ToolflowServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
