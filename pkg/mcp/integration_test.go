package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/cogsupervisor/pkg/config"
)

// TestIntegration_E2E_ToolExecution tests the full tool execution pipeline:
// ToolExecutor.Execute → ParseActionInput → SplitToolName → Client.CallTool → result.
func TestIntegration_E2E_ToolExecution(t *testing.T) {
	ts := startTestServer(t, "memory", map[string]mcpsdk.ToolHandler{
		"search_notes": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			args := req.Params.Arguments
			var parsed map[string]any
			if err := json.Unmarshal(args, &parsed); err != nil {
				return &mcpsdk.CallToolResult{
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "parse error: " + err.Error()}},
					IsError: true,
				}, nil
			}

			query, _ := parsed["query"].(string)
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{
					Text: "notes matching " + query + ": note-1, note-2",
				}},
			}, nil
		},
	})

	executor := newTestExecutorFromTransport(t, "memory", ts.clientTransport)

	result, err := executor.Execute(context.Background(), ToolCall{
		ID:        "call-e2e-1",
		Name:      "memory.search_notes",
		Arguments: `{"query": "auth flow"}`,
	})

	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "notes matching auth flow")
	assert.Contains(t, result.Content, "note-1, note-2")

	result, err = executor.Execute(context.Background(), ToolCall{
		ID:        "call-e2e-2",
		Name:      "memory.search_notes",
		Arguments: "query: session reset",
	})

	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "notes matching session reset")
}

// TestIntegration_MultiServer_Routing tests tool discovery and routing across multiple servers.
func TestIntegration_MultiServer_Routing(t *testing.T) {
	memServer := startTestServer(t, "memory", map[string]mcpsdk.ToolHandler{
		"search_notes": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "memory: notes"}},
			}, nil
		},
	})

	drillServer := startTestServer(t, "drilldown", map[string]mcpsdk.ToolHandler{
		"expand_entry": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "drilldown: entry"}},
			}, nil
		},
	})

	registry := config.NewMCPServerRegistry(nil)
	client := newClient(registry)
	wireSession(t, client, "memory", memServer.clientTransport)
	wireSession(t, client, "drilldown", drillServer.clientTransport)

	executor := NewToolExecutor(client, registry, []string{"memory", "drilldown"}, nil)
	t.Cleanup(func() { _ = executor.Close() })

	tools, err := executor.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Contains(t, names, "memory.search_notes")
	assert.Contains(t, names, "drilldown.expand_entry")

	r1, err := executor.Execute(context.Background(), ToolCall{
		ID: "r1", Name: "memory.search_notes", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, "memory: notes", r1.Content)

	r2, err := executor.Execute(context.Background(), ToolCall{
		ID: "r2", Name: "drilldown.expand_entry", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, "drilldown: entry", r2.Content)
}

// TestIntegration_DoubleUnderscoreNormalization tests the __ → . normalization through the full pipeline.
func TestIntegration_DoubleUnderscoreNormalization(t *testing.T) {
	ts := startTestServer(t, "memory", map[string]mcpsdk.ToolHandler{
		"search_notes": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "normalization works"}},
			}, nil
		},
	})

	executor := newTestExecutorFromTransport(t, "memory", ts.clientTransport)

	result, err := executor.Execute(context.Background(), ToolCall{
		ID:        "nt-1",
		Name:      "memory__search_notes",
		Arguments: `{"query": "auth flow"}`,
	})

	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "normalization works", result.Content)
}

// TestIntegration_ListToolsCanonicalFormat verifies tool names stay in canonical "server.tool" format.
func TestIntegration_ListToolsCanonicalFormat(t *testing.T) {
	ts := startTestServer(t, "memory", map[string]mcpsdk.ToolHandler{
		"search_notes": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
		},
	})

	executor := newTestExecutorFromTransport(t, "memory", ts.clientTransport)

	tools, err := executor.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "memory.search_notes", tools[0].Name)
}

// TestIntegration_PerSessionIsolation tests that two executors, each on its own Client,
// operate independently.
func TestIntegration_PerSessionIsolation(t *testing.T) {
	ts1 := startTestServer(t, "server1", map[string]mcpsdk.ToolHandler{
		"tool": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "from subsession 1"}},
			}, nil
		},
	})

	ts2 := startTestServer(t, "server2", map[string]mcpsdk.ToolHandler{
		"tool": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "from subsession 2"}},
			}, nil
		},
	})

	registry := config.NewMCPServerRegistry(nil)

	client1 := newClient(registry)
	wireSession(t, client1, "server1", ts1.clientTransport)
	exec1 := NewToolExecutor(client1, registry, []string{"server1"}, nil)
	t.Cleanup(func() { _ = exec1.Close() })

	client2 := newClient(registry)
	wireSession(t, client2, "server2", ts2.clientTransport)
	exec2 := NewToolExecutor(client2, registry, []string{"server2"}, nil)
	t.Cleanup(func() { _ = exec2.Close() })

	r1, err := exec1.Execute(context.Background(), ToolCall{
		ID: "iso-1", Name: "server1.tool", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, "from subsession 1", r1.Content)

	r2, err := exec2.Execute(context.Background(), ToolCall{
		ID: "iso-2", Name: "server2.tool", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, "from subsession 2", r2.Content)
}

// --- Test helpers ---

// newTestExecutorFromTransport creates a single-server ToolExecutor for testing.
func newTestExecutorFromTransport(t *testing.T, serverID string, transport *mcpsdk.InMemoryTransport) *ToolExecutor {
	t.Helper()

	registry := config.NewMCPServerRegistry(nil)
	client := newClient(registry)
	wireSession(t, client, serverID, transport)

	executor := NewToolExecutor(client, registry, []string{serverID}, nil)
	t.Cleanup(func() { _ = executor.Close() })
	return executor
}

// wireSession connects a client to an in-memory transport and registers the session.
func wireSession(t *testing.T, client *Client, serverID string, transport *mcpsdk.InMemoryTransport) {
	t.Helper()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name: "cogsupervisor-test", Version: "test",
	}, nil)
	session, err := sdkClient.Connect(context.Background(), transport, nil)
	require.NoError(t, err)

	client.mu.Lock()
	client.sessions[serverID] = session
	client.clients[serverID] = sdkClient
	client.mu.Unlock()
}

// TestIntegration_ToolFilter tests that tool filtering works end-to-end.
func TestIntegration_ToolFilter(t *testing.T) {
	ts := startTestServer(t, "memory", map[string]mcpsdk.ToolHandler{
		"search_notes": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "notes"}}}, nil
		},
		"delete_note": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "deleted"}}}, nil
		},
	})

	registry := config.NewMCPServerRegistry(nil)
	client := newClient(registry)
	wireSession(t, client, "memory", ts.clientTransport)

	filter := map[string][]string{"memory": {"search_notes"}}
	executor := NewToolExecutor(client, registry, []string{"memory"}, filter)
	t.Cleanup(func() { _ = executor.Close() })

	tools, err := executor.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 1)
	assert.Equal(t, "memory.search_notes", tools[0].Name)

	r1, err := executor.Execute(context.Background(), ToolCall{
		ID: "f1", Name: "memory.search_notes", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.False(t, r1.IsError)
	assert.Equal(t, "notes", r1.Content)

	r2, err := executor.Execute(context.Background(), ToolCall{
		ID: "f2", Name: "memory.delete_note", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.True(t, r2.IsError)
	assert.Contains(t, r2.Content, "not available")
}

// TestIntegration_FailedServers tests failed server tracking through the pipeline.
func TestIntegration_FailedServers(t *testing.T) {
	registry := config.NewMCPServerRegistry(nil)
	client := newClient(registry)

	client.Initialize(context.Background(), []string{"broken-server"})

	failed := client.FailedServers()
	assert.Contains(t, failed, "broken-server")
	assert.NotEmpty(t, failed["broken-server"])
}
