// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/adapter"
)

type fakeSession struct {
	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource

	listToolsCalls atomic.Int32

	callToolErr     error
	getPromptErr    error
	readResourceErr error
	listToolsErr    error

	lastCallTool  mcp.CallToolRequest
	lastGetPrompt mcp.GetPromptRequest
}

func (f *fakeSession) ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	f.listToolsCalls.Add(1)
	if f.listToolsErr != nil {
		return nil, f.listToolsErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) ListPrompts(ctx context.Context, request mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{Prompts: f.prompts}, nil
}

func (f *fakeSession) ListResources(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{Resources: f.resources}, nil
}

func (f *fakeSession) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.lastCallTool = request
	if f.callToolErr != nil {
		return nil, f.callToolErr
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}},
	}, nil
}

func (f *fakeSession) GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	f.lastGetPrompt = request
	if f.getPromptErr != nil {
		return nil, f.getPromptErr
	}
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeSession) ReadResource(ctx context.Context, request mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if f.readResourceErr != nil {
		return nil, f.readResourceErr
	}
	return &mcp.ReadResourceResult{}, nil
}

func newReadyClient(t *testing.T, fake *fakeSession) *Client {
	t.Helper()
	c := New("alice:chat-1", Config{Name: "test", URL: "http://127.0.0.1:8000/sse"}, nil)
	c.session = fake
	c.state.Store(int32(StateReady))
	return c
}

func rpc(method string, params map[string]any) adapter.JSONRPCRequest {
	return adapter.JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()

	assert.Equal(t, TransportSSE, cfg.Transport)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 300*time.Second, cfg.SSEReadTimeout)
}

func TestConfig_Validate(t *testing.T) {
	sse := Config{Name: "a", Transport: TransportSSE}
	require.Error(t, sse.Validate())

	sse.URL = "http://127.0.0.1:8000/sse"
	require.NoError(t, sse.Validate())

	unknown := Config{Name: "a", Transport: "carrier-pigeon"}
	assert.ErrorContains(t, unknown.Validate(), "unknown transport")
}

func TestInitialize_StdioRejected(t *testing.T) {
	c := New("alice:chat-1", Config{Name: "local", Transport: TransportStdio, Command: "server"}, nil)

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedTransport))
	assert.Equal(t, StateIdle, c.State())
}

func TestExecuteJSONRPC_NotInitialized(t *testing.T) {
	c := New("alice:chat-1", Config{Name: "test", URL: "http://127.0.0.1:8000/sse"}, nil)

	result := c.ExecuteJSONRPC(context.Background(), rpc("tools/list", nil))
	assert.Equal(t, "Client test not initialized", result)
}

func TestExecuteJSONRPC_MissingMethod(t *testing.T) {
	c := newReadyClient(t, &fakeSession{})

	result := c.ExecuteJSONRPC(context.Background(), rpc("", nil))
	assert.Equal(t, "Missing 'method' in JSON-RPC request", result)
}

func TestExecuteJSONRPC_UnknownMethod(t *testing.T) {
	c := newReadyClient(t, &fakeSession{})

	result := c.ExecuteJSONRPC(context.Background(), rpc("tools/destroy", nil))
	assert.Equal(t, "Unknown MCP method: tools/destroy", result)
}

func TestExecuteJSONRPC_CallTool(t *testing.T) {
	fake := &fakeSession{tools: []mcp.Tool{{Name: "echo"}}}
	c := newReadyClient(t, fake)

	result := c.ExecuteJSONRPC(context.Background(), rpc("tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"input": "x"},
	}))

	callResult, ok := result.(*mcp.CallToolResult)
	require.True(t, ok, "expected *mcp.CallToolResult, got %T", result)
	require.Len(t, callResult.Content, 1)
	assert.Equal(t, "echo", fake.lastCallTool.Params.Name)
}

func TestExecuteJSONRPC_CallToolMissingName(t *testing.T) {
	c := newReadyClient(t, &fakeSession{})

	result := c.ExecuteJSONRPC(context.Background(), rpc("tools/call", map[string]any{}))
	assert.Equal(t, "JSON-RPC error: Missing parameter 'name' for tools/call", result)
}

func TestExecuteJSONRPC_CallToolFailureBecomesText(t *testing.T) {
	fake := &fakeSession{callToolErr: fmt.Errorf("boom")}
	c := newReadyClient(t, fake)

	result := c.ExecuteJSONRPC(context.Background(), rpc("tools/call", map[string]any{"name": "echo"}))
	assert.Equal(t, "Tool error echo: boom", result)
}

func TestExecuteJSONRPC_GetPromptConvertsArguments(t *testing.T) {
	fake := &fakeSession{}
	c := newReadyClient(t, fake)

	result := c.ExecuteJSONRPC(context.Background(), rpc("prompts/get", map[string]any{
		"name":      "greet",
		"arguments": map[string]any{"who": "world", "count": 3},
	}))

	_, ok := result.(*mcp.GetPromptResult)
	require.True(t, ok)
	assert.Equal(t, "world", fake.lastGetPrompt.Params.Arguments["who"])
	assert.Equal(t, "3", fake.lastGetPrompt.Params.Arguments["count"])
}

func TestExecuteJSONRPC_ReadResourceMissingURI(t *testing.T) {
	c := newReadyClient(t, &fakeSession{})

	result := c.ExecuteJSONRPC(context.Background(), rpc("resources/read", map[string]any{}))
	assert.Equal(t, "JSON-RPC error: Missing parameter 'uri' for resources/read", result)
}

func TestExecuteJSONRPC_ReadResourceFailureBecomesText(t *testing.T) {
	fake := &fakeSession{readResourceErr: fmt.Errorf("gone")}
	c := newReadyClient(t, fake)

	result := c.ExecuteJSONRPC(context.Background(), rpc("resources/read", map[string]any{"uri": "file://a.md"}))
	assert.Equal(t, "Read error file://a.md: gone", result)
}

func TestExecuteJSONRPC_ListToolsRefreshesAndFiresHook(t *testing.T) {
	fake := &fakeSession{tools: []mcp.Tool{{Name: "echo"}}}
	c := newReadyClient(t, fake)

	var hookCalls int
	var hookTools []mcp.Tool
	c.SetOnCapabilitiesChanged(func(tools []mcp.Tool, prompts []mcp.Prompt, resources []mcp.Resource) {
		hookCalls++
		hookTools = tools
	})

	result := c.ExecuteJSONRPC(context.Background(), rpc("tools/list", nil))
	listResult, ok := result.(*mcp.ListToolsResult)
	require.True(t, ok)
	require.Len(t, listResult.Tools, 1)

	assert.Equal(t, 1, hookCalls)
	require.Len(t, hookTools, 1)
	assert.Equal(t, "echo", hookTools[0].Name)
}

func TestExecuteJSONRPC_CleanCachesAreNotRefetched(t *testing.T) {
	fake := &fakeSession{tools: []mcp.Tool{{Name: "echo"}}}
	c := newReadyClient(t, fake)

	c.ExecuteJSONRPC(context.Background(), rpc("tools/call", map[string]any{"name": "echo"}))
	after := fake.listToolsCalls.Load()

	// No notification arrived, so the second call must not refetch.
	c.ExecuteJSONRPC(context.Background(), rpc("tools/call", map[string]any{"name": "echo"}))
	assert.Equal(t, after, fake.listToolsCalls.Load())
}

func TestNotificationMarksDirtyAndNextCallRefreshes(t *testing.T) {
	fake := &fakeSession{tools: []mcp.Tool{{Name: "echo"}}}
	c := newReadyClient(t, fake)

	var hookCalls int
	var hookTools []mcp.Tool
	c.SetOnCapabilitiesChanged(func(tools []mcp.Tool, prompts []mcp.Prompt, resources []mcp.Resource) {
		hookCalls++
		hookTools = tools
	})

	c.ExecuteJSONRPC(context.Background(), rpc("tools/call", map[string]any{"name": "echo"}))
	require.Equal(t, 1, hookCalls)

	fake.tools = []mcp.Tool{{Name: "echo"}, {Name: "add"}}
	notification := mcp.JSONRPCNotification{}
	notification.Method = "notifications/tools/list_changed"
	c.handleNotification(notification)

	c.ExecuteJSONRPC(context.Background(), rpc("tools/call", map[string]any{"name": "echo"}))
	assert.Equal(t, 2, hookCalls)
	assert.Len(t, hookTools, 2)
}

func TestExecuteJSONRPC_ListToolsFetchError(t *testing.T) {
	fake := &fakeSession{listToolsErr: fmt.Errorf("offline")}
	c := newReadyClient(t, fake)

	result := c.ExecuteJSONRPC(context.Background(), rpc("tools/list", nil))
	text, ok := result.(string)
	require.True(t, ok)
	assert.Contains(t, text, "Error in list_tools:")
	assert.Contains(t, text, "offline")
}

func TestTeardown_Idempotent(t *testing.T) {
	c := newReadyClient(t, &fakeSession{})

	require.NoError(t, c.Teardown(context.Background()))
	assert.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Teardown(context.Background()))

	result := c.ExecuteJSONRPC(context.Background(), rpc("tools/list", nil))
	assert.Equal(t, "Client test not initialized", result)
}

type recordingSamplingHandler struct {
	sessionKey string
}

func (h *recordingSamplingHandler) Sample(ctx context.Context, sessionKey string, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	h.sessionKey = sessionKey
	return &mcp.CreateMessageResult{Model: "test"}, nil
}

func TestSamplingBridge_CarriesSessionKey(t *testing.T) {
	handler := &recordingSamplingHandler{}
	bridge := &samplingBridge{sessionKey: "alice:chat-1", handler: handler}

	result, err := bridge.CreateMessage(context.Background(), mcp.CreateMessageRequest{})
	require.NoError(t, err)
	assert.Equal(t, "test", result.Model)
	assert.Equal(t, "alice:chat-1", handler.sessionKey)
}
