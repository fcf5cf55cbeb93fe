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

package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/adapter"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/mcpclient"
)

// ----------------------------
// Scripted agent
// ----------------------------

type testMessage struct {
	Role    string
	Content string
}

type scriptedResponse struct {
	chunks     []agent.StreamChunk
	completion *agent.Completion
	err        error
}

type scriptedAgent struct {
	cfg agent.Config

	mu           sync.Mutex
	received     [][]agent.Message
	responses    []scriptedResponse
	activeTools  []agent.ToolSpec
	systemPrompt string
}

func (a *scriptedAgent) script(response scriptedResponse) {
	a.mu.Lock()
	a.responses = append(a.responses, response)
	a.mu.Unlock()
}

func (a *scriptedAgent) next(messages []agent.Message) scriptedResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received = append(a.received, messages)
	if len(a.responses) == 0 {
		return scriptedResponse{completion: &agent.Completion{}}
	}
	response := a.responses[0]
	a.responses = a.responses[1:]
	return response
}

func (a *scriptedAgent) calls() [][]agent.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]agent.Message(nil), a.received...)
}

func (a *scriptedAgent) Config() *agent.Config { return &a.cfg }

func (a *scriptedAgent) MakeUserMessage(content string, images []string) agent.Message {
	return testMessage{Role: "user", Content: content}
}

func (a *scriptedAgent) MakeSystemMessage(content string) agent.Message {
	return testMessage{Role: "system", Content: content}
}

func (a *scriptedAgent) MakeToolMessage(content, name string, images []string) agent.Message {
	return testMessage{Role: "tool", Content: content}
}

func (a *scriptedAgent) MakeAssistantMessage(content, thinking string, toolCalls []map[string]any) agent.Message {
	return testMessage{Role: "assistant", Content: content}
}

func (a *scriptedAgent) IsSystemMessage(message agent.Message) bool {
	m, ok := message.(testMessage)
	return ok && m.Role == "system"
}

func (a *scriptedAgent) AddMessage(message agent.Message) {}
func (a *scriptedAgent) History() []agent.Message         { return nil }
func (a *scriptedAgent) Reset()                           {}

func (a *scriptedAgent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	a.systemPrompt = prompt
	a.mu.Unlock()
}

func (a *scriptedAgent) SetActiveTools(tools []agent.ToolSpec) {
	a.mu.Lock()
	a.activeTools = tools
	a.mu.Unlock()
}

func (a *scriptedAgent) ActiveTools() []agent.ToolSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeTools
}

func (a *scriptedAgent) MessageText(message agent.Message) string {
	m, _ := message.(testMessage)
	return m.Content
}

func (a *scriptedAgent) GenerateResponse(ctx context.Context, messages []agent.Message) (<-chan agent.StreamChunk, error) {
	response := a.next(messages)
	if response.err != nil {
		return nil, response.err
	}
	out := make(chan agent.StreamChunk, len(response.chunks))
	for _, chunk := range response.chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

func (a *scriptedAgent) GenerateResponseSync(ctx context.Context, messages []agent.Message) (*agent.Completion, error) {
	response := a.next(messages)
	if response.err != nil {
		return nil, response.err
	}
	if response.completion != nil {
		return response.completion, nil
	}
	return &agent.Completion{}, nil
}

// ----------------------------
// Fake MCP client
// ----------------------------

type fakeMCPClient struct {
	mu       sync.Mutex
	hook     mcpclient.CapabilitiesChangedFunc
	tools    []mcp.Tool
	requests []adapter.JSONRPCRequest
	result   any
	initErr  error
	toreDown bool

	// afterExecute simulates a capability change triggered by a call.
	afterExecute func(client *fakeMCPClient)
}

func (c *fakeMCPClient) SetOnCapabilitiesChanged(fn mcpclient.CapabilitiesChangedFunc) {
	c.hook = fn
}

func (c *fakeMCPClient) Initialize(ctx context.Context) error {
	if c.initErr != nil {
		return c.initErr
	}
	if c.hook != nil {
		c.hook(c.tools, nil, nil)
	}
	return nil
}

func (c *fakeMCPClient) ExecuteJSONRPC(ctx context.Context, request adapter.JSONRPCRequest) any {
	c.mu.Lock()
	c.requests = append(c.requests, request)
	c.mu.Unlock()

	if c.afterExecute != nil {
		c.afterExecute(c)
	}
	if c.result != nil {
		return c.result
	}
	return "ok"
}

func (c *fakeMCPClient) Teardown(ctx context.Context) error {
	c.mu.Lock()
	c.toreDown = true
	c.mu.Unlock()
	return nil
}

func (c *fakeMCPClient) recorded() []adapter.JSONRPCRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]adapter.JSONRPCRequest(nil), c.requests...)
}

// ----------------------------
// Harness
// ----------------------------

type completionEvent struct {
	Thinking string
	Content  string
	Requests []adapter.JSONRPCRequest
}

type harness struct {
	manager     *Manager
	agent       *scriptedAgent
	client      *fakeMCPClient
	completions chan completionEvent
	responses   chan string
	thinking    chan string
	toolCalls   chan string

	mu        sync.Mutex
	toolTexts []string
}

func echoTool() mcp.Tool {
	return mcp.Tool{
		Name:        "echo",
		Description: "Echo the input",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"input": map[string]any{"type": "string"}},
		},
	}
}

func newHarness(t *testing.T, streaming bool, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		agent:       &scriptedAgent{cfg: agent.Config{Model: "test-model", StreamEnabled: streaming}},
		client:      &fakeMCPClient{tools: []mcp.Tool{echoTool()}},
		completions: make(chan completionEvent, 16),
		responses:   make(chan string, 64),
		thinking:    make(chan string, 64),
		toolCalls:   make(chan string, 16),
	}

	registry := adapter.NewRegistry()
	registry.Register("scripted", func(cfg *agent.Config, options map[string]any) (agent.Agent, *adapter.Adapter, error) {
		h.agent.cfg = *cfg
		return h.agent, adapter.New(cfg), nil
	})

	callbacks := Callbacks{
		OnAgentResponse: func(userID, chatID, content string) { h.responses <- content },
		OnAgentThinking: func(userID, chatID, thinking string) { h.thinking <- thinking },
		OnAgentToolCall: func(userID, chatID, method string, params map[string]any) { h.toolCalls <- method },
		OnToolResponse: func(userID, chatID, content string) {
			h.mu.Lock()
			h.toolTexts = append(h.toolTexts, content)
			h.mu.Unlock()
		},
		OnAgentCompletion: func(userID, chatID, thinking, content string, requests []adapter.JSONRPCRequest) {
			h.completions <- completionEvent{Thinking: thinking, Content: content, Requests: requests}
		},
	}

	opts = append([]Option{
		WithCallbacks(callbacks),
		WithMCPClientFactory(func(sessionKey string, cfg mcpclient.Config, handler mcpclient.SamplingHandler) MCPClient {
			return h.client
		}),
	}, opts...)

	m, err := NewManager(registry, opts...)
	require.NoError(t, err)
	h.manager = m
	return h
}

func (h *harness) createSession(t *testing.T) *Session {
	t.Helper()
	session, err := h.manager.CreateSession(context.Background(), SessionParams{
		UserID:      "alice",
		ChatID:      "chat-1",
		Provider:    "scripted",
		AgentConfig: &h.agent.cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.manager.Shutdown(context.Background()) })
	return session
}

func (h *harness) waitCompletion(t *testing.T) completionEvent {
	t.Helper()
	select {
	case event := <-h.completions:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return completionEvent{}
	}
}

func textChunk(content string) agent.StreamChunk {
	return agent.StreamChunk{Content: content}
}

func toolChunk(name string, arguments map[string]any) agent.StreamChunk {
	return agent.StreamChunk{ToolCalls: []map[string]any{{
		"function": map[string]any{"name": name, "arguments": arguments},
	}}}
}

// ----------------------------
// Tests
// ----------------------------

func TestCreateSession_InitializesCapabilities(t *testing.T) {
	h := newHarness(t, true)
	session := h.createSession(t)

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "alice:chat-1", session.Key())
	assert.True(t, session.Active())

	// Initial refresh populated the adapter and the agent's active tools.
	require.Len(t, session.Adapter.Tools(), 1)
	require.Len(t, h.agent.ActiveTools(), 1)
	assert.Equal(t, "echo", h.agent.ActiveTools()[0].Function.Name)
}

func TestCreateSession_IsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	first := h.createSession(t)

	second, err := h.manager.CreateSession(context.Background(), SessionParams{
		UserID: "alice", ChatID: "chat-1", Provider: "scripted",
	})
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestStreamingTurn_CumulativeResponsesAndCompletion(t *testing.T) {
	h := newHarness(t, true)
	h.agent.script(scriptedResponse{chunks: []agent.StreamChunk{
		{Thinking: "step 1. "},
		{Thinking: "step 1. step 2."},
		textChunk("Hello"),
		textChunk(" world"),
	}})
	h.createSession(t)

	require.NoError(t, h.manager.SendMessage("alice", "chat-1", "hi"))
	event := h.waitCompletion(t)

	assert.Equal(t, "Hello world", event.Content)
	assert.Equal(t, "step 1. step 2.", event.Thinking)
	assert.Empty(t, event.Requests)

	assert.Equal(t, "Hello", <-h.responses)
	assert.Equal(t, "Hello world", <-h.responses)
	assert.Equal(t, "step 1. ", <-h.thinking)
	assert.Equal(t, "step 1. step 2.", <-h.thinking)
}

func TestStreamingTurn_FirstTurnCarriesCapabilitySummaryAndUserMessage(t *testing.T) {
	h := newHarness(t, true)
	h.agent.script(scriptedResponse{chunks: []agent.StreamChunk{textChunk("hello")}})
	h.createSession(t)

	require.NoError(t, h.manager.SendMessage("alice", "chat-1", "hi"))
	h.waitCompletion(t)

	calls := h.agent.calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)

	summary := calls[0][0].(testMessage)
	assert.Equal(t, "tool", summary.Role)
	assert.Contains(t, summary.Content, "echo")

	user := calls[0][1].(testMessage)
	assert.Equal(t, testMessage{Role: "user", Content: "hi"}, user)
}

func TestToolCallFlow_ResultFeedsNextTurn(t *testing.T) {
	h := newHarness(t, true)
	h.client.result = &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "tool output"}},
	}
	h.agent.script(scriptedResponse{chunks: []agent.StreamChunk{
		toolChunk("echo", map[string]any{"input": "x"}),
	}})
	h.agent.script(scriptedResponse{chunks: []agent.StreamChunk{textChunk("done")}})
	h.createSession(t)

	require.NoError(t, h.manager.SendMessage("alice", "chat-1", "run echo"))

	first := h.waitCompletion(t)
	require.Len(t, first.Requests, 1)
	assert.Equal(t, "tools/call", first.Requests[0].Method)

	second := h.waitCompletion(t)
	assert.Equal(t, "done", second.Content)

	requests := h.client.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "echo", requests[0].Params["name"])
	assert.Equal(t, "tools/call", <-h.toolCalls)

	// The tool result became a tool-role message in the second turn.
	calls := h.agent.calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1], 1)
	assert.Equal(t, testMessage{Role: "tool", Content: "tool output"}, calls[1][0])

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Contains(t, h.toolTexts, "tool output")
}

func TestToolCallFlow_MappingFailureFeedsDiagnostic(t *testing.T) {
	h := newHarness(t, true)
	h.agent.script(scriptedResponse{chunks: []agent.StreamChunk{
		toolChunk("nonexistent", map[string]any{}),
	}})
	h.agent.script(scriptedResponse{chunks: []agent.StreamChunk{textChunk("recovered")}})
	h.createSession(t)

	require.NoError(t, h.manager.SendMessage("alice", "chat-1", "try it"))

	first := h.waitCompletion(t)
	assert.Empty(t, first.Requests)
	h.waitCompletion(t)

	// No JSON-RPC call was executed; the diagnostic entered the next turn.
	assert.Empty(t, h.client.recorded())

	calls := h.agent.calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1], 1)
	diagnostic := calls[1][0].(testMessage)
	assert.Equal(t, "tool", diagnostic.Role)
	assert.Contains(t, diagnostic.Content, "could not be mapped")
	assert.Contains(t, diagnostic.Content, "echo")
}

func TestCapabilityChangeMidSession_SummaryRidesNextTurn(t *testing.T) {
	h := newHarness(t, true)
	h.client.afterExecute = func(client *fakeMCPClient) {
		client.hook([]mcp.Tool{echoTool(), {Name: "add", Description: "Add numbers"}}, nil, nil)
	}
	h.agent.script(scriptedResponse{chunks: []agent.StreamChunk{
		toolChunk("echo", map[string]any{"input": "x"}),
	}})
	h.agent.script(scriptedResponse{chunks: []agent.StreamChunk{textChunk("saw update")}})
	h.createSession(t)

	require.NoError(t, h.manager.SendMessage("alice", "chat-1", "go"))
	h.waitCompletion(t)
	h.waitCompletion(t)

	// The agent's tool set was re-issued with the new capability.
	require.Len(t, h.agent.ActiveTools(), 2)

	// Second turn: the capability summary lands first because the refresh
	// runs inside the JSON-RPC execution, then the tool result.
	calls := h.agent.calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1], 2)
	assert.Contains(t, calls[1][0].(testMessage).Content, "add")
	assert.Equal(t, testMessage{Role: "tool", Content: "ok"}, calls[1][1])
}

func TestSyncTurn_CompletionCarriesRequests(t *testing.T) {
	h := newHarness(t, false)
	h.agent.script(scriptedResponse{completion: &agent.Completion{
		Thinking: "reasoning",
		Content:  "calling tool",
		ToolCalls: []map[string]any{{
			"function": map[string]any{"name": "echo", "arguments": map[string]any{"input": "x"}},
		}},
	}})
	h.agent.script(scriptedResponse{completion: &agent.Completion{Content: "finished"}})
	h.createSession(t)

	require.NoError(t, h.manager.SendMessage("alice", "chat-1", "hi"))

	first := h.waitCompletion(t)
	assert.Equal(t, "reasoning", first.Thinking)
	assert.Equal(t, "calling tool", first.Content)
	require.Len(t, first.Requests, 1)

	second := h.waitCompletion(t)
	assert.Equal(t, "finished", second.Content)
}

func TestSendMessage_NoSession(t *testing.T) {
	h := newHarness(t, true)

	err := h.manager.SendMessage("nobody", "chat-1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active session for nobody:chat-1")
}

func TestEndSession_StopsWorkerAndTearsDown(t *testing.T) {
	h := newHarness(t, true)
	session := h.createSession(t)

	require.NoError(t, h.manager.EndSession(context.Background(), "alice", "chat-1"))
	assert.False(t, session.Active())
	assert.True(t, h.client.toreDown)

	err := h.manager.SendMessage("alice", "chat-1", "hi")
	require.Error(t, err)

	// Ending again is a no-op.
	require.NoError(t, h.manager.EndSession(context.Background(), "alice", "chat-1"))
}

func TestShutdown_EndsAllSessions(t *testing.T) {
	h := newHarness(t, true)
	h.createSession(t)

	h.manager.Shutdown(context.Background())
	assert.Empty(t, h.manager.ListSessions())
}

func TestResolveSession(t *testing.T) {
	h := newHarness(t, true)
	h.createSession(t)

	resolved, ok := h.manager.ResolveSession("alice:chat-1")
	require.True(t, ok)
	assert.True(t, resolved.Active)
	assert.Equal(t, "scripted", resolved.Provider)

	_, ok = h.manager.ResolveSession("missing:key")
	assert.False(t, ok)
}

func TestNewManager_SystemPromptLoading(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.md")
	require.NoError(t, os.WriteFile(path, []byte("You are helpful."), 0o644))

	registry := adapter.NewRegistry()
	m, err := NewManager(registry, WithSystemPromptPath(path))
	require.NoError(t, err)
	assert.Equal(t, "You are helpful.", m.systemPrompt)

	// Missing file yields an empty prompt.
	m, err = NewManager(registry, WithSystemPromptPath(filepath.Join(dir, "missing.md")))
	require.NoError(t, err)
	assert.Empty(t, m.systemPrompt)
}

func TestGenerateFailure_PreservesPendingForNextTurn(t *testing.T) {
	h := newHarness(t, false)
	h.agent.script(scriptedResponse{err: assert.AnError})
	h.createSession(t)

	require.NoError(t, h.manager.SendMessage("alice", "chat-1", "hi"))

	// The failed turn produces no completion; the worker keeps running and
	// serves the next message.
	h.agent.script(scriptedResponse{completion: &agent.Completion{Content: "recovered"}})
	require.NoError(t, h.manager.SendMessage("alice", "chat-1", "again"))

	event := h.waitCompletion(t)
	assert.Equal(t, "recovered", event.Content)
}
