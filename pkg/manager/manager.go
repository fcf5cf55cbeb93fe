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

// Package manager owns the session registry and the per-session worker
// loop that turns queued payloads into provider turns, dispatches tool
// calls over MCP, and feeds results back into the next turn.
package manager

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/adapter"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/filehandler"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/logger"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/mcpclient"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/sampling"
)

// dequeueTimeout bounds how long the worker waits for a turn before
// re-checking the active flag.
const dequeueTimeout = 3 * time.Second

// RPCExecutor decouples the worker loop from the concrete MCP client.
type RPCExecutor interface {
	ExecuteJSONRPC(ctx context.Context, request adapter.JSONRPCRequest) any
	Teardown(ctx context.Context) error
}

// MCPClient is the session-facing surface of an MCP connection.
type MCPClient interface {
	RPCExecutor
	SetOnCapabilitiesChanged(fn mcpclient.CapabilitiesChangedFunc)
	Initialize(ctx context.Context) error
}

// MCPClientFactory builds one MCP client per session. Tests substitute a
// fake; the default factory returns the real client.
type MCPClientFactory func(sessionKey string, cfg mcpclient.Config, handler mcpclient.SamplingHandler) MCPClient

// Callbacks are the external observation hooks. All of them are optional
// and run synchronously on the worker goroutine.
type Callbacks struct {
	// OnAgentResponse receives cumulative response content while streaming,
	// the full content otherwise, plus rendered file artifacts.
	OnAgentResponse func(userID, chatID, content string)
	// OnAgentThinking receives cumulative thinking content.
	OnAgentThinking func(userID, chatID, thinking string)
	// OnAgentToolCall fires before each JSON-RPC dispatch.
	OnAgentToolCall func(userID, chatID, method string, params map[string]any)
	// OnToolResponse receives tool result text as it enters the context.
	OnToolResponse func(userID, chatID, content string)
	// OnAgentCompletion fires once per turn, after everything else.
	OnAgentCompletion func(userID, chatID, thinking, content string, requests []adapter.JSONRPCRequest)
}

// Manager creates, serves, and ends agent sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	registry         *adapter.Registry
	defaultProvider  string
	defaultModel     string
	systemPromptPath string
	systemPrompt     string
	providerDefaults map[string]map[string]any

	callbacks   Callbacks
	fileHandler filehandler.Handler
	gateway     *sampling.Gateway
	newClient   MCPClientFactory
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaults sets the fallback provider and model for sessions created
// without an explicit agent config.
func WithDefaults(provider, model string) Option {
	return func(m *Manager) {
		if provider != "" {
			m.defaultProvider = provider
		}
		if model != "" {
			m.defaultModel = model
		}
	}
}

// WithSystemPromptPath sets the file the shared system prompt is loaded
// from at construction time.
func WithSystemPromptPath(path string) Option {
	return func(m *Manager) { m.systemPromptPath = path }
}

// WithProviderDefaults sets per-provider option bundles applied under any
// per-session overrides.
func WithProviderDefaults(defaults map[string]map[string]any) Option {
	return func(m *Manager) {
		for provider, options := range defaults {
			m.providerDefaults[strings.ToLower(provider)] = options
		}
	}
}

// WithCallbacks registers the observation hooks.
func WithCallbacks(callbacks Callbacks) Option {
	return func(m *Manager) { m.callbacks = callbacks }
}

// WithFileHandler replaces the artifact renderer. Pass nil to disable
// artifact rendering.
func WithFileHandler(handler filehandler.Handler) Option {
	return func(m *Manager) { m.fileHandler = handler }
}

// WithMCPClientFactory replaces the MCP client constructor.
func WithMCPClientFactory(factory MCPClientFactory) Option {
	return func(m *Manager) { m.newClient = factory }
}

// WithSamplingOptions configures the sampling gateway.
func WithSamplingOptions(opts ...sampling.Option) Option {
	return func(m *Manager) { m.gateway = sampling.NewGateway(m, opts...) }
}

// NewManager creates a manager. The system prompt is loaded once here; a
// missing file yields an empty prompt, an unreadable one is an error.
func NewManager(registry *adapter.Registry, opts ...Option) (*Manager, error) {
	m := &Manager{
		sessions:        make(map[string]*Session),
		registry:        registry,
		defaultProvider: "ollama",
		defaultModel:    "llama3.2:3b",
		providerDefaults: map[string]map[string]any{
			"ollama": {"host": "http://localhost:11434"},
		},
		fileHandler: filehandler.NewMarkdownHandler(),
	}
	m.gateway = sampling.NewGateway(m)
	m.newClient = func(sessionKey string, cfg mcpclient.Config, handler mcpclient.SamplingHandler) MCPClient {
		return mcpclient.New(sessionKey, cfg, handler)
	}

	for _, opt := range opts {
		opt(m)
	}

	prompt, err := loadSystemPrompt(m.systemPromptPath)
	if err != nil {
		return nil, err
	}
	m.systemPrompt = prompt
	return m, nil
}

func loadSystemPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt %s: %w", path, err)
	}
	return string(data), nil
}

// GetSessionKey builds the canonical session key.
func (m *Manager) GetSessionKey(userID, chatID string) string {
	return userID + ":" + chatID
}

// GetSession returns the live session for a key, if any.
func (m *Manager) GetSession(userID, chatID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[m.GetSessionKey(userID, chatID)]
	return session, ok
}

// SessionInfo is a snapshot row for session listings.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	Active    bool   `json:"active"`
}

// ListSessions returns a snapshot of all sessions.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, SessionInfo{
			SessionID: session.ID,
			UserID:    session.UserID,
			ChatID:    session.ChatID,
			Active:    session.Active(),
		})
	}
	return infos
}

// ResolveSession implements sampling.SessionResolver.
func (m *Manager) ResolveSession(sessionKey string) (*sampling.ResolvedSession, bool) {
	m.mu.RLock()
	session, ok := m.sessions[sessionKey]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &sampling.ResolvedSession{
		Agent:    session.Agent,
		Provider: session.Provider,
		Active:   session.Active(),
	}, true
}

// ----------------------------
// Session lifecycle
// ----------------------------

// SessionParams carries everything needed to create one session.
type SessionParams struct {
	UserID          string
	ChatID          string
	Provider        string
	AgentConfig     *agent.Config
	ProviderOptions map[string]any
	MCPConfig       mcpclient.Config
}

// CreateSession builds the agent/adapter pair, connects the MCP client,
// and starts the worker loop. Creating an existing session returns it.
func (m *Manager) CreateSession(ctx context.Context, params SessionParams) (*Session, error) {
	log := logger.GetLogger()
	sessionKey := m.GetSessionKey(params.UserID, params.ChatID)

	m.mu.RLock()
	existing, ok := m.sessions[sessionKey]
	m.mu.RUnlock()
	if ok {
		log.Debug("Session already exists", "session", sessionKey)
		return existing, nil
	}

	provider := strings.ToLower(params.Provider)
	if provider == "" {
		provider = m.defaultProvider
	}

	cfg := params.AgentConfig
	if cfg == nil {
		cfg = &agent.Config{Model: m.defaultModel}
	}
	cfg.SetDefaults()

	options := map[string]any{}
	for key, value := range m.providerDefaults[provider] {
		options[key] = value
	}
	for key, value := range params.ProviderOptions {
		options[key] = value
	}

	sessionAgent, sessionAdapter, err := m.registry.Create(provider, cfg, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider bundle for %s: %w", sessionKey, err)
	}
	sessionAgent.SetSystemPrompt(m.systemPrompt)

	client := m.newClient(sessionKey, params.MCPConfig, m.gateway)

	session := &Session{
		ID:       uuid.NewString(),
		UserID:   params.UserID,
		ChatID:   params.ChatID,
		Provider: provider,
		Agent:    sessionAgent,
		Adapter:  sessionAdapter,
		Executor: client,
		queue:    make(chan Turn, turnQueueSize),
		done:     make(chan struct{}),
	}
	session.active.Store(true)

	// The hook runs on every capability refresh, including the initial one
	// during Initialize. Non-empty summaries ride into the next turn.
	client.SetOnCapabilitiesChanged(func(tools []mcp.Tool, prompts []mcp.Prompt, resources []mcp.Resource) {
		summary := sessionAdapter.UpdateCapabilities(tools, prompts, resources)
		sessionAgent.SetActiveTools(sessionAdapter.ToBackendTools())
		if summary != "" {
			session.appendPending(Entry{Payload: summary, Role: "tool"})
			log.Debug("Capabilities updated", "session", sessionKey, "summary", summary)
		}
	})

	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize MCP client for session %s: %w", sessionKey, err)
	}
	sessionAgent.SetActiveTools(sessionAdapter.ToBackendTools())

	m.mu.Lock()
	if racing, ok := m.sessions[sessionKey]; ok {
		m.mu.Unlock()
		_ = client.Teardown(ctx)
		return racing, nil
	}
	m.sessions[sessionKey] = session
	m.mu.Unlock()

	go m.runAgentLoop(session)

	log.Debug("Created session", "id", session.ID, "session", sessionKey)
	return session, nil
}

// SendMessage queues a user message for the session's next turn.
func (m *Manager) SendMessage(userID, chatID, message string) error {
	session, ok := m.GetSession(userID, chatID)
	if !ok {
		return fmt.Errorf("no active session for %s", m.GetSessionKey(userID, chatID))
	}
	session.appendPending(Entry{Payload: message, Role: "user"})
	session.commitPending()
	return nil
}

// EndSession stops the worker, tears down the MCP connection, and removes
// the session. Ending an unknown session is a no-op.
func (m *Manager) EndSession(ctx context.Context, userID, chatID string) error {
	log := logger.GetLogger()
	sessionKey := m.GetSessionKey(userID, chatID)

	m.mu.Lock()
	session, ok := m.sessions[sessionKey]
	delete(m.sessions, sessionKey)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	session.active.Store(false)
	select {
	case <-session.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := session.Executor.Teardown(ctx); err != nil {
		return fmt.Errorf("failed to tear down session %s: %w", sessionKey, err)
	}
	log.Debug("Ended session", "id", session.ID, "session", sessionKey)
	return nil
}

// Shutdown ends every session concurrently. Failures are logged, never
// returned; shutdown always completes.
func (m *Manager) Shutdown(ctx context.Context) {
	log := logger.GetLogger()
	log.Debug("Shutting down all sessions")

	m.mu.RLock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		userID, chatID, _ := strings.Cut(key, ":")
		g.Go(func() error {
			if err := m.EndSession(gctx, userID, chatID); err != nil {
				log.Error("Failed to end session during shutdown", "session", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Debug("Shutdown complete")
}

// ----------------------------
// Worker loop
// ----------------------------

func (m *Manager) runAgentLoop(session *Session) {
	log := logger.GetLogger()
	log.Debug("Starting agent loop", "id", session.ID)
	defer close(session.done)

	timer := time.NewTimer(dequeueTimeout)
	defer timer.Stop()

	for session.active.Load() {
		timer.Reset(dequeueTimeout)
		select {
		case turn := <-session.queue:
			// Anything assembled outside a turn belongs to this turn.
			session.clearPending()
			m.processTurn(session, turn)
		case <-timer.C:
		}
	}
	log.Debug("Agent loop closed", "id", session.ID)
}

func (m *Manager) processTurn(session *Session, turn Turn) {
	log := logger.GetLogger()
	if len(turn) == 0 {
		return
	}

	// Results land in pending during the turn; whatever accumulated becomes
	// the next turn, even when the provider call failed.
	defer session.commitPending()

	messages := m.prepareTurnMessages(session, turn)
	if len(messages) == 0 {
		return
	}

	log.Debug("Processing turn", "id", session.ID, "entries", len(turn))

	ctx := context.Background()
	var err error
	if session.Agent.Config().StreamEnabled {
		err = m.handleStreamingResponse(ctx, session, messages)
	} else {
		err = m.handleSyncResponse(ctx, session, messages)
	}
	if err != nil {
		log.Error("Error while processing turn", "id", session.ID, "error", err)
	}
}

// prepareTurnMessages converts queued entries into provider messages and
// routes side outputs: tool result text to OnToolResponse, renderable blob
// artifacts to OnAgentResponse.
func (m *Manager) prepareTurnMessages(session *Session, turn Turn) []agent.Message {
	var messages []agent.Message

	for _, entry := range turn {
		payloads, ok := entry.Payload.([]any)
		if !ok {
			payloads = []any{entry.Payload}
		}

		entryMessages, artifacts := session.Adapter.BuildProviderMessages(session.Agent, payloads, entry.Role)
		messages = append(messages, entryMessages...)

		if m.callbacks.OnToolResponse != nil && entry.Role == "tool" {
			for _, message := range entryMessages {
				if text := strings.TrimSpace(session.Agent.MessageText(message)); text != "" {
					m.callbacks.OnToolResponse(session.UserID, session.ChatID, text)
				}
			}
		}

		if m.fileHandler != nil && m.callbacks.OnAgentResponse != nil {
			for _, artifact := range artifacts {
				if artifact["kind"] != "blob" {
					continue
				}
				mime, _ := artifact["mime"].(string)
				blob, _ := artifact["blob_b64"].(string)
				name, _ := artifact["name"].(string)
				meta, _ := artifact["meta"].(map[string]any)
				if rendered, ok := m.fileHandler.Stringify(mime, blob, name, meta); ok {
					m.callbacks.OnAgentResponse(session.UserID, session.ChatID, rendered)
				}
			}
		}
	}
	return messages
}

func (m *Manager) handleStreamingResponse(ctx context.Context, session *Session, messages []agent.Message) error {
	chunks, err := session.Agent.GenerateResponse(ctx, messages)
	if err != nil {
		return err
	}

	var (
		contentBuffer strings.Builder
		lastThinking  string
		lastRequest   *adapter.JSONRPCRequest
	)

	for chunk := range chunks {
		if chunk.Err != nil {
			return chunk.Err
		}

		if chunk.Thinking != "" {
			lastThinking = chunk.Thinking
			if m.callbacks.OnAgentThinking != nil {
				m.callbacks.OnAgentThinking(session.UserID, session.ChatID, chunk.Thinking)
			}
		}

		if strings.TrimSpace(chunk.Content) != "" {
			contentBuffer.WriteString(chunk.Content)
			if m.callbacks.OnAgentResponse != nil {
				m.callbacks.OnAgentResponse(session.UserID, session.ChatID, contentBuffer.String())
			}
		}

		if len(chunk.ToolCalls) > 0 {
			requests := m.dispatchToolCalls(ctx, session, chunk.ToolCalls)
			if len(requests) > 0 {
				lastRequest = &requests[len(requests)-1]
			}
		}
	}

	if m.callbacks.OnAgentCompletion != nil {
		var finalRequests []adapter.JSONRPCRequest
		if lastRequest != nil {
			finalRequests = []adapter.JSONRPCRequest{*lastRequest}
		}
		m.callbacks.OnAgentCompletion(session.UserID, session.ChatID,
			lastThinking, strings.TrimSpace(contentBuffer.String()), finalRequests)
	}
	return nil
}

func (m *Manager) handleSyncResponse(ctx context.Context, session *Session, messages []agent.Message) error {
	completion, err := session.Agent.GenerateResponseSync(ctx, messages)
	if err != nil {
		return err
	}

	if completion.Thinking != "" && m.callbacks.OnAgentThinking != nil {
		m.callbacks.OnAgentThinking(session.UserID, session.ChatID, completion.Thinking)
	}

	content := strings.TrimSpace(completion.Content)
	if content != "" && m.callbacks.OnAgentResponse != nil {
		m.callbacks.OnAgentResponse(session.UserID, session.ChatID, completion.Content)
	}

	var requests []adapter.JSONRPCRequest
	if len(completion.ToolCalls) > 0 {
		requests = m.dispatchToolCalls(ctx, session, completion.ToolCalls)
	}

	if m.callbacks.OnAgentCompletion != nil {
		m.callbacks.OnAgentCompletion(session.UserID, session.ChatID,
			completion.Thinking, content, requests)
	}
	return nil
}

// dispatchToolCalls translates tool calls, reports mapping failures into
// the next turn, and executes the translated requests in order.
func (m *Manager) dispatchToolCalls(ctx context.Context, session *Session, toolCalls []map[string]any) []adapter.JSONRPCRequest {
	log := logger.GetLogger()

	requests, mappingError, err := session.Adapter.AdaptModelCallToMCP(toolCalls)
	if err != nil {
		log.Error("Failed to translate tool calls", "id", session.ID, "error", err)
		session.appendPending(Entry{Payload: fmt.Sprintf("Tool call translation failed: %v", err), Role: "tool"})
		return nil
	}
	if mappingError != "" {
		session.appendPending(Entry{Payload: mappingError, Role: "tool"})
	}

	for _, request := range requests {
		session.appendPending(Entry{Payload: m.executeSingleRequest(ctx, session, request), Role: "tool"})
	}
	return requests
}

func (m *Manager) executeSingleRequest(ctx context.Context, session *Session, request adapter.JSONRPCRequest) any {
	log := logger.GetLogger()
	log.Debug("Executing MCP call", "method", request.Method, "params", request.Params)

	if m.callbacks.OnAgentToolCall != nil {
		m.callbacks.OnAgentToolCall(session.UserID, session.ChatID, request.Method, request.Params)
	}
	return session.Executor.ExecuteJSONRPC(ctx, request)
}
