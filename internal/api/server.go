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

// Package api exposes the HTTP surface: an SSE chat completion endpoint
// speaking OpenAI-style delta frames, session teardown, a model catalog,
// and health. Agent output reaches the stream through the broker; the
// stream buffer converts cumulative callback content into deltas.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/config"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/logger"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/manager"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/streambuf"
)

const (
	// completionPoll is how often the stream loop re-evaluates completion.
	completionPoll = 500 * time.Millisecond
	// completionIdle is the quiet period after the last event that, combined
	// with produced content and no trailing tool call, ends the stream.
	completionIdle = time.Second
	// streamSafetyTimeout ends the stream unconditionally.
	streamSafetyTimeout = 120 * time.Second
)

// ChatCompletionRequest is the inbound chat request. Messages are
// [role, content] pairs; only the trailing user message is forwarded,
// earlier history lives in the session.
type ChatCompletionRequest struct {
	UserID   string     `json:"user_id"`
	ChatID   string     `json:"chat_id"`
	Messages [][]string `json:"messages"`

	Provider         string         `json:"provider,omitempty"`
	Model            string         `json:"model,omitempty"`
	ProviderOptions  map[string]any `json:"provider_options,omitempty"`
	OllamaHost       string         `json:"ollama_host,omitempty"`
	ThinkingEnabled  *bool          `json:"thinking_enabled,omitempty"`
	StreamEnabled    *bool          `json:"stream_enabled,omitempty"`
	SystemPromptPath string         `json:"system_prompt_path,omitempty"`

	MCPTransport string            `json:"mcp_transport,omitempty"`
	MCPURL       string            `json:"mcp_url,omitempty"`
	MCPAuthToken string            `json:"mcp_auth_token,omitempty"`
	MCPCommand   string            `json:"mcp_command,omitempty"`
	MCPArgs      []string          `json:"mcp_args,omitempty"`
	MCPEnv       map[string]string `json:"mcp_env,omitempty"`
	MCPCwd       string            `json:"mcp_cwd,omitempty"`
}

// Server wires the chi router to the session manager.
type Server struct {
	manager  *manager.Manager
	broker   *Broker
	buffer   *streambuf.Buffer
	defaults *config.RuntimeConfig
	router   chi.Router
}

// NewServer builds the HTTP server. The broker must be the one whose
// Callbacks() were registered on the manager.
func NewServer(mgr *manager.Manager, broker *Broker, defaults *config.RuntimeConfig) *Server {
	s := &Server{
		manager:  mgr,
		broker:   broker,
		buffer:   streambuf.New(),
		defaults: defaults,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogging)

	r.Post("/chat/completions", s.handleChatCompletions)
	r.Handle("/metrics", promhttp.Handler())
	r.Delete("/sessions/{user}/{chat}", s.handleEndSession)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/models", s.handleModels)
	r.Get("/healthz", s.handleHealth)

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.GetLogger().Debug("Handled request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// ----------------------------
// Chat completions
// ----------------------------

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	log := logger.GetLogger()

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.UserID == "" || req.ChatID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id and chat_id are required")
		return
	}

	runtime, err := s.resolveRuntime(&req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(frame []byte) {
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}
	writeFrame(startFrame())

	sessionKey := s.manager.GetSessionKey(req.UserID, req.ChatID)
	queue, state := s.broker.register(sessionKey)
	s.clearBuffers(req.UserID, req.ChatID)
	defer func() {
		s.clearBuffers(req.UserID, req.ChatID)
		s.broker.drop(sessionKey)
	}()

	if _, ok := s.manager.GetSession(req.UserID, req.ChatID); !ok {
		agentConfig := runtime.Agent
		_, err := s.manager.CreateSession(r.Context(), manager.SessionParams{
			UserID:          req.UserID,
			ChatID:          req.ChatID,
			Provider:        runtime.Provider,
			AgentConfig:     &agentConfig,
			ProviderOptions: runtime.ProviderOptions,
			MCPConfig:       runtime.MCP,
		})
		if err != nil {
			log.Error("Failed to create session", "session", sessionKey, "error", err)
			writeFrame(errorFrame(fmt.Sprintf("failed to create session: %v", err)))
			return
		}
	}

	if message, ok := latestUserMessage(req.Messages); ok {
		if err := s.manager.SendMessage(req.UserID, req.ChatID, message); err != nil {
			writeFrame(errorFrame(err.Error()))
			return
		}
	}

	s.streamEvents(r, writeFrame, &req, runtime, queue, state)
}

// streamEvents drains the session's event queue into SSE frames until the
// turn completes, the safety timeout fires, or the client disconnects.
func (s *Server) streamEvents(r *http.Request, writeFrame func([]byte),
	req *ChatCompletionRequest, runtime *config.RuntimeConfig,
	queue chan event, state *streamState) {

	log := logger.GetLogger()
	thinkingEnabled := runtime.Agent.ThinkingEnabled
	streamEnabled := runtime.Agent.StreamEnabled

	started := time.Now()
	lastEvent := started
	ticker := time.NewTicker(completionPoll)
	defer ticker.Stop()

	for {
		select {
		case ev := <-queue:
			lastEvent = time.Now()
			if frame, ok := s.renderEvent(req.UserID, req.ChatID, ev, streamEnabled, thinkingEnabled); ok {
				writeFrame(frame)
			}
		case <-ticker.C:
			hasContent, lastWasToolCall := state.snapshot()
			idle := time.Since(lastEvent)
			if hasContent && !lastWasToolCall && idle > completionIdle {
				writeFrame(endFrame())
				return
			}
			if time.Since(started) >= streamSafetyTimeout {
				log.Warn("Stream safety timeout reached",
					"session", req.UserID+":"+req.ChatID)
				writeFrame(endFrame())
				return
			}
		case <-r.Context().Done():
			log.Debug("Client disconnected mid-stream",
				"session", req.UserID+":"+req.ChatID)
			return
		}
	}
}

// renderEvent converts a broker event into an SSE frame. Cumulative
// callback content becomes a delta when streaming is on; thinking events
// are dropped entirely when thinking is off.
func (s *Server) renderEvent(userID, chatID string, ev event, streamEnabled, thinkingEnabled bool) ([]byte, bool) {
	switch ev.Type {
	case eventThinking:
		if !thinkingEnabled {
			return nil, false
		}
		return s.renderText(userID, chatID, streambuf.ChannelThinking, ev.Content, streamEnabled, thinkingFrame)
	case eventResponse:
		return s.renderText(userID, chatID, streambuf.ChannelResponse, ev.Content, streamEnabled, responseFrame)
	case eventToolCall:
		return toolCallFrame(ev.Tool, ev.Params), true
	}
	return nil, false
}

func (s *Server) renderText(userID, chatID string, channel streambuf.Channel,
	content string, streamEnabled bool, frame func(string) []byte) ([]byte, bool) {

	if !streamEnabled {
		return frame(content), true
	}
	delta, _, ok := s.buffer.GetDelta(userID, chatID, channel, content)
	if !ok || delta == "" {
		return nil, false
	}
	return frame(delta), true
}

func (s *Server) clearBuffers(userID, chatID string) {
	s.buffer.Clear(userID, chatID, "")
}

// latestUserMessage returns the content of the trailing user entry.
func latestUserMessage(messages [][]string) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if len(messages[i]) == 2 && messages[i][0] == "user" {
			return messages[i][1], true
		}
	}
	return "", false
}

// resolveRuntime layers per-request overrides on top of the configured
// defaults. The MCP client name carries the session identity.
func (s *Server) resolveRuntime(req *ChatCompletionRequest) (*config.RuntimeConfig, error) {
	provider := req.Provider
	if provider == "" {
		provider = s.defaults.Provider
	}
	model := req.Model
	if model == "" && provider == s.defaults.Provider {
		model = s.defaults.Agent.Model
	}

	runtime, err := config.MakeRuntimeConfig(provider, model)
	if err != nil {
		return nil, err
	}

	if provider == s.defaults.Provider {
		for key, value := range s.defaults.ProviderOptions {
			runtime.ProviderOptions[key] = value
		}
		runtime.MCP = s.defaults.MCP
		runtime.Agent.SystemPromptPath = s.defaults.Agent.SystemPromptPath
	}

	for key, value := range req.ProviderOptions {
		runtime.ProviderOptions[key] = value
	}
	if req.OllamaHost != "" {
		runtime.ProviderOptions["host"] = req.OllamaHost
	}
	if req.ThinkingEnabled != nil {
		runtime.Agent.ThinkingEnabled = *req.ThinkingEnabled
	}
	if req.StreamEnabled != nil {
		runtime.Agent.StreamEnabled = *req.StreamEnabled
	}
	if req.SystemPromptPath != "" {
		runtime.Agent.SystemPromptPath = req.SystemPromptPath
	}

	runtime.MCP.Name = req.UserID + "_" + req.ChatID
	if req.MCPTransport != "" {
		runtime.MCP.Transport = req.MCPTransport
	}
	if req.MCPURL != "" {
		runtime.MCP.URL = req.MCPURL
	}
	if req.MCPAuthToken != "" {
		runtime.MCP.AuthToken = req.MCPAuthToken
	}
	if req.MCPCommand != "" {
		runtime.MCP.Command = req.MCPCommand
		runtime.MCP.Args = req.MCPArgs
		runtime.MCP.Env = req.MCPEnv
		runtime.MCP.Cwd = req.MCPCwd
	}

	return runtime, nil
}

// ----------------------------
// Sessions, models, health
// ----------------------------

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	chatID := chi.URLParam(r, "chat")

	sessionKey := s.manager.GetSessionKey(userID, chatID)
	s.broker.drop(sessionKey)
	s.clearBuffers(userID, chatID)

	if err := s.manager.EndSession(r.Context(), userID, chatID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Session %s terminated", sessionKey),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.ListSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	var models []config.ModelInfo
	for _, provider := range config.Providers() {
		models = append(models, config.ListModels(provider)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": config.Providers(),
		"models":    models,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"defaults": map[string]any{
			"provider": s.defaults.Provider,
			"model":    s.defaults.Agent.Model,
		},
	})
}

// ----------------------------
// Wire helpers
// ----------------------------

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.GetLogger().Error("Failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func deltaFrame(delta map[string]any, finishReason any) []byte {
	frame, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	})
	return frame
}

func startFrame() []byte {
	return deltaFrame(map[string]any{"role": "assistant"}, nil)
}

func thinkingFrame(text string) []byte {
	return deltaFrame(map[string]any{"reasoning_content": text}, nil)
}

func responseFrame(text string) []byte {
	return deltaFrame(map[string]any{"content": text}, nil)
}

func toolCallFrame(method string, params map[string]any) []byte {
	arguments, _ := json.Marshal(params)
	return deltaFrame(map[string]any{
		"tool_calls": []map[string]any{{
			"function": map[string]any{
				"name":      method,
				"arguments": string(arguments),
			},
		}},
	}, nil)
}

func endFrame() []byte {
	return deltaFrame(map[string]any{}, "stop")
}

func errorFrame(message string) []byte {
	frame, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "stream_error",
		},
	})
	return frame
}
