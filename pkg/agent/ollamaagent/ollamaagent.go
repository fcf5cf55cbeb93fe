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

// Package ollamaagent implements the agent contract against the Ollama
// /api/chat endpoint, including NDJSON streaming with structured tool calls.
package ollamaagent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/httpclient"
)

const defaultHost = "http://localhost:11434"

// ChatMessage is the Ollama-native message object kept in agent history.
type ChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
}

// Options is the Ollama sampling option bundle.
type Options struct {
	Temperature float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	TopP        float64 `json:"top_p,omitempty" mapstructure:"top_p"`
	TopK        int     `json:"top_k,omitempty" mapstructure:"top_k"`
	NumCtx      int     `json:"num_ctx,omitempty" mapstructure:"num_ctx"`
	NumPredict  int     `json:"num_predict,omitempty" mapstructure:"num_predict"`
}

// DefaultOptions returns the baseline option bundle.
func DefaultOptions() *Options {
	return &Options{
		Temperature: 0.1,
		TopP:        0.8,
		TopK:        10,
		NumCtx:      50000,
	}
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []*ChatMessage   `json:"messages"`
	Stream   bool             `json:"stream"`
	Think    bool             `json:"think,omitempty"`
	Options  *Options         `json:"options,omitempty"`
	Tools    []agent.ToolSpec `json:"tools,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message ChatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Agent is the Ollama implementation of the agent contract.
type Agent struct {
	mu sync.Mutex

	cfg        *agent.Config
	host       string
	httpClient *httpclient.Client
	options    *Options

	history              []agent.Message
	systemPromptTemplate string
	activeTools          []agent.ToolSpec
}

var _ agent.Agent = (*Agent)(nil)
var _ agent.Sampler = (*Agent)(nil)

// New creates an Ollama agent. options is the raw provider option bundle
// (temperature, top_p, top_k, num_ctx, num_predict); missing keys keep
// their defaults.
func New(cfg *agent.Config, host string, options map[string]any) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.SetDefaults()

	if host == "" {
		host = defaultHost
	}
	host = strings.TrimSuffix(host, "/")

	opts := DefaultOptions()
	if len(options) > 0 {
		if err := mapstructure.Decode(options, opts); err != nil {
			return nil, fmt.Errorf("failed to decode ollama options: %w", err)
		}
	}

	return &Agent{
		cfg:        cfg,
		host:       host,
		httpClient: httpclient.New(),
		options:    opts,
	}, nil
}

func (a *Agent) Config() *agent.Config {
	return a.cfg
}

// ----------------------------
// Message factories
// ----------------------------

func (a *Agent) MakeUserMessage(content string, images []string) agent.Message {
	msg := &ChatMessage{Role: "user", Content: content}
	if len(images) > 0 {
		msg.Images = append([]string(nil), images...)
	}
	return msg
}

func (a *Agent) MakeSystemMessage(content string) agent.Message {
	return &ChatMessage{Role: "system", Content: content}
}

func (a *Agent) MakeToolMessage(content string, name string, images []string) agent.Message {
	msg := &ChatMessage{Role: "tool", Content: content, ToolName: name}
	if len(images) > 0 {
		msg.Images = append([]string(nil), images...)
	}
	return msg
}

func (a *Agent) MakeAssistantMessage(content string, thinking string, toolCalls []map[string]any) agent.Message {
	msg := &ChatMessage{Role: "assistant", Content: content}
	if thinking != "" && a.cfg.ThinkingEnabled {
		msg.Thinking = thinking
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = append([]map[string]any(nil), toolCalls...)
	}
	return msg
}

func (a *Agent) IsSystemMessage(message agent.Message) bool {
	msg, ok := message.(*ChatMessage)
	return ok && msg.Role == "system"
}

// ----------------------------
// History management
// ----------------------------

func (a *Agent) AddMessage(message agent.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, message)
}

func (a *Agent) History() []agent.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Message(nil), a.history...)
}

func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.history[:0]
	for _, msg := range a.history {
		if a.isSystem(msg) {
			kept = append(kept, msg)
		}
	}
	a.history = kept
}

func (a *Agent) SetSystemPrompt(template string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.systemPromptTemplate = template
	if template == "" {
		return
	}

	systemMessage := &ChatMessage{Role: "system", Content: template}
	if len(a.history) > 0 && a.isSystem(a.history[0]) {
		a.history[0] = systemMessage
		return
	}
	a.history = append([]agent.Message{systemMessage}, a.history...)
}

func (a *Agent) isSystem(message agent.Message) bool {
	msg, ok := message.(*ChatMessage)
	return ok && msg.Role == "system"
}

func (a *Agent) SetActiveTools(specs []agent.ToolSpec) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeTools = append([]agent.ToolSpec(nil), specs...)
}

func (a *Agent) ActiveTools() []agent.ToolSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.ToolSpec(nil), a.activeTools...)
}

func (a *Agent) MessageText(message agent.Message) string {
	if msg, ok := message.(*ChatMessage); ok {
		return msg.Content
	}
	return ""
}

// ----------------------------
// Response generation
// ----------------------------

// GenerateResponse ingests the new messages and streams the model response.
// Tool calls are deduplicated across chunks by canonical fingerprint; the
// full assistant message is appended to history at end-of-stream.
func (a *Agent) GenerateResponse(ctx context.Context, newMessages []agent.Message) (<-chan agent.StreamChunk, error) {
	a.ingest(newMessages)
	request := a.buildRequest(true)

	out := make(chan agent.StreamChunk, 100)
	go func() {
		defer close(out)
		a.streamRequest(ctx, request, out)
	}()

	return out, nil
}

func (a *Agent) streamRequest(ctx context.Context, request chatRequest, out chan<- agent.StreamChunk) {
	resp, err := a.post(ctx, request)
	if err != nil {
		out <- agent.StreamChunk{Err: err}
		return
	}
	defer resp.Body.Close()

	var (
		content   strings.Builder
		thinking  strings.Builder
		seen      = make(map[string]struct{})
		collected []map[string]any
	)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			out <- agent.StreamChunk{Err: agent.NewTransportError("failed to read response stream", err)}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			out <- agent.StreamChunk{Err: agent.NewProtocolError("malformed stream chunk", err)}
			return
		}
		if chunk.Error != "" {
			out <- agent.StreamChunk{Err: agent.NewProtocolError("ollama api error: "+chunk.Error, nil)}
			return
		}

		chunkContent := chunk.Message.Content
		chunkThinking := chunk.Message.Thinking
		content.WriteString(chunkContent)
		thinking.WriteString(chunkThinking)

		var newCalls []map[string]any
		for _, call := range chunk.Message.ToolCalls {
			key := agent.CanonicalCallKey(call)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			collected = append(collected, call)
			newCalls = append(newCalls, call)
		}

		if chunkContent == "" && chunkThinking == "" && len(newCalls) == 0 {
			if chunk.Done {
				break
			}
			continue
		}

		emitted := agent.StreamChunk{Content: chunkContent, ToolCalls: newCalls}
		if chunkThinking != "" {
			emitted.Thinking = thinking.String()
		}
		out <- emitted

		if chunk.Done {
			break
		}
	}

	if content.Len() > 0 || thinking.Len() > 0 || len(collected) > 0 {
		a.AddMessage(a.MakeAssistantMessage(content.String(), thinking.String(), collected))
	}
}

// GenerateResponseSync ingests the new messages and produces the full
// response in one round-trip.
func (a *Agent) GenerateResponseSync(ctx context.Context, newMessages []agent.Message) (*agent.Completion, error) {
	a.ingest(newMessages)

	response, err := a.chat(ctx, a.buildRequest(false))
	if err != nil {
		return nil, err
	}

	thinking := ""
	if a.cfg.ThinkingEnabled {
		thinking = response.Message.Thinking
	}

	completion := &agent.Completion{
		Thinking:  thinking,
		Content:   response.Message.Content,
		ToolCalls: response.Message.ToolCalls,
	}
	a.AddMessage(a.MakeAssistantMessage(completion.Content, completion.Thinking, completion.ToolCalls))

	return completion, nil
}

// SampleSync runs a non-streaming model call over the given messages only;
// history is neither consulted nor mutated.
func (a *Agent) SampleSync(ctx context.Context, messages []agent.Message) (string, error) {
	chatMessages := make([]*ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if chatMsg, ok := msg.(*ChatMessage); ok {
			chatMessages = append(chatMessages, chatMsg)
		}
	}

	a.mu.Lock()
	request := chatRequest{
		Model:    a.cfg.Model,
		Messages: chatMessages,
		Stream:   false,
		Think:    a.cfg.ThinkingEnabled,
		Options:  a.options,
		Tools:    append([]agent.ToolSpec(nil), a.activeTools...),
	}
	a.mu.Unlock()

	response, err := a.chat(ctx, request)
	if err != nil {
		return "", err
	}
	return response.Message.Content, nil
}

// ----------------------------
// Helpers
// ----------------------------

func (a *Agent) ingest(newMessages []agent.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, newMessages...)
}

func (a *Agent) buildRequest(stream bool) chatRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	messages := make([]*ChatMessage, 0, len(a.history))
	for _, msg := range a.history {
		if chatMsg, ok := msg.(*ChatMessage); ok {
			messages = append(messages, chatMsg)
		}
	}

	return chatRequest{
		Model:    a.cfg.Model,
		Messages: messages,
		Stream:   stream,
		Think:    a.cfg.ThinkingEnabled,
		Options:  a.options,
		Tools:    append([]agent.ToolSpec(nil), a.activeTools...),
	}
}

func (a *Agent) post(ctx context.Context, request chatRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, agent.NewProtocolError("failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.host+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, agent.NewTransportError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			var apiErr struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
				return nil, agent.NewProtocolError("ollama api error: "+apiErr.Error, err)
			}
		}
		return nil, agent.NewTransportError("request to ollama failed", err)
	}

	return resp, nil
}

func (a *Agent) chat(ctx context.Context, request chatRequest) (*chatResponse, error) {
	resp, err := a.post(ctx, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agent.NewTransportError("failed to read response", err)
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, agent.NewProtocolError("failed to decode response", err)
	}
	if response.Error != "" {
		return nil, agent.NewProtocolError("ollama api error: "+response.Error, nil)
	}

	return &response, nil
}
