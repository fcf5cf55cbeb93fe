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

// Package agent defines the provider-agnostic chat agent contract.
//
// An Agent keeps provider-native history entries, manages the system prompt,
// stores negotiated tool specifications, and generates streaming or
// synchronous responses. Concrete providers live in subpackages
// (e.g. ollamaagent).
package agent

import (
	"context"
	"encoding/json"
)

// Config is the shared agent configuration used across providers.
type Config struct {
	// Model is the target model identifier.
	Model string `yaml:"model" mapstructure:"model"`
	// ThinkingEnabled requests and surfaces reasoning output.
	ThinkingEnabled bool `yaml:"thinking_enabled" mapstructure:"thinking_enabled"`
	// StreamEnabled selects the streaming response path.
	StreamEnabled bool `yaml:"stream_enabled" mapstructure:"stream_enabled"`
	// SystemPromptPath is an optional path to a system prompt template.
	SystemPromptPath string `yaml:"system_prompt_path" mapstructure:"system_prompt_path"`
	// SupportsVision gates inline images in tool responses.
	SupportsVision bool `yaml:"supports_vision" mapstructure:"supports_vision"`
	// Options is the provider-specific option bundle.
	Options map[string]any `yaml:"options" mapstructure:"options"`
}

// SetDefaults fills zero-value fields with defaults.
func (c *Config) SetDefaults() {
	if c.Model == "" {
		c.Model = "llama3.2:3b"
	}
}

// Message is an opaque provider-native message object. Only the owning
// Agent inspects it; everyone else moves it around by value.
type Message = any

// ToolFunction describes the callable function inside a ToolSpec.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolSpec is a provider-native function-tool specification.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// StreamChunk is one emission of the streaming response generator.
type StreamChunk struct {
	// Thinking is the cumulative reasoning trace. Empty when the chunk
	// carried no reasoning delta.
	Thinking string
	// Content is the content delta for this chunk.
	Content string
	// ToolCalls holds normalized tool calls first seen in this chunk.
	ToolCalls []map[string]any
	// Err terminates the stream when non-nil.
	Err error
}

// Completion is the result of a synchronous response generation.
type Completion struct {
	Thinking  string
	Content   string
	ToolCalls []map[string]any
}

// Agent is the abstract chat agent contract.
//
// Message factories construct provider-native history entries. The response
// generators ingest the given new messages (appending them to history)
// before calling the model; a failed call appends no assistant message.
type Agent interface {
	Config() *Config

	MakeUserMessage(content string, images []string) Message
	MakeSystemMessage(content string) Message
	MakeToolMessage(content string, name string, images []string) Message
	MakeAssistantMessage(content string, thinking string, toolCalls []map[string]any) Message
	IsSystemMessage(message Message) bool

	AddMessage(message Message)
	History() []Message
	// Reset removes every history entry except system messages.
	Reset()
	// SetSystemPrompt upserts the system message at position 0 when the
	// template is non-empty; an empty template leaves history unchanged.
	SetSystemPrompt(template string)

	SetActiveTools(specs []ToolSpec)
	ActiveTools() []ToolSpec

	// MessageText projects a provider-native message onto its text content.
	// Returns "" for foreign or content-free messages.
	MessageText(message Message) string

	// GenerateResponse streams chunks until the model completes. The
	// returned channel is closed after the terminal chunk; a chunk with
	// Err set ends the stream exceptionally.
	GenerateResponse(ctx context.Context, newMessages []Message) (<-chan StreamChunk, error)

	// GenerateResponseSync produces the full response in one shot.
	GenerateResponseSync(ctx context.Context, newMessages []Message) (*Completion, error)
}

// Sampler is an optional interface for agents that support server-initiated
// sampling: a non-streaming model call that bypasses history.
type Sampler interface {
	SampleSync(ctx context.Context, messages []Message) (string, error)
}

// CanonicalCallKey returns a deterministic fingerprint for a normalized
// tool call, used to deduplicate repeated emissions across stream chunks.
// encoding/json sorts map keys, so the key is stable under input key order
// while distinct arguments produce distinct keys.
func CanonicalCallKey(call map[string]any) string {
	data, err := json.Marshal(call)
	if err != nil {
		return ""
	}
	return string(data)
}
