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

// Package adapter bridges MCP capabilities and provider-native payloads:
// capability-to-tool-spec mapping, tool-call-to-JSON-RPC translation, and
// MCP result-to-message mapping, composed behind one facade.
package adapter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/logger"
)

// Adapter coordinates capability updates, tool specification mapping, tool
// call translation, and MCP content mapping for one session.
type Adapter struct {
	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource

	contentMapper  *ContentMapper
	callTranslator *CallTranslator
	toolMapper     *FunctionToolMapper
}

// New creates an adapter for the given agent configuration. Options are
// forwarded to the content mapper.
func New(cfg *agent.Config, opts ...ContentMapperOption) *Adapter {
	return &Adapter{
		contentMapper:  NewContentMapper(cfg, opts...),
		callTranslator: NewCallTranslator(),
		toolMapper:     NewFunctionToolMapper(),
	}
}

// ----------------------------
// Capability lifecycle
// ----------------------------

// UpdateCapabilities refreshes the cached MCP capabilities and propagates
// them to the mapper and translator. The returned summary is non-empty when
// the visible tool set changed; the scheduler folds it into the next turn.
func (a *Adapter) UpdateCapabilities(tools []mcp.Tool, prompts []mcp.Prompt, resources []mcp.Resource) string {
	a.tools = append([]mcp.Tool(nil), tools...)
	a.prompts = append([]mcp.Prompt(nil), prompts...)
	a.resources = append([]mcp.Resource(nil), resources...)

	summary := a.toolMapper.Update(a.tools, a.prompts, a.resources)
	a.callTranslator.UpdateCapabilities(a.tools, a.prompts, a.resources)
	return summary
}

// ToBackendTools returns the provider tool specifications that must be
// supplied to the model runtime on each call.
func (a *Adapter) ToBackendTools() []agent.ToolSpec {
	return a.toolMapper.ProviderTools()
}

// ----------------------------
// Provider integration
// ----------------------------

// AdaptModelCallToMCP translates a provider tool-call payload into zero or
// more JSON-RPC requests. Per-call translation failures are collected into
// a single composite diagnostic (mappingError) naming the currently
// available tools so the model can recover.
func (a *Adapter) AdaptModelCallToMCP(payload any) (requests []JSONRPCRequest, mappingError string, err error) {
	log := logger.GetLogger()

	toolCalls, err := a.callTranslator.ExtractToolCalls(payload)
	if err != nil {
		return nil, "", err
	}

	var failures []string
	for idx, call := range toolCalls {
		request, translateErr := a.callTranslator.ToJSONRPC(call, idx+1)
		if translateErr != nil {
			log.Error("Failed to translate provider tool_call",
				"call", describeToolCall(call), "error", translateErr)
			failures = append(failures, fmt.Sprintf("%s -> %v", describeToolCall(call), translateErr))
			continue
		}
		requests = append(requests, request)
	}

	if len(failures) > 0 {
		mappingError = a.formatToolMappingFailure(failures)
	}
	return requests, mappingError, nil
}

// BuildProviderMessages builds provider message objects from queued
// payloads. User payloads take the fast path (stringify, no artifacts);
// everything else flows through the content mapper.
func (a *Adapter) BuildProviderMessages(ag agent.Agent, payloads []any, role string) ([]agent.Message, []Artifact) {
	if role == "user" {
		messages := make([]agent.Message, 0, len(payloads))
		for _, payload := range payloads {
			text, ok := payload.(string)
			if !ok {
				text = fmt.Sprintf("%v", payload)
			}
			messages = append(messages, ag.MakeUserMessage(text, nil))
		}
		return messages, nil
	}

	contents, artifacts := a.contentMapper.MapItems(payloads)
	if len(contents) == 0 {
		return nil, artifacts
	}
	return a.contentMapper.BuildProviderMessages(ag, contents), artifacts
}

// ----------------------------
// Introspection
// ----------------------------

func (a *Adapter) Tools() []mcp.Tool {
	return append([]mcp.Tool(nil), a.tools...)
}

func (a *Adapter) Prompts() []mcp.Prompt {
	return append([]mcp.Prompt(nil), a.prompts...)
}

func (a *Adapter) Resources() []mcp.Resource {
	return append([]mcp.Resource(nil), a.resources...)
}

// ----------------------------
// Helpers
// ----------------------------

func describeToolCall(call map[string]any) string {
	if function, ok := call["function"].(map[string]any); ok {
		name, _ := function["name"].(string)
		if name == "" {
			name = "<unnamed>"
		}
		return "function:" + name
	}
	return fmt.Sprintf("%v", call)
}

func (a *Adapter) formatToolMappingFailure(failures []string) string {
	names := make([]string, 0, len(a.toolMapper.providerTools))
	for _, spec := range a.toolMapper.providerTools {
		if spec.Function.Name != "" {
			names = append(names, spec.Function.Name)
		}
	}
	sort.Strings(names)

	suffix := ""
	if len(names) > 0 {
		suffix = " Available tools: " + strings.Join(names, ", ")
	}

	return "Requested tool or resource could not be mapped. " +
		"Check the currently available tools; availability can change during the session." +
		suffix + " | Details: " + strings.Join(failures, " ; ")
}
