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

package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// JSONRPCRequest is an MCP-bound JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// CallTranslator converts provider tool-call payloads into MCP JSON-RPC
// requests, resolving provider names through its own capability caches.
type CallTranslator struct {
	toolsByName    *index[mcp.Tool]
	promptsByName  *index[mcp.Prompt]
	resourcesByURI *index[mcp.Resource]
	nameIndex      map[string]capabilityRef
	nameOrder      []string
}

func NewCallTranslator() *CallTranslator {
	return &CallTranslator{
		toolsByName:    newIndex[mcp.Tool](),
		promptsByName:  newIndex[mcp.Prompt](),
		resourcesByURI: newIndex[mcp.Resource](),
		nameIndex:      make(map[string]capabilityRef),
	}
}

// UpdateCapabilities refreshes the caches used to resolve provider names.
func (t *CallTranslator) UpdateCapabilities(tools []mcp.Tool, prompts []mcp.Prompt, resources []mcp.Resource) {
	t.toolsByName.replace(tools, func(tool mcp.Tool) string { return tool.Name })
	t.promptsByName.replace(prompts, func(prompt mcp.Prompt) string { return prompt.Name })
	t.resourcesByURI.replace(resources, func(resource mcp.Resource) string { return resource.URI })

	t.nameIndex = make(map[string]capabilityRef)
	t.nameOrder = t.nameOrder[:0]
	for _, name := range t.toolsByName.names() {
		t.nameIndex[name] = capabilityRef{Kind: kindTool, Key: name}
		t.nameOrder = append(t.nameOrder, name)
	}
	for _, uri := range t.resourcesByURI.names() {
		t.nameIndex[uri] = capabilityRef{Kind: kindResource, Key: uri}
		t.nameOrder = append(t.nameOrder, uri)
	}
}

// ExtractToolCalls normalizes a provider payload into a flat list of call
// mappings. Accepted shapes: a single call, a list of calls, a mapping with
// message.tool_calls, a mapping with top-level tool_calls, or nil (empty).
func (t *CallTranslator) ExtractToolCalls(payload any) ([]map[string]any, error) {
	if payload == nil {
		return nil, nil
	}

	var rawCalls []any

	switch p := payload.(type) {
	case map[string]any:
		if _, hasFunction := p["function"]; hasFunction {
			rawCalls = []any{p}
			break
		}
		if message, ok := p["message"].(map[string]any); ok {
			if calls, ok := message["tool_calls"].([]any); ok {
				rawCalls = calls
			}
		}
		if calls, ok := p["tool_calls"].([]any); ok {
			rawCalls = calls
		}
	case []any:
		rawCalls = p
	case []map[string]any:
		for _, call := range p {
			rawCalls = append(rawCalls, call)
		}
	default:
		return nil, &TranslationError{Message: fmt.Sprintf("unsupported tool_call payload: %T", payload)}
	}

	normalized := make([]map[string]any, 0, len(rawCalls))
	for _, call := range rawCalls {
		callMap, ok := call.(map[string]any)
		if !ok {
			return nil, &TranslationError{Message: fmt.Sprintf("unsupported tool_call entry: %v", call)}
		}
		normalized = append(normalized, callMap)
	}
	return normalized, nil
}

// ToJSONRPC translates one normalized call into a JSON-RPC request.
// Resolution order: reverse index, tool index, resource index, then a
// resource URI carried in the arguments.
func (t *CallTranslator) ToJSONRPC(toolCall map[string]any, rpcID int) (JSONRPCRequest, error) {
	function, _ := toolCall["function"].(map[string]any)
	name, _ := function["name"].(string)
	if name == "" {
		return JSONRPCRequest{}, &TranslationError{Message: "invalid tool_call payload: missing function.name"}
	}

	arguments := coerceArguments(function["arguments"])

	if ref, ok := t.nameIndex[name]; ok {
		return t.makeRPC(ref.Kind, ref.Key, arguments, rpcID), nil
	}
	if t.toolsByName.has(name) {
		return t.makeRPC(kindTool, name, arguments, rpcID), nil
	}
	if t.resourcesByURI.has(name) {
		return t.makeRPC(kindResource, name, arguments, rpcID), nil
	}

	if rawURI, ok := arguments["uri"]; ok {
		uri := fmt.Sprintf("%v", rawURI)
		if t.resourcesByURI.has(uri) {
			return t.makeRPC(kindResource, uri, arguments, rpcID), nil
		}
	}

	return JSONRPCRequest{}, t.noMatchError(name)
}

func (t *CallTranslator) makeRPC(kind capabilityKind, key string, arguments map[string]any, rpcID int) JSONRPCRequest {
	switch kind {
	case kindResource:
		// Resources are read-only; arguments are dropped.
		return JSONRPCRequest{
			JSONRPC: "2.0",
			ID:      rpcID,
			Method:  "resources/read",
			Params:  map[string]any{"uri": key},
		}
	default:
		return JSONRPCRequest{
			JSONRPC: "2.0",
			ID:      rpcID,
			Method:  "tools/call",
			Params:  map[string]any{"name": key, "arguments": arguments},
		}
	}
}

// coerceArguments forces the free-form arguments payload into a mapping.
// The coercion is idempotent: feeding its output back in returns an equal
// mapping.
func coerceArguments(arguments any) map[string]any {
	switch args := arguments.(type) {
	case map[string]any:
		return args
	case nil:
		return map[string]any{}
	case string:
		if args == "" {
			return map[string]any{}
		}
		var parsed any
		if err := json.Unmarshal([]byte(args), &parsed); err != nil {
			return map[string]any{"_raw": args}
		}
		if parsedMap, ok := parsed.(map[string]any); ok {
			return parsedMap
		}
		return map[string]any{"_": parsed}
	default:
		return map[string]any{"_": args}
	}
}

func (t *CallTranslator) noMatchError(name string) error {
	candidates := append([]string(nil), t.nameOrder...)
	suggestions := closeMatches(name, candidates, 3, 0.6)

	hint := ""
	if len(suggestions) > 0 {
		hint = fmt.Sprintf(" (did you mean: %s)", strings.Join(suggestions, ", "))
	}
	return &TranslationError{
		Message: fmt.Sprintf("tool_call %q could not be mapped to an MCP capability%s.", name, hint),
	}
}
