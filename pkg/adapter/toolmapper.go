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

	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
)

// capabilityKind discriminates reverse-index entries.
type capabilityKind string

const (
	kindTool     capabilityKind = "tool"
	kindResource capabilityKind = "resource"
)

type capabilityRef struct {
	Kind capabilityKind
	Key  string
}

// FunctionToolMapper builds provider function-tool specifications from MCP
// capabilities.
//
//   - Tools keep their original name; their input schema is root-normalized.
//   - Resources are exposed as zero-argument function tools named by URI.
//   - Prompts are cached but not surfaced as callable tools.
//
// The reverse index maps provider tool names back to (kind, key) for the
// call translator.
type FunctionToolMapper struct {
	toolsByName    *index[mcp.Tool]
	promptsByName  *index[mcp.Prompt]
	resourcesByURI *index[mcp.Resource]

	providerTools []agent.ToolSpec
	reverseIndex  map[string]capabilityRef
}

func NewFunctionToolMapper() *FunctionToolMapper {
	return &FunctionToolMapper{
		toolsByName:    newIndex[mcp.Tool](),
		promptsByName:  newIndex[mcp.Prompt](),
		resourcesByURI: newIndex[mcp.Resource](),
		reverseIndex:   make(map[string]capabilityRef),
	}
}

// Update atomically replaces the capability indexes, rebuilds the provider
// tool list, and returns a human-readable diff summary. An empty string
// means the visible tool set did not change.
func (m *FunctionToolMapper) Update(tools []mcp.Tool, prompts []mcp.Prompt, resources []mcp.Resource) string {
	toolChange := m.toolsByName.replace(tools, func(t mcp.Tool) string { return t.Name })
	m.promptsByName.replace(prompts, func(p mcp.Prompt) string { return p.Name })
	resourceChange := m.resourcesByURI.replace(resources, func(r mcp.Resource) string { return r.URI })

	m.rebuildProviderTools()
	return m.formatCapabilityUpdate(toolChange, resourceChange)
}

// ProviderTools returns the current provider tool specifications.
func (m *FunctionToolMapper) ProviderTools() []agent.ToolSpec {
	return append([]agent.ToolSpec(nil), m.providerTools...)
}

// ReverseIndex returns a copy of the provider-name to capability mapping.
func (m *FunctionToolMapper) ReverseIndex() map[string]capabilityRef {
	out := make(map[string]capabilityRef, len(m.reverseIndex))
	for name, ref := range m.reverseIndex {
		out[name] = ref
	}
	return out
}

func (m *FunctionToolMapper) rebuildProviderTools() {
	specs := make([]agent.ToolSpec, 0, len(m.toolsByName.keys)+len(m.resourcesByURI.keys))
	reverse := make(map[string]capabilityRef)

	for _, tool := range m.toolsByName.values() {
		specs = append(specs, agent.ToolSpec{
			Type: "function",
			Function: agent.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  normalizeRootSchema(toolSchemaMap(tool)),
			},
		})
		reverse[tool.Name] = capabilityRef{Kind: kindTool, Key: tool.Name}
	}

	for _, resource := range m.resourcesByURI.values() {
		specs = append(specs, agent.ToolSpec{
			Type: "function",
			Function: agent.ToolFunction{
				Name:        resource.URI,
				Description: mergeResourceDescription(resource),
				Parameters:  emptyObjectSchema(),
			},
		})
		reverse[resource.URI] = capabilityRef{Kind: kindResource, Key: resource.URI}
	}

	m.providerTools = specs
	m.reverseIndex = reverse
}

func (m *FunctionToolMapper) formatCapabilityUpdate(toolChange Change[mcp.Tool], resourceChange Change[mcp.Resource]) string {
	if toolChange.Empty() && resourceChange.Empty() {
		return ""
	}

	var lines []string
	lines = append(lines, "The list of available tools has been updated.", "")

	lines = append(lines, "The following Tools are available:")
	current := 0
	for _, tool := range m.toolsByName.values() {
		current++
		lines = append(lines, fmt.Sprintf("%d. %s: %s", current, tool.Name, tool.Description))
	}
	for _, resource := range m.resourcesByURI.values() {
		current++
		lines = append(lines, fmt.Sprintf("%d. %s: %s", current, resource.URI, resource.Description))
	}
	if current == 0 {
		lines = append(lines, "None")
	}

	removed := make([]string, 0, len(toolChange.Removed)+len(resourceChange.Removed))
	for _, tool := range toolChange.Removed {
		removed = append(removed, fmt.Sprintf("%s: %s", tool.Name, tool.Description))
	}
	for _, resource := range resourceChange.Removed {
		removed = append(removed, fmt.Sprintf("%s: %s", resource.URI, resource.Description))
	}
	if len(removed) > 0 {
		lines = append(lines, "", "The following tools have been removed:")
		for idx, entry := range removed {
			lines = append(lines, fmt.Sprintf("%d. %s", idx+1, entry))
		}
	}

	return strings.Join(lines, "\n")
}

// toolSchemaMap converts a tool's input schema to a generic map via a JSON
// round-trip, honoring a raw schema override when present.
func toolSchemaMap(tool mcp.Tool) map[string]any {
	raw := []byte(tool.RawInputSchema)
	if len(raw) == 0 {
		data, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return map[string]any{}
		}
		raw = data
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]any{}
	}
	return schema
}

// normalizeRootSchema strips "$schema" and guarantees an object root; a
// non-object schema is wrapped into a single required "payload" property.
func normalizeRootSchema(schema map[string]any) map[string]any {
	if schema == nil {
		schema = map[string]any{}
	}
	normalized := make(map[string]any, len(schema))
	for key, value := range schema {
		if key == "$schema" {
			continue
		}
		normalized[key] = value
	}

	if normalized["type"] != "object" {
		return map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"payload": schema},
			"required":             []string{"payload"},
			"additionalProperties": false,
		}
	}
	return normalized
}

func emptyObjectSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"required":             []string{},
		"additionalProperties": false,
	}
}

func mergeResourceDescription(resource mcp.Resource) string {
	title := resource.Name
	if title == "" {
		title = resource.URI
	}
	parts := make([]string, 0, 2)
	if title != "" {
		parts = append(parts, title)
	}
	if resource.Description != "" {
		parts = append(parts, resource.Description)
	}
	if len(parts) == 0 {
		return resource.URI
	}
	return strings.Join(parts, " - ")
}

// promptSchema derives an object schema from a prompt's argument list,
// used when rendering prompt catalogs.
func promptSchema(arguments []mcp.PromptArgument) map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, arg := range arguments {
		if arg.Name == "" {
			continue
		}
		prop := map[string]any{"type": "string"}
		if arg.Description != "" {
			prop["description"] = arg.Description
		}
		properties[arg.Name] = prop
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}
