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
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() mcp.Tool {
	return mcp.Tool{
		Name:        "echo",
		Description: "Echo the input",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"input": map[string]any{"type": "string"}},
			Required:   []string{"input"},
		},
	}
}

func TestUpdate_NewToolProducesSummary(t *testing.T) {
	mapper := NewFunctionToolMapper()

	summary := mapper.Update([]mcp.Tool{echoTool()}, nil, nil)
	require.NotEmpty(t, summary)
	assert.True(t, strings.HasPrefix(summary, "The list of available tools has been updated."))
	assert.Contains(t, summary, "1. echo: Echo the input")
}

func TestUpdate_SameSnapshotProducesNoSummary(t *testing.T) {
	mapper := NewFunctionToolMapper()
	resource := mcp.Resource{URI: "file://a.md", Name: "a.md", Description: "Readme"}

	mapper.Update([]mcp.Tool{echoTool()}, nil, []mcp.Resource{resource})
	before := mapper.ProviderTools()

	summary := mapper.Update([]mcp.Tool{echoTool()}, nil, []mcp.Resource{resource})
	assert.Empty(t, summary)
	assert.Equal(t, before, mapper.ProviderTools())
}

func TestUpdate_RemovedToolListedSeparately(t *testing.T) {
	mapper := NewFunctionToolMapper()
	mapper.Update([]mcp.Tool{echoTool()}, nil, nil)

	summary := mapper.Update(nil, nil, nil)
	require.NotEmpty(t, summary)
	assert.Contains(t, summary, "None")
	assert.Contains(t, summary, "The following tools have been removed:")
	assert.Contains(t, summary, "echo: Echo the input")
}

func TestProviderTools_ObjectSchemaKept(t *testing.T) {
	mapper := NewFunctionToolMapper()
	mapper.Update([]mcp.Tool{echoTool()}, nil, nil)

	tools := mapper.ProviderTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "function", tools[0].Type)
	assert.Equal(t, "echo", tools[0].Function.Name)
	assert.Equal(t, "object", tools[0].Function.Parameters["type"])
}

func TestProviderTools_NonObjectSchemaWrapped(t *testing.T) {
	tool := mcp.Tool{
		Name:           "scalar",
		RawInputSchema: json.RawMessage(`{"$schema":"https://json-schema.org/draft/2020-12/schema","type":"string"}`),
	}

	mapper := NewFunctionToolMapper()
	mapper.Update([]mcp.Tool{tool}, nil, nil)

	params := mapper.ProviderTools()[0].Function.Parameters
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, false, params["additionalProperties"])
	assert.Equal(t, []string{"payload"}, params["required"])

	properties, ok := params["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, properties, "payload")
}

func TestProviderTools_SchemaKeyStripped(t *testing.T) {
	tool := mcp.Tool{
		Name:           "strip",
		RawInputSchema: json.RawMessage(`{"$schema":"https://json-schema.org/draft/2020-12/schema","type":"object","properties":{}}`),
	}

	mapper := NewFunctionToolMapper()
	mapper.Update([]mcp.Tool{tool}, nil, nil)

	params := mapper.ProviderTools()[0].Function.Parameters
	assert.NotContains(t, params, "$schema")
}

func TestProviderTools_ResourceAsZeroArgTool(t *testing.T) {
	resource := mcp.Resource{URI: "file://a.md", Name: "a.md", Description: "Readme"}

	mapper := NewFunctionToolMapper()
	mapper.Update(nil, nil, []mcp.Resource{resource})

	tools := mapper.ProviderTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "file://a.md", tools[0].Function.Name)
	assert.Equal(t, "a.md - Readme", tools[0].Function.Description)

	params := tools[0].Function.Parameters
	assert.Equal(t, "object", params["type"])
	assert.Empty(t, params["properties"])
}

func TestReverseIndex(t *testing.T) {
	mapper := NewFunctionToolMapper()
	mapper.Update(
		[]mcp.Tool{echoTool()},
		[]mcp.Prompt{{Name: "greet"}},
		[]mcp.Resource{{URI: "file://a.md"}},
	)

	reverse := mapper.ReverseIndex()
	assert.Equal(t, capabilityRef{Kind: kindTool, Key: "echo"}, reverse["echo"])
	assert.Equal(t, capabilityRef{Kind: kindResource, Key: "file://a.md"}, reverse["file://a.md"])
	// Prompts are not surfaced as provider tools.
	assert.NotContains(t, reverse, "greet")
}

func TestUpdate_LaterArrivalOverwritesEarlier(t *testing.T) {
	mapper := NewFunctionToolMapper()
	first := echoTool()
	second := echoTool()
	second.Description = "Replacement"

	summary := mapper.Update([]mcp.Tool{first, second}, nil, nil)
	require.NotEmpty(t, summary)

	tools := mapper.ProviderTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "Replacement", tools[0].Function.Description)
}
