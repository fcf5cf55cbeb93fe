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
	"encoding/base64"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
)

func textBlock(text string) mcp.TextContent {
	return mcp.TextContent{Type: "text", Text: text}
}

func TestMapItems_CallToolResultText(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	result := &mcp.CallToolResult{Content: []mcp.Content{textBlock("x")}}
	contents, artifacts := mapper.MapItems([]any{result})

	require.Len(t, contents, 1)
	assert.Equal(t, "x", contents[0].Text)
	assert.Empty(t, artifacts)
}

func TestMapItems_PromptMessagesCarryRolePrefix(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	result := &mcp.GetPromptResult{
		Messages: []mcp.PromptMessage{
			{Role: mcp.RoleUser, Content: textBlock("question")},
			{Role: mcp.RoleAssistant, Content: textBlock("answer")},
		},
	}
	contents, _ := mapper.MapItems([]any{result})

	require.Len(t, contents, 2)
	assert.Equal(t, "[user]: question", contents[0].Text)
	assert.Equal(t, "[assistant]: answer", contents[1].Text)
}

func TestMapItems_ReadResourceResult(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	result := &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{URI: "file://a.md", Text: "# hi"},
		},
	}
	contents, _ := mapper.MapItems([]any{result})

	require.Len(t, contents, 1)
	assert.Equal(t, "# hi", contents[0].Text)
}

func TestMapItems_WhitespaceTextDropped(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	contents, artifacts := mapper.MapItems([]any{textBlock("   ")})
	assert.Empty(t, contents)
	assert.Empty(t, artifacts)
}

func TestMapItems_ImageWithVision(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{SupportsVision: true})

	contents, artifacts := mapper.MapItems([]any{mcp.ImageContent{Type: "image", Data: "b64data"}})

	require.Len(t, contents, 1)
	assert.Equal(t, []string{"b64data"}, contents[0].Images)
	assert.Empty(t, artifacts)
}

func TestMapItems_ImageWithoutVisionBecomesArtifact(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{SupportsVision: false})

	contents, artifacts := mapper.MapItems([]any{mcp.ImageContent{Type: "image", Data: "b64data"}})

	assert.Empty(t, contents)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "image", artifacts[0]["kind"])
	assert.Equal(t, "vision_not_supported", artifacts[0]["note"])
}

func TestMapItems_ResourceLink(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	link := mcp.ResourceLink{Type: "resource_link", URI: "file://a.md", Name: "a.md"}
	contents, _ := mapper.MapItems([]any{link})

	require.Len(t, contents, 1)
	assert.Equal(t, "- a.md: file://a.md", contents[0].Text)
}

func TestMapItems_BlobInlinedWhenWhitelisted(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{},
		WithInlineBlobMimeTypes([]string{"text/markdown"}))

	blob := mcp.BlobResourceContents{
		URI:      "file://notes.md",
		MIMEType: "text/markdown",
		Blob:     base64.StdEncoding.EncodeToString([]byte("# notes")),
	}
	contents, artifacts := mapper.MapItems([]any{blob})

	require.Len(t, contents, 1)
	assert.Equal(t, "# notes", contents[0].Text)
	assert.Empty(t, artifacts)
}

func TestMapItems_BlobNotWhitelistedBecomesArtifact(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	payload := []byte("%PDF-1.4 ...")
	blob := mcp.BlobResourceContents{
		URI:      "file://doc.pdf",
		MIMEType: "application/pdf",
		Blob:     base64.StdEncoding.EncodeToString(payload),
	}
	contents, artifacts := mapper.MapItems([]any{blob})

	assert.Empty(t, contents)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "blob", artifacts[0]["kind"])
	assert.Equal(t, "application/pdf", artifacts[0]["mime"])
	assert.Equal(t, "file://doc.pdf", artifacts[0]["name"])
	assert.Equal(t, len(payload), artifacts[0]["size_bytes"])
}

func TestMapItems_OversizedBlobBecomesArtifact(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{},
		WithInlineBlobMimeTypes([]string{"text/plain"}),
		WithMaxInlineBlobSize(4))

	blob := mcp.BlobResourceContents{
		MIMEType: "text/plain",
		Blob:     base64.StdEncoding.EncodeToString([]byte("longer than four")),
	}
	contents, artifacts := mapper.MapItems([]any{blob})

	assert.Empty(t, contents)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "blob", artifacts[0]["kind"])
}

func TestMapItems_EmbeddedBlobResource(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	embedded := mcp.EmbeddedResource{
		Type: "resource",
		Resource: mcp.BlobResourceContents{
			URI:      "file://img.png",
			MIMEType: "image/png",
			Blob:     base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
		},
	}
	_, artifacts := mapper.MapItems([]any{embedded})

	require.Len(t, artifacts, 1)
	assert.Equal(t, "blob", artifacts[0]["kind"])
	assert.Equal(t, "image/png", artifacts[0]["mime"])
}

func TestMapItems_LooseMapBlocks(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	contents, artifacts := mapper.MapItems([]any{
		map[string]any{"type": "text", "text": "loose"},
		map[string]any{"type": "audio"},
		map[string]any{"type": "unknown_kind"},
	})

	require.Len(t, contents, 1)
	assert.Equal(t, "loose", contents[0].Text)

	require.Len(t, artifacts, 2)
	assert.Equal(t, "audio", artifacts[0]["kind"])
	assert.Equal(t, "other", artifacts[1]["kind"])
}

func TestMapItems_ListToolsRendered(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	result := &mcp.ListToolsResult{Tools: []mcp.Tool{echoTool()}}
	contents, _ := mapper.MapItems([]any{result})

	require.Len(t, contents, 1)
	assert.True(t, strings.HasPrefix(contents[0].Text, "The following callable entries are available:"))
	assert.Contains(t, contents[0].Text, "Name: echo")
	assert.Contains(t, contents[0].Text, "Description: Echo the input")
	assert.Contains(t, contents[0].Text, "Schema:")
}

func TestMapItems_EmptyListProducesNothing(t *testing.T) {
	mapper := NewContentMapper(&agent.Config{})

	contents, artifacts := mapper.MapItems([]any{&mcp.ListResourcesResult{}})
	assert.Empty(t, contents)
	assert.Empty(t, artifacts)
}

func TestEstimateBlobSize(t *testing.T) {
	payload := []byte("hello world")
	encoded := base64.StdEncoding.EncodeToString(payload)
	assert.Equal(t, len(payload), estimateBlobSize(encoded))
	assert.Equal(t, -1, estimateBlobSize(""))
}

func TestDecodeBlobText_NonUTF8Rejected(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0x00})
	_, ok := decodeBlobText(encoded, "text/plain")
	assert.False(t, ok)
}
