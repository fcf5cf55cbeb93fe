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
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
)

const listEntriesHeader = "The following callable entries are available:\n"

// MappedContent is one agent-bound unit produced by the content mapper.
type MappedContent struct {
	Text   string
	Images []string
}

// Artifact is a UI-bound side-channel payload (image, blob, audio). It must
// not be fed back into the agent's context.
type Artifact = map[string]any

// blockKind is the sealed classification of an MCP content block.
type blockKind int

const (
	blockText blockKind = iota
	blockImage
	blockAudio
	blockResourceLink
	blockEmbeddedBlob
	blockUnknown
)

type blobInfo struct {
	Mime    string
	Name    string
	BlobB64 string
	Meta    map[string]any
}

// block is the parsed form of a content payload. Typed mcp-go values and
// loose map-shaped blocks both project onto it before dispatch.
type block struct {
	kind      blockKind
	text      string
	imageData string
	linkText  string
	blob      *blobInfo
}

// ContentMapper flattens MCP results into agent-bound content plus
// side-channel artifacts.
//
//   - Text blocks become agent messages, prefixed "[role]: " when a prompt
//     role is present.
//   - Images inline when the model supports vision, otherwise become
//     artifacts.
//   - Resource links are mirrored as text.
//   - Blobs inline only when whitelisted, small enough, and UTF-8 decodable
//     for text-family mimes; everything else becomes an artifact.
//   - Audio and unknown blocks turn into artifacts.
type ContentMapper struct {
	cfg               *agent.Config
	inlineBlobMimes   map[string]struct{}
	maxInlineBlobSize int
}

type ContentMapperOption func(*ContentMapper)

// WithInlineBlobMimeTypes whitelists mime types for inline blob rendering.
func WithInlineBlobMimeTypes(mimes []string) ContentMapperOption {
	return func(m *ContentMapper) {
		for _, mime := range mimes {
			m.inlineBlobMimes[strings.ToLower(mime)] = struct{}{}
		}
	}
}

// WithMaxInlineBlobSize caps the decoded size of inlined blobs.
func WithMaxInlineBlobSize(size int) ContentMapperOption {
	return func(m *ContentMapper) {
		m.maxInlineBlobSize = size
	}
}

func NewContentMapper(cfg *agent.Config, opts ...ContentMapperOption) *ContentMapper {
	mapper := &ContentMapper{
		cfg:               cfg,
		inlineBlobMimes:   make(map[string]struct{}),
		maxInlineBlobSize: 512_000,
	}
	for _, opt := range opts {
		opt(mapper)
	}
	return mapper
}

// MapItems recursively unwraps the given MCP-side objects and maps them to
// agent-bound content plus artifacts.
func (m *ContentMapper) MapItems(items []any) ([]MappedContent, []Artifact) {
	var contents []MappedContent
	var artifacts []Artifact

	for _, item := range flattenItems(items) {
		switch v := item.(type) {
		case mcp.PromptMessage:
			m.handleBlock(v.Content, string(v.Role), &contents, &artifacts)
		case *mcp.PromptMessage:
			m.handleBlock(v.Content, string(v.Role), &contents, &artifacts)
		case *mcp.ListToolsResult:
			m.handleToolList(v, &contents)
		case *mcp.ListPromptsResult:
			m.handlePromptList(v, &contents)
		case *mcp.ListResourcesResult:
			m.handleResourceList(v, &contents)
		case mcp.TextResourceContents:
			contents = append(contents, MappedContent{Text: v.Text})
		case *mcp.TextResourceContents:
			contents = append(contents, MappedContent{Text: v.Text})
		case mcp.BlobResourceContents:
			m.handleBlobInfo(resourceBlobInfo(v), "", &contents, &artifacts)
		case *mcp.BlobResourceContents:
			m.handleBlobInfo(resourceBlobInfo(*v), "", &contents, &artifacts)
		default:
			m.handleBlock(item, "", &contents, &artifacts)
		}
	}

	return contents, artifacts
}

// BuildProviderMessages realizes mapped content into tool-role provider
// messages.
func (m *ContentMapper) BuildProviderMessages(a agent.Agent, contents []MappedContent) []agent.Message {
	messages := make([]agent.Message, 0, len(contents))
	for _, content := range contents {
		messages = append(messages, a.MakeToolMessage(content.Text, "", content.Images))
	}
	return messages
}

func (m *ContentMapper) handleBlock(raw any, role string, contents *[]MappedContent, artifacts *[]Artifact) {
	prefix := ""
	if role != "" {
		prefix = fmt.Sprintf("[%s]: ", role)
	}

	parsed := parseBlock(raw)
	switch parsed.kind {
	case blockText:
		if strings.TrimSpace(parsed.text) == "" {
			return
		}
		*contents = append(*contents, MappedContent{Text: prefix + parsed.text})
	case blockImage:
		if m.cfg.SupportsVision {
			*contents = append(*contents, MappedContent{Text: prefix, Images: []string{parsed.imageData}})
		} else {
			*artifacts = append(*artifacts, Artifact{
				"kind": "image",
				"data": parsed.imageData,
				"note": "vision_not_supported",
			})
		}
	case blockResourceLink:
		*contents = append(*contents, MappedContent{Text: fmt.Sprintf("%s- %s", prefix, parsed.linkText)})
	case blockEmbeddedBlob:
		m.handleBlobInfo(*parsed.blob, prefix, contents, artifacts)
	case blockAudio:
		*artifacts = append(*artifacts, Artifact{"kind": "audio"})
	default:
		*artifacts = append(*artifacts, Artifact{"kind": "other"})
	}
}

func (m *ContentMapper) handleBlobInfo(info blobInfo, prefix string, contents *[]MappedContent, artifacts *[]Artifact) {
	mime := strings.ToLower(info.Mime)
	sizeBytes := estimateBlobSize(info.BlobB64)

	if _, whitelisted := m.inlineBlobMimes[mime]; whitelisted && sizeBytes >= 0 && sizeBytes <= m.maxInlineBlobSize {
		if text, ok := decodeBlobText(info.BlobB64, mime); ok {
			*contents = append(*contents, MappedContent{Text: prefix + text})
			return
		}
	}

	artifact := Artifact{
		"kind":     "blob",
		"mime":     info.Mime,
		"name":     info.Name,
		"blob_b64": info.BlobB64,
		"meta":     info.Meta,
	}
	if sizeBytes >= 0 {
		artifact["size_bytes"] = sizeBytes
	}
	*artifacts = append(*artifacts, artifact)
}

func (m *ContentMapper) handleToolList(result *mcp.ListToolsResult, contents *[]MappedContent) {
	entries := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		name := tool.Name
		if name == "" {
			name = "<unnamed>"
		}
		entries = append(entries, formatCatalogEntry(name, tool.Description, toolSchemaMap(tool)))
	}
	appendCatalog(entries, contents)
}

func (m *ContentMapper) handlePromptList(result *mcp.ListPromptsResult, contents *[]MappedContent) {
	entries := make([]string, 0, len(result.Prompts))
	for _, prompt := range result.Prompts {
		name := prompt.Name
		if name == "" {
			name = "<unnamed>"
		}
		entries = append(entries, formatCatalogEntry(name, prompt.Description, promptSchema(prompt.Arguments)))
	}
	appendCatalog(entries, contents)
}

func (m *ContentMapper) handleResourceList(result *mcp.ListResourcesResult, contents *[]MappedContent) {
	entries := make([]string, 0, len(result.Resources))
	for _, resource := range result.Resources {
		entries = append(entries, formatCatalogEntry(resource.URI, resource.Description, emptyObjectSchema()))
	}
	appendCatalog(entries, contents)
}

func appendCatalog(entries []string, contents *[]MappedContent) {
	if len(entries) == 0 {
		return
	}
	*contents = append(*contents, MappedContent{Text: listEntriesHeader + strings.Join(entries, "\n\n")})
}

func formatCatalogEntry(name, description string, schema map[string]any) string {
	schemaText, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		schemaText = []byte("{}")
	}
	if description == "" {
		description = "No description provided."
	}
	return fmt.Sprintf("Name: %s\nDescription: %s\nSchema:\n%s", name, description, schemaText)
}

// ----------------------------
// Unwrapping and block parsing
// ----------------------------

// flattenItems recursively unwraps composite results into leaf payloads.
func flattenItems(items []any) []any {
	var out []any
	for _, item := range items {
		out = append(out, flattenEntry(item)...)
	}
	return out
}

func flattenEntry(entry any) []any {
	switch v := entry.(type) {
	case nil:
		return nil
	case []any:
		return flattenItems(v)
	case *mcp.CallToolResult:
		var out []any
		for _, content := range v.Content {
			out = append(out, flattenEntry(content)...)
		}
		return out
	case mcp.CallToolResult:
		return flattenEntry(&v)
	case *mcp.GetPromptResult:
		var out []any
		for _, message := range v.Messages {
			out = append(out, message)
		}
		return out
	case mcp.GetPromptResult:
		return flattenEntry(&v)
	case *mcp.ReadResourceResult:
		var out []any
		for _, contents := range v.Contents {
			out = append(out, flattenEntry(contents)...)
		}
		return out
	case mcp.ReadResourceResult:
		return flattenEntry(&v)
	default:
		return []any{entry}
	}
}

func parseBlock(raw any) block {
	switch v := raw.(type) {
	case mcp.TextContent:
		return block{kind: blockText, text: v.Text}
	case *mcp.TextContent:
		return block{kind: blockText, text: v.Text}
	case string:
		return block{kind: blockText, text: v}
	case int, int64, float64, bool:
		return block{kind: blockText, text: fmt.Sprintf("%v", v)}
	case mcp.ImageContent:
		return block{kind: blockImage, imageData: v.Data}
	case *mcp.ImageContent:
		return block{kind: blockImage, imageData: v.Data}
	case mcp.AudioContent, *mcp.AudioContent:
		return block{kind: blockAudio}
	case mcp.ResourceLink:
		return block{kind: blockResourceLink, linkText: resourceLinkText(v.Name, v.URI)}
	case *mcp.ResourceLink:
		return block{kind: blockResourceLink, linkText: resourceLinkText(v.Name, v.URI)}
	case mcp.EmbeddedResource:
		return parseEmbeddedResource(v)
	case *mcp.EmbeddedResource:
		return parseEmbeddedResource(*v)
	case map[string]any:
		return parseLooseBlock(v)
	default:
		return block{kind: blockUnknown}
	}
}

func parseEmbeddedResource(embedded mcp.EmbeddedResource) block {
	if blob, ok := embedded.Resource.(mcp.BlobResourceContents); ok {
		info := resourceBlobInfo(blob)
		return block{kind: blockEmbeddedBlob, blob: &info}
	}
	if blob, ok := embedded.Resource.(*mcp.BlobResourceContents); ok {
		info := resourceBlobInfo(*blob)
		return block{kind: blockEmbeddedBlob, blob: &info}
	}
	return block{kind: blockUnknown}
}

// parseLooseBlock converts a loose map-shaped block to the same sealed form
// as the typed variants.
func parseLooseBlock(raw map[string]any) block {
	switch raw["type"] {
	case "text":
		text, _ := raw["text"].(string)
		return block{kind: blockText, text: text}
	case "image":
		data, _ := raw["data"].(string)
		return block{kind: blockImage, imageData: data}
	case "audio":
		return block{kind: blockAudio}
	case "resource_link":
		name, _ := raw["name"].(string)
		uri, _ := raw["uri"].(string)
		return block{kind: blockResourceLink, linkText: resourceLinkText(name, uri)}
	case "resource":
		resource, _ := raw["resource"].(map[string]any)
		blobB64, hasBlob := resource["blob"].(string)
		if !hasBlob {
			return block{kind: blockUnknown}
		}
		mime, _ := resource["mimeType"].(string)
		if mime == "" {
			mime, _ = raw["mimeType"].(string)
		}
		if mime == "" {
			mime = "application/octet-stream"
		}
		meta, _ := raw["meta"].(map[string]any)
		name, _ := meta["name"].(string)
		return block{kind: blockEmbeddedBlob, blob: &blobInfo{
			Mime:    mime,
			Name:    name,
			BlobB64: blobB64,
			Meta:    meta,
		}}
	default:
		return block{kind: blockUnknown}
	}
}

func resourceLinkText(name, uri string) string {
	if name == "" {
		name = "Resource"
	}
	return strings.TrimSpace(fmt.Sprintf("%s: %s", name, uri))
}

func resourceBlobInfo(blob mcp.BlobResourceContents) blobInfo {
	mime := blob.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return blobInfo{
		Mime:    strings.ToLower(mime),
		Name:    blob.URI,
		BlobB64: blob.Blob,
		Meta:    map[string]any{},
	}
}

// estimateBlobSize estimates the decoded byte size of a base64 payload.
// Returns -1 for an empty payload.
func estimateBlobSize(blobB64 string) int {
	if blobB64 == "" {
		return -1
	}
	padding := strings.Count(blobB64, "=")
	size := (len(blobB64)*3)/4 - padding
	if size < 0 {
		return 0
	}
	return size
}

// decodeBlobText decodes the blob as UTF-8 text for text-family mimes.
func decodeBlobText(blobB64, mime string) (string, bool) {
	if !strings.HasPrefix(mime, "text/") && mime != "application/json" && mime != "application/xml" {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(blobB64)
	if err != nil {
		return "", false
	}
	if !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}
