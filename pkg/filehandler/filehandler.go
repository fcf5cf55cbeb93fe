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

// Package filehandler renders binary artifacts for the UI side of the
// bridge. Rendered strings go to response emissions, never into the agent
// context.
package filehandler

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Handler converts a blob into a displayable string. Stringify returns
// ok=false when the mime type is not supported.
type Handler interface {
	Stringify(mimeType, blobB64, name string, meta map[string]any) (string, bool)
}

// MarkdownHandler renders markdown blobs as chat-displayable text.
type MarkdownHandler struct{}

var _ Handler = (*MarkdownHandler)(nil)

func NewMarkdownHandler() *MarkdownHandler {
	return &MarkdownHandler{}
}

func isMarkdown(mimeType string) bool {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	return strings.HasPrefix(m, "text/markdown") || m == "text/x-markdown"
}

// Stringify decodes a markdown blob into a UTF-8 string with a bold title
// prefix. Decode failures still render, as an inline error marker, so the
// user sees that a file arrived.
func (h *MarkdownHandler) Stringify(mimeType, blobB64, name string, meta map[string]any) (string, bool) {
	if !isMarkdown(mimeType) {
		return "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(blobB64)
	markdown := string(decoded)
	if err != nil {
		markdown = fmt.Sprintf("[Error decoding markdown file: %v]", err)
	}

	title := ""
	if name != "" {
		title = fmt.Sprintf("**%s**\n\n", name)
	}
	return fmt.Sprintf("\n\n%s%s\n\n", title, markdown), true
}
