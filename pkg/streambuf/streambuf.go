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

// Package streambuf tracks cumulative stream content per user/chat/channel
// and computes the incremental delta that still has to be sent.
//
// Both the API server and any other presentation layer consume cumulative
// callback payloads from the agent manager; the buffer turns them back into
// deltas suitable for wire-level streaming.
package streambuf

import (
	"strings"
	"sync"
)

// Channel identifies the stream a buffer belongs to.
type Channel string

const (
	ChannelResponse Channel = "response"
	ChannelThinking Channel = "thinking"
	ChannelTool     Channel = "tool"
)

// Buffer stores the last cumulative content per (user, chat, channel) key.
type Buffer struct {
	mu      sync.Mutex
	buffers map[string]string
}

// New creates an empty stream buffer.
func New() *Buffer {
	return &Buffer{
		buffers: make(map[string]string),
	}
}

func bufferKey(userID, chatID string, channel Channel) string {
	return userID + ":" + chatID + ":" + string(channel)
}

// GetDelta compares the cumulative content against the stored buffer and
// returns the portion that has not been emitted yet.
//
// Returns (delta, first, ok):
//   - first is true when no buffer existed for the key yet;
//   - ok is false when the content is unchanged (no delta to send);
//   - when the content is shorter than the buffer the stream restarted, the
//     buffer is replaced and the full content is returned.
func (b *Buffer) GetDelta(userID, chatID string, channel Channel, content string) (string, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := bufferKey(userID, chatID, channel)
	current, exists := b.buffers[key]
	first := !exists

	if exists && current == content {
		return "", false, false
	}

	if len(content) > len(current) && strings.HasPrefix(content, current) {
		b.buffers[key] = content
		return content[len(current):], first, true
	}

	if len(content) < len(current) {
		// Shorter content means a new message started over.
		b.buffers[key] = content
		return content, first, true
	}

	// Same length but different content, or a non-extending rewrite.
	b.buffers[key] = content
	return content, first, true
}

// Clear removes the buffer for a specific channel, or every channel of the
// user/chat pair when channel is empty.
func (b *Buffer) Clear(userID, chatID string, channel Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if channel != "" {
		delete(b.buffers, bufferKey(userID, chatID, channel))
		return
	}

	prefix := userID + ":" + chatID + ":"
	for key := range b.buffers {
		if strings.HasPrefix(key, prefix) {
			delete(b.buffers, key)
		}
	}
}

// Reset drops every buffer.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers = make(map[string]string)
}
