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

package api

import (
	"sync"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/adapter"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/logger"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/manager"
)

type eventType string

const (
	eventResponse eventType = "response"
	eventThinking eventType = "thinking"
	eventToolCall eventType = "tool_call"
)

type event struct {
	Type    eventType
	Content string
	Tool    string
	Params  map[string]any
}

// streamState tracks completion detection per stream: whether the last
// turn produced content and whether it ended in a tool call.
type streamState struct {
	mu              sync.Mutex
	hasContent      bool
	lastWasToolCall bool
}

func (s *streamState) set(hasContent, lastWasToolCall bool) {
	s.mu.Lock()
	s.hasContent = hasContent
	s.lastWasToolCall = lastWasToolCall
	s.mu.Unlock()
}

func (s *streamState) snapshot() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasContent, s.lastWasToolCall
}

// eventQueueSize bounds buffered events per stream. Events arriving for a
// session with no open stream, or a full queue, are dropped.
const eventQueueSize = 256

// Broker bridges manager callbacks into per-session event queues that SSE
// handlers drain.
type Broker struct {
	mu     sync.Mutex
	queues map[string]chan event
	states map[string]*streamState
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]chan event),
		states: make(map[string]*streamState),
	}
}

// register creates (or reuses) the queue and state for a session key.
func (b *Broker) register(key string) (chan event, *streamState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, ok := b.queues[key]
	if !ok {
		queue = make(chan event, eventQueueSize)
		b.queues[key] = queue
	}
	state, ok := b.states[key]
	if !ok {
		state = &streamState{}
		b.states[key] = state
	}
	return queue, state
}

// drop removes the queue and state for a session key.
func (b *Broker) drop(key string) {
	b.mu.Lock()
	delete(b.queues, key)
	delete(b.states, key)
	b.mu.Unlock()
}

func (b *Broker) enqueue(key string, ev event) {
	b.mu.Lock()
	queue, ok := b.queues[key]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case queue <- ev:
	default:
		logger.GetLogger().Error("Event queue full, dropping event", "session", key, "type", ev.Type)
	}
}

func (b *Broker) state(key string) *streamState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[key]
	if !ok {
		state = &streamState{}
		b.states[key] = state
	}
	return state
}

// Callbacks returns the manager callbacks that feed this broker.
func (b *Broker) Callbacks() manager.Callbacks {
	return manager.Callbacks{
		OnAgentResponse: func(userID, chatID, content string) {
			b.enqueue(userID+":"+chatID, event{Type: eventResponse, Content: content})
		},
		OnAgentThinking: func(userID, chatID, thinking string) {
			b.enqueue(userID+":"+chatID, event{Type: eventThinking, Content: thinking})
		},
		OnAgentToolCall: func(userID, chatID, method string, params map[string]any) {
			b.enqueue(userID+":"+chatID, event{Type: eventToolCall, Tool: method, Params: params})
		},
		OnAgentCompletion: func(userID, chatID, thinking, content string, requests []adapter.JSONRPCRequest) {
			state := b.state(userID + ":" + chatID)
			state.set(thinking != "" || content != "", len(requests) > 0)
		},
	}
}
