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

package manager

import (
	"sync"
	"sync/atomic"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/adapter"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/logger"
)

// Entry is one queued payload with the role it should be presented under.
type Entry struct {
	Payload any
	Role    string
}

// Turn is the unit of work the session worker consumes.
type Turn []Entry

// turnQueueSize bounds how many turns can wait per session. The worker is
// the only consumer; a full queue means the session is hopelessly behind
// and the turn is dropped with an error log.
const turnQueueSize = 16

// Session is one user/chat conversation: its agent, its adapter, its MCP
// connection, and the worker loop state.
type Session struct {
	ID       string
	UserID   string
	ChatID   string
	Provider string

	Agent    agent.Agent
	Adapter  *adapter.Adapter
	Executor RPCExecutor

	queue chan Turn
	done  chan struct{}

	mu      sync.Mutex
	pending Turn

	active atomic.Bool
}

// Key returns the session key.
func (s *Session) Key() string {
	return s.UserID + ":" + s.ChatID
}

// Active reports whether the worker loop is still accepting turns.
func (s *Session) Active() bool {
	return s.active.Load()
}

// appendPending adds one entry to the turn being assembled. Callbacks and
// the worker both append; the mutex keeps the slice consistent.
func (s *Session) appendPending(entry Entry) {
	s.mu.Lock()
	s.pending = append(s.pending, entry)
	s.mu.Unlock()
}

// clearPending drops whatever was assembled. Runs at the start of each
// turn so stale capability summaries do not leak into unrelated turns.
func (s *Session) clearPending() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// takePending removes and returns the assembled turn.
func (s *Session) takePending() Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.pending
	s.pending = nil
	return entries
}

// commitPending enqueues the assembled turn when it is non-empty. The send
// never blocks; the worker calls this from inside its own loop.
func (s *Session) commitPending() {
	entries := s.takePending()
	if len(entries) == 0 {
		return
	}
	select {
	case s.queue <- entries:
	default:
		logger.GetLogger().Error("Turn queue full, dropping turn",
			"session", s.ID, "entries", len(entries))
	}
}
