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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent/ollamaagent"
)

// Factory creates an (Agent, Adapter) pair for one provider. options is the
// raw provider option bundle (e.g. host and sampling options for Ollama).
type Factory func(cfg *agent.Config, options map[string]any) (agent.Agent, *Adapter, error)

// Registry maps provider names to factories. It is an explicit per-process
// owner object; pass it in at construction instead of using globals.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the default providers registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("ollama", ollamaFactory)
	return r
}

// Register stores a factory under the given name (case-insensitive).
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = factory
}

// Create builds an (Agent, Adapter) pair for the requested provider.
func (r *Registry) Create(provider string, cfg *agent.Config, options map[string]any) (agent.Agent, *Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(provider)]
	r.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("unknown provider %q (available: %s)", provider, strings.Join(r.Providers(), ", "))
	}
	return factory(cfg, options)
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ollamaFactory(cfg *agent.Config, options map[string]any) (agent.Agent, *Adapter, error) {
	host, _ := options["host"].(string)
	agentOptions, _ := options["options"].(map[string]any)

	ollamaAgent, err := ollamaagent.New(cfg, host, agentOptions)
	if err != nil {
		return nil, nil, err
	}
	return ollamaAgent, New(cfg), nil
}
