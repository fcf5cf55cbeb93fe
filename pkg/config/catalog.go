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

package config

import (
	"sort"
	"strings"
)

// Capabilities flags what a model can do. They drive thinking passthrough,
// streaming, and inline image delivery.
type Capabilities struct {
	Thinking  bool `json:"thinking"`
	Streaming bool `json:"streaming"`
	Vision    bool `json:"vision"`
}

// ModelInfo is one catalog entry.
type ModelInfo struct {
	Provider     string       `json:"provider"`
	ModelID      string       `json:"model_id"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
}

var catalog = []ModelInfo{
	{
		Provider:     "ollama",
		ModelID:      "qwen3-coder:30b",
		DisplayName:  "Qwen3 Coder 30B",
		Capabilities: Capabilities{Thinking: false, Streaming: true, Vision: false},
	},
	{
		Provider:     "ollama",
		ModelID:      "qwen3:8b",
		DisplayName:  "Qwen 3 8B",
		Capabilities: Capabilities{Thinking: true, Streaming: true, Vision: false},
	},
	{
		Provider:     "ollama",
		ModelID:      "llama3.2:3b",
		DisplayName:  "Llama 3.2 3B",
		Capabilities: Capabilities{Thinking: false, Streaming: true, Vision: false},
	},
}

// Providers returns the sorted set of providers present in the catalog.
func Providers() []string {
	seen := map[string]bool{}
	var names []string
	for _, entry := range catalog {
		if !seen[entry.Provider] {
			seen[entry.Provider] = true
			names = append(names, entry.Provider)
		}
	}
	sort.Strings(names)
	return names
}

// ListModels returns all catalog entries for a provider, in catalog order.
// The first entry is the provider's default model.
func ListModels(provider string) []ModelInfo {
	provider = strings.ToLower(provider)
	var models []ModelInfo
	for _, entry := range catalog {
		if entry.Provider == provider {
			models = append(models, entry)
		}
	}
	return models
}

// FindModel returns the catalog entry for one model, if registered.
func FindModel(provider, modelID string) (ModelInfo, bool) {
	for _, entry := range ListModels(provider) {
		if entry.ModelID == modelID {
			return entry, true
		}
	}
	return ModelInfo{}, false
}
