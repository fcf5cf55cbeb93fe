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

package mcpclient

import (
	"fmt"
	"time"
)

// Supported transport names.
const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
	TransportStdio          = "stdio"
)

// Config describes how to reach one MCP server. Stdio fields are accepted
// for config compatibility but the stdio transport is rejected at
// initialization time.
type Config struct {
	Name      string            `yaml:"name" mapstructure:"name"`
	Transport string            `yaml:"transport" mapstructure:"transport"`
	URL       string            `yaml:"url" mapstructure:"url"`
	AuthToken string            `yaml:"auth_token" mapstructure:"auth_token"`
	Command   string            `yaml:"command" mapstructure:"command"`
	Args      []string          `yaml:"args" mapstructure:"args"`
	Env       map[string]string `yaml:"env" mapstructure:"env"`
	Cwd       string            `yaml:"cwd" mapstructure:"cwd"`

	// Timeout bounds individual MCP operations; SSEReadTimeout bounds how
	// long the event stream may stay silent before the transport gives up.
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	SSEReadTimeout time.Duration `yaml:"sse_read_timeout" mapstructure:"sse_read_timeout"`
}

// SetDefaults fills unset fields with working defaults.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "mcp"
	}
	if c.Transport == "" {
		c.Transport = TransportSSE
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SSEReadTimeout == 0 {
		c.SSEReadTimeout = 300 * time.Second
	}
}

// Validate checks that the config can produce a usable transport.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcp client %q: transport %q requires a url", c.Name, c.Transport)
		}
	case TransportStdio:
		// Rejected later with ErrUnsupportedTransport; config itself is legal.
	default:
		return fmt.Errorf("mcp client %q: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}
