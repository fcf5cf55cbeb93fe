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

// Package config assembles the runtime configuration: built-in defaults,
// the model catalog, and an optional YAML override file with environment
// variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/mcpclient"
)

// DefaultSystemPromptPath is resolved relative to the working directory.
const DefaultSystemPromptPath = "prompts/system.md"

// ProviderDefaults are the built-in provider settings.
type ProviderDefaults struct {
	Provider string
	Host     string
	Options  map[string]any
}

// DefaultProviderSettings returns the built-in Ollama defaults.
func DefaultProviderSettings() ProviderDefaults {
	return ProviderDefaults{
		Provider: "ollama",
		Host:     "http://ai-gpu:11434",
		Options: map[string]any{
			"temperature": 0.1,
			"top_p":       0.8,
			"top_k":       10,
			"num_ctx":     50000,
		},
	}
}

// MCPDefaults are the built-in MCP connectivity settings.
type MCPDefaults struct {
	URL            string
	Transport      string
	SessionName    string
	AuthToken      string
	Timeout        time.Duration
	SSEReadTimeout time.Duration
}

// DefaultMCPSettings returns the built-in MCP defaults.
func DefaultMCPSettings() MCPDefaults {
	return MCPDefaults{
		URL:            "http://127.0.0.1:8000/sse",
		Transport:      mcpclient.TransportSSE,
		SessionName:    "api_mcp",
		Timeout:        300 * time.Second,
		SSEReadTimeout: 300 * time.Second,
	}
}

// RuntimeConfig is everything needed to create one session.
type RuntimeConfig struct {
	Agent           agent.Config
	MCP             mcpclient.Config
	Provider        string
	ProviderOptions map[string]any
	Model           *ModelInfo
}

// MakeRuntimeConfig derives a runtime configuration from the defaults and
// the catalog. Empty provider or model fall back to the built-in defaults;
// an unregistered model still runs, with all capability flags off.
func MakeRuntimeConfig(provider, modelID string) (*RuntimeConfig, error) {
	providerDefaults := DefaultProviderSettings()
	if provider == "" {
		provider = providerDefaults.Provider
	}

	var modelInfo *ModelInfo
	if modelID != "" {
		if entry, ok := FindModel(provider, modelID); ok {
			modelInfo = &entry
		}
	} else {
		models := ListModels(provider)
		if len(models) == 0 {
			return nil, fmt.Errorf("no models registered for provider %q", provider)
		}
		modelInfo = &models[0]
		modelID = modelInfo.ModelID
	}

	capabilities := Capabilities{}
	if modelInfo != nil {
		capabilities = modelInfo.Capabilities
	}

	agentConfig := agent.Config{
		Model:            modelID,
		SystemPromptPath: DefaultSystemPromptPath,
		ThinkingEnabled:  capabilities.Thinking,
		StreamEnabled:    capabilities.Streaming,
		SupportsVision:   capabilities.Vision,
	}

	mcpDefaults := DefaultMCPSettings()
	mcpConfig := mcpclient.Config{
		Name:           mcpDefaults.SessionName,
		Transport:      mcpDefaults.Transport,
		URL:            mcpDefaults.URL,
		AuthToken:      mcpDefaults.AuthToken,
		Timeout:        mcpDefaults.Timeout,
		SSEReadTimeout: mcpDefaults.SSEReadTimeout,
	}

	providerOptions := map[string]any{}
	if provider == providerDefaults.Provider {
		options := make(map[string]any, len(providerDefaults.Options))
		for key, value := range providerDefaults.Options {
			options[key] = value
		}
		providerOptions["host"] = providerDefaults.Host
		providerOptions["options"] = options
	}

	return &RuntimeConfig{
		Agent:           agentConfig,
		MCP:             mcpConfig,
		Provider:        provider,
		ProviderOptions: providerOptions,
		Model:           modelInfo,
	}, nil
}

// ----------------------------
// File configuration
// ----------------------------

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Port)
	}
	return nil
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// ProviderConfig overrides the built-in provider defaults.
type ProviderConfig struct {
	Name    string         `yaml:"name" mapstructure:"name"`
	Host    string         `yaml:"host" mapstructure:"host"`
	Model   string         `yaml:"model" mapstructure:"model"`
	Options map[string]any `yaml:"options" mapstructure:"options"`

	SystemPromptPath string `yaml:"system_prompt_path" mapstructure:"system_prompt_path"`
}

// Config is the file-level configuration.
type Config struct {
	Server   ServerConfig     `yaml:"server" mapstructure:"server"`
	Logging  LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Provider ProviderConfig   `yaml:"provider" mapstructure:"provider"`
	MCP      mcpclient.Config `yaml:"mcp" mapstructure:"mcp"`
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if c.MCP.Transport != "" {
		if err := c.MCP.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads a YAML config file, expands environment variables in its
// values, and decodes it. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decodeConfig(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func decodeConfig(data []byte, config *Config) error {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	expanded := expandEnvVarsInData(raw)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     config,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(expanded)
}

// Runtime resolves the file configuration into a runtime configuration,
// layering file overrides on top of the built-in defaults.
func (c *Config) Runtime() (*RuntimeConfig, error) {
	runtime, err := MakeRuntimeConfig(c.Provider.Name, c.Provider.Model)
	if err != nil {
		return nil, err
	}

	if c.Provider.SystemPromptPath != "" {
		runtime.Agent.SystemPromptPath = c.Provider.SystemPromptPath
	}
	if c.Provider.Host != "" {
		runtime.ProviderOptions["host"] = c.Provider.Host
	}
	if len(c.Provider.Options) > 0 {
		options, _ := runtime.ProviderOptions["options"].(map[string]any)
		if options == nil {
			options = map[string]any{}
		}
		for key, value := range c.Provider.Options {
			options[key] = value
		}
		runtime.ProviderOptions["options"] = options
	}

	if c.MCP.URL != "" {
		runtime.MCP.URL = c.MCP.URL
	}
	if c.MCP.Transport != "" {
		runtime.MCP.Transport = c.MCP.Transport
	}
	if c.MCP.AuthToken != "" {
		runtime.MCP.AuthToken = c.MCP.AuthToken
	}
	if c.MCP.Timeout != 0 {
		runtime.MCP.Timeout = c.MCP.Timeout
	}
	if c.MCP.SSEReadTimeout != 0 {
		runtime.MCP.SSEReadTimeout = c.MCP.SSEReadTimeout
	}

	return runtime, nil
}
