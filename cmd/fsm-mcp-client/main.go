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

// Command fsm-mcp-client runs the agent orchestrator: an HTTP API that
// bridges chat sessions to an MCP capability server.
//
// Usage:
//
//	fsm-mcp-client serve --config config.yaml
//	fsm-mcp-client serve --provider ollama --model qwen3:8b --mcp-url http://localhost:8000/sse
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TobiWan1995/fsm-mcp-client/internal/api"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/adapter"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/config"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/logger"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/manager"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/sampling"
)

const shutdownTimeout = 10 * time.Second

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP API server."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("fsm-mcp-client version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP API server.
type ServeCmd struct {
	Host string `help:"Host to listen on."`
	Port int    `help:"Port to listen on."`

	Provider     string `help:"Default provider (ollama)."`
	Model        string `help:"Default model name."`
	OllamaHost   string `name:"ollama-host" help:"Ollama host URL."`
	SystemPrompt string `name:"system-prompt" help:"Path to the system prompt file." type:"path"`

	MCPURL       string `name:"mcp-url" help:"MCP server URL."`
	MCPTransport string `name:"mcp-transport" help:"MCP transport (sse or streamable-http)."`
	MCPAuthToken string `name:"mcp-auth-token" help:"Bearer token for the MCP server."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	log := logger.GetLogger()

	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return err
	}
	c.applyOverrides(cfg)

	runtime, err := cfg.Runtime()
	if err != nil {
		return err
	}

	broker := api.NewBroker()
	mgr, err := manager.NewManager(adapter.NewRegistry(),
		manager.WithDefaults(runtime.Provider, runtime.Agent.Model),
		manager.WithSystemPromptPath(runtime.Agent.SystemPromptPath),
		manager.WithProviderDefaults(map[string]map[string]any{
			runtime.Provider: runtime.ProviderOptions,
		}),
		manager.WithCallbacks(broker.Callbacks()),
		manager.WithSamplingOptions(sampling.WithRegisterer(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(mgr, broker, runtime)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: apiServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server listening", "addr", httpServer.Addr,
			"provider", runtime.Provider, "model", runtime.Agent.Model)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	mgr.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// applyOverrides layers explicit CLI flags on top of the file config.
func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Provider != "" {
		cfg.Provider.Name = c.Provider
	}
	if c.Model != "" {
		cfg.Provider.Model = c.Model
	}
	if c.OllamaHost != "" {
		cfg.Provider.Host = c.OllamaHost
	}
	if c.SystemPrompt != "" {
		cfg.Provider.SystemPromptPath = c.SystemPrompt
	}
	if c.MCPURL != "" {
		cfg.MCP.URL = c.MCPURL
	}
	if c.MCPTransport != "" {
		cfg.MCP.Transport = c.MCPTransport
	}
	if c.MCPAuthToken != "" {
		cfg.MCP.AuthToken = c.MCPAuthToken
	}
}

func initLogger(cli *CLI) (func(), error) {
	logLevel := cli.LogLevel
	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}
	if logLevel == "" {
		logLevel = "info"
	}
	logFile := cli.LogFile
	if logFile == "" {
		logFile = os.Getenv("LOG_FILE")
	}
	logFormat := cli.LogFormat
	if logFormat == "" {
		logFormat = os.Getenv("LOG_FORMAT")
	}
	if logFormat == "" {
		logFormat = "simple"
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if logFile != "" {
		file, closeFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, logFormat)
	return cleanup, nil
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("fsm-mcp-client"),
		kong.Description("Agent orchestrator bridging chat sessions to an MCP capability server"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
