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

// Package mcpclient wraps one MCP server connection per session: lifecycle,
// capability caches with change notifications, and a JSON-RPC execution
// surface that always returns a renderable value.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/adapter"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/logger"
)

// ErrUnsupportedTransport marks transports the client knows about but does
// not run, currently stdio.
var ErrUnsupportedTransport = errors.New("unsupported transport")

// initTimeout bounds Start plus the initialize handshake.
const initTimeout = 10 * time.Second

// State is the connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SamplingHandler serves server-initiated sampling requests. The session key
// identifies which session's provider should run the completion.
type SamplingHandler interface {
	Sample(ctx context.Context, sessionKey string, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
}

// CapabilitiesChangedFunc receives the full capability caches after a
// refresh touched the server.
type CapabilitiesChangedFunc func(tools []mcp.Tool, prompts []mcp.Prompt, resources []mcp.Resource)

// rpcSession is the slice of the mcp-go client the executor needs. Tests
// substitute a fake.
type rpcSession interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListPrompts(ctx context.Context, request mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	ListResources(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, request mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
}

// Client is one MCP server connection. Capability caches are refreshed
// lazily through dirty flags: list_changed notifications only mark a class
// dirty, the next execution fetches it.
type Client struct {
	cfg        Config
	sessionKey string
	sampling   SamplingHandler

	state          atomic.Int32
	toolsDirty     atomic.Bool
	promptsDirty   atomic.Bool
	resourcesDirty atomic.Bool

	mu        sync.Mutex
	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource

	client  *mcpgo.Client
	session rpcSession

	onCapabilitiesChanged CapabilitiesChangedFunc
}

// New creates an unconnected client. All capability classes start dirty so
// the first refresh after initialization fetches everything.
func New(sessionKey string, cfg Config, sampling SamplingHandler) *Client {
	cfg.SetDefaults()
	c := &Client{
		cfg:        cfg,
		sessionKey: sessionKey,
		sampling:   sampling,
	}
	c.toolsDirty.Store(true)
	c.promptsDirty.Store(true)
	c.resourcesDirty.Store(true)
	return c
}

// SetOnCapabilitiesChanged registers the refresh hook. Must be called
// before Initialize.
func (c *Client) SetOnCapabilitiesChanged(fn CapabilitiesChangedFunc) {
	c.onCapabilitiesChanged = fn
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) State() State { return State(c.state.Load()) }

// ----------------------------
// Lifecycle
// ----------------------------

// Initialize connects the transport and runs the MCP handshake. The whole
// sequence is bounded so a dead server cannot hang session creation.
func (c *Client) Initialize(ctx context.Context) error {
	log := logger.GetLogger()

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("mcp client %q: initialize from state %s", c.cfg.Name, c.State())
	}

	if err := c.cfg.Validate(); err != nil {
		c.state.Store(int32(StateIdle))
		return err
	}
	if c.cfg.Transport == TransportStdio {
		c.state.Store(int32(StateIdle))
		return fmt.Errorf("mcp client %q: stdio: %w", c.cfg.Name, ErrUnsupportedTransport)
	}

	tp, err := c.buildTransport()
	if err != nil {
		c.state.Store(int32(StateIdle))
		return fmt.Errorf("mcp client %q: transport: %w", c.cfg.Name, err)
	}

	var opts []mcpgo.ClientOption
	if c.sampling != nil {
		opts = append(opts, mcpgo.WithSamplingHandler(&samplingBridge{
			sessionKey: c.sessionKey,
			handler:    c.sampling,
		}))
	}
	c.client = mcpgo.NewClient(tp, opts...)
	c.session = c.client
	c.client.OnNotification(c.handleNotification)

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := c.client.Start(initCtx); err != nil {
		c.closeQuietly()
		c.state.Store(int32(StateIdle))
		return fmt.Errorf("mcp client %q: start: %w", c.cfg.Name, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = "2024-11-05"
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "fsm-mcp-client/" + c.sessionKey,
		Version: "1.0.0",
	}
	result, err := c.client.Initialize(initCtx, initRequest)
	if err != nil {
		c.closeQuietly()
		c.state.Store(int32(StateIdle))
		return fmt.Errorf("mcp client %q: initialize: %w", c.cfg.Name, err)
	}

	c.state.Store(int32(StateReady))
	log.Info("MCP client connected",
		"client", c.cfg.Name,
		"server", result.ServerInfo.Name,
		"transport", c.cfg.Transport)

	if err := c.refreshCapabilities(ctx); err != nil {
		log.Error("Initial capability refresh failed", "client", c.cfg.Name, "error", err)
	}
	return nil
}

func (c *Client) buildTransport() (transport.Interface, error) {
	headers := map[string]string{}
	if c.cfg.AuthToken != "" {
		headers["Authorization"] = "Bearer " + c.cfg.AuthToken
	}

	switch c.cfg.Transport {
	case TransportSSE:
		return transport.NewSSE(c.cfg.URL, transport.WithHeaders(headers))
	case TransportStreamableHTTP:
		return transport.NewStreamableHTTP(c.cfg.URL, transport.WithHTTPHeaders(headers))
	default:
		return nil, fmt.Errorf("unknown transport %q", c.cfg.Transport)
	}
}

// Teardown closes the connection. Safe to call in any state.
func (c *Client) Teardown(ctx context.Context) error {
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			return fmt.Errorf("mcp client %q: close: %w", c.cfg.Name, err)
		}
	}
	return nil
}

func (c *Client) closeQuietly() {
	if c.client != nil {
		_ = c.client.Close()
	}
}

// ----------------------------
// Capability caches
// ----------------------------

// handleNotification only flips dirty flags. Fetching here would block the
// transport's reader goroutine.
func (c *Client) handleNotification(notification mcp.JSONRPCNotification) {
	switch notification.Method {
	case "notifications/tools/list_changed":
		c.toolsDirty.Store(true)
	case "notifications/resources/list_changed":
		c.resourcesDirty.Store(true)
	case "notifications/prompts/list_changed":
		c.promptsDirty.Store(true)
	}
}

// refreshCapabilities fetches every dirty capability class and, when at
// least one class was fetched, invokes the change hook with the full caches.
func (c *Client) refreshCapabilities(ctx context.Context) error {
	fetched := false

	if c.toolsDirty.Load() {
		result, err := withOpTimeout(ctx, c.cfg.Timeout, func(opCtx context.Context) (*mcp.ListToolsResult, error) {
			return c.session.ListTools(opCtx, mcp.ListToolsRequest{})
		})
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		c.mu.Lock()
		c.tools = result.Tools
		c.mu.Unlock()
		c.toolsDirty.Store(false)
		fetched = true
	}

	if c.resourcesDirty.Load() {
		result, err := withOpTimeout(ctx, c.cfg.Timeout, func(opCtx context.Context) (*mcp.ListResourcesResult, error) {
			return c.session.ListResources(opCtx, mcp.ListResourcesRequest{})
		})
		if err != nil {
			return fmt.Errorf("list resources: %w", err)
		}
		c.mu.Lock()
		c.resources = result.Resources
		c.mu.Unlock()
		c.resourcesDirty.Store(false)
		fetched = true
	}

	if c.promptsDirty.Load() {
		result, err := withOpTimeout(ctx, c.cfg.Timeout, func(opCtx context.Context) (*mcp.ListPromptsResult, error) {
			return c.session.ListPrompts(opCtx, mcp.ListPromptsRequest{})
		})
		if err != nil {
			return fmt.Errorf("list prompts: %w", err)
		}
		c.mu.Lock()
		c.prompts = result.Prompts
		c.mu.Unlock()
		c.promptsDirty.Store(false)
		fetched = true
	}

	if fetched && c.onCapabilitiesChanged != nil {
		c.onCapabilitiesChanged(c.Tools(), c.Prompts(), c.Resources())
	}
	return nil
}

// withOpTimeout bounds one MCP operation by the configured timeout.
func withOpTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(opCtx)
}

// Tools returns a snapshot of the cached tools.
func (c *Client) Tools() []mcp.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mcp.Tool(nil), c.tools...)
}

// Prompts returns a snapshot of the cached prompts.
func (c *Client) Prompts() []mcp.Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mcp.Prompt(nil), c.prompts...)
}

// Resources returns a snapshot of the cached resources.
func (c *Client) Resources() []mcp.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mcp.Resource(nil), c.resources...)
}

// ----------------------------
// JSON-RPC execution
// ----------------------------

// ExecuteJSONRPC routes one JSON-RPC request to the server. It never
// returns an error: every failure comes back as a diagnostic string that
// flows into the conversation as a tool result. After a successful dispatch
// any pending capability refresh runs before the result is returned.
func (c *Client) ExecuteJSONRPC(ctx context.Context, request adapter.JSONRPCRequest) any {
	log := logger.GetLogger()

	if c.State() != StateReady {
		return fmt.Sprintf("Client %s not initialized", c.cfg.Name)
	}
	if request.Method == "" {
		return "Missing 'method' in JSON-RPC request"
	}

	var (
		result any
		err    error
	)
	switch request.Method {
	case "tools/call":
		result, err = c.callTool(ctx, request.Params)
	case "prompts/get":
		result, err = c.getPrompt(ctx, request.Params)
	case "resources/read":
		result, err = c.readResource(ctx, request.Params)
	case "tools/list":
		result = c.listTools(ctx)
	case "prompts/list":
		result = c.listPrompts(ctx)
	case "resources/list":
		result = c.listResources(ctx)
	default:
		return fmt.Sprintf("Unknown MCP method: %s", request.Method)
	}
	if err != nil {
		return fmt.Sprintf("JSON-RPC error: %v", err)
	}

	if err := c.refreshCapabilities(ctx); err != nil {
		log.Error("Capability refresh failed", "client", c.cfg.Name, "error", err)
	}
	return result
}

func (c *Client) callTool(ctx context.Context, params map[string]any) (any, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, errors.New("Missing parameter 'name' for tools/call")
	}
	arguments, _ := params["arguments"].(map[string]any)
	if arguments == nil {
		arguments = map[string]any{}
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = arguments

	result, err := withOpTimeout(ctx, c.cfg.Timeout, func(opCtx context.Context) (*mcp.CallToolResult, error) {
		return c.session.CallTool(opCtx, request)
	})
	if err != nil {
		return fmt.Sprintf("Tool error %s: %v", name, err), nil
	}
	return result, nil
}

func (c *Client) getPrompt(ctx context.Context, params map[string]any) (any, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, errors.New("Missing parameter 'name' for prompts/get")
	}

	arguments := map[string]string{}
	if raw, ok := params["arguments"].(map[string]any); ok {
		for key, value := range raw {
			if text, ok := value.(string); ok {
				arguments[key] = text
			} else {
				arguments[key] = fmt.Sprintf("%v", value)
			}
		}
	}

	request := mcp.GetPromptRequest{}
	request.Params.Name = name
	request.Params.Arguments = arguments

	result, err := withOpTimeout(ctx, c.cfg.Timeout, func(opCtx context.Context) (*mcp.GetPromptResult, error) {
		return c.session.GetPrompt(opCtx, request)
	})
	if err != nil {
		return fmt.Sprintf("Prompt error %s: %v", name, err), nil
	}
	return result, nil
}

func (c *Client) readResource(ctx context.Context, params map[string]any) (any, error) {
	uri, _ := params["uri"].(string)
	if uri == "" {
		return nil, errors.New("Missing parameter 'uri' for resources/read")
	}

	request := mcp.ReadResourceRequest{}
	request.Params.URI = uri

	result, err := withOpTimeout(ctx, c.cfg.Timeout, func(opCtx context.Context) (*mcp.ReadResourceResult, error) {
		return c.session.ReadResource(opCtx, request)
	})
	if err != nil {
		return fmt.Sprintf("Read error %s: %v", uri, err), nil
	}
	return result, nil
}

// List operations flow through the same dirty-flag refresh as notification
// driven updates, so the change hook and the caches stay consistent.

func (c *Client) listTools(ctx context.Context) any {
	c.toolsDirty.Store(true)
	if err := c.refreshCapabilities(ctx); err != nil {
		return fmt.Sprintf("Error in list_tools: %v", err)
	}
	return &mcp.ListToolsResult{Tools: c.Tools()}
}

func (c *Client) listPrompts(ctx context.Context) any {
	c.promptsDirty.Store(true)
	if err := c.refreshCapabilities(ctx); err != nil {
		return fmt.Sprintf("Error in list_prompts: %v", err)
	}
	return &mcp.ListPromptsResult{Prompts: c.Prompts()}
}

func (c *Client) listResources(ctx context.Context) any {
	c.resourcesDirty.Store(true)
	if err := c.refreshCapabilities(ctx); err != nil {
		return fmt.Sprintf("Error in list_resources: %v", err)
	}
	return &mcp.ListResourcesResult{Resources: c.Resources()}
}

// ----------------------------
// Sampling bridge
// ----------------------------

// samplingBridge attaches the session key to server-initiated sampling
// requests before delegating to the gateway.
type samplingBridge struct {
	sessionKey string
	handler    SamplingHandler
}

var _ mcpgo.SamplingHandler = (*samplingBridge)(nil)

func (b *samplingBridge) CreateMessage(ctx context.Context, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	return b.handler.Sample(ctx, b.sessionKey, request)
}
