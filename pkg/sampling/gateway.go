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

// Package sampling serves server-initiated MCP sampling requests through a
// single process-wide gateway: one concurrency cap across every session,
// session resolution by key, and a bounded synchronous completion.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/agent"
	"github.com/TobiWan1995/fsm-mcp-client/pkg/logger"
)

// Rejection categories. Callers match with errors.Is; the message carries
// the wire-visible detail.
var (
	ErrUnknownSession      = errors.New("unknown or inactive session")
	ErrUnsupportedProvider = errors.New("provider does not support sampling")
	ErrInvalidRequest      = errors.New("invalid sampling request")
)

const (
	defaultMaxConcurrency = 10
	defaultTimeout        = 60 * time.Second
)

// ResolvedSession is a non-owning view of one live session.
type ResolvedSession struct {
	Agent    agent.Agent
	Provider string
	Active   bool
}

// SessionResolver looks up a session by its key. The manager implements it.
type SessionResolver interface {
	ResolveSession(sessionKey string) (*ResolvedSession, bool)
}

// Stats is a snapshot of the gateway counters.
type Stats struct {
	Inflight  int64
	Completed int64
	Rejected  int64
}

// Gateway throttles sampling across all MCP clients. One semaphore caps
// outbound model calls regardless of how many sessions are connected.
type Gateway struct {
	resolver SessionResolver
	sem      *semaphore.Weighted
	timeout  time.Duration

	inflight  atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64

	inflightGauge    prometheus.Gauge
	completedCounter prometheus.Counter
	rejectedCounter  prometheus.Counter
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxConcurrency caps concurrent samples across all sessions.
func WithMaxConcurrency(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithTimeout bounds one sampling completion.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithRegisterer registers the gateway metrics with the given registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(g *Gateway) {
		reg.MustRegister(g.inflightGauge, g.completedCounter, g.rejectedCounter)
	}
}

// NewGateway creates a gateway resolving sessions through resolver.
func NewGateway(resolver SessionResolver, opts ...Option) *Gateway {
	g := &Gateway{
		resolver: resolver,
		sem:      semaphore.NewWeighted(defaultMaxConcurrency),
		timeout:  defaultTimeout,
		inflightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sampling",
			Name:      "inflight",
			Help:      "Sampling requests currently executing.",
		}),
		completedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sampling",
			Name:      "completed_total",
			Help:      "Sampling requests that finished executing.",
		}),
		rejectedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sampling",
			Name:      "rejected_total",
			Help:      "Sampling requests rejected before or during execution.",
		}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Snapshot returns the current counter values.
func (g *Gateway) Snapshot() Stats {
	return Stats{
		Inflight:  g.inflight.Load(),
		Completed: g.completed.Load(),
		Rejected:  g.rejected.Load(),
	}
}

func (g *Gateway) reject(err error) error {
	g.rejected.Add(1)
	g.rejectedCounter.Inc()
	return err
}

// Sample serves one server-initiated sampling request on behalf of the
// session identified by sessionKey. Validation happens before admission so
// malformed requests never consume a concurrency slot.
func (g *Gateway) Sample(ctx context.Context, sessionKey string, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	log := logger.GetLogger()

	session, ok := g.resolver.ResolveSession(sessionKey)
	if !ok || session == nil || !session.Active {
		return nil, g.reject(fmt.Errorf("sampling failed for session %q: %w", sessionKey, ErrUnknownSession))
	}

	sampler, ok := session.Agent.(agent.Sampler)
	if !ok {
		return nil, g.reject(fmt.Errorf("sampling failed for provider %q: %w", session.Provider, ErrUnsupportedProvider))
	}

	messages, err := g.toProviderMessages(session.Agent, request)
	if err != nil {
		return nil, g.reject(err)
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, g.reject(fmt.Errorf("sampling admission for session %q: %w", sessionKey, err))
	}
	defer g.sem.Release(1)

	g.inflight.Add(1)
	g.inflightGauge.Inc()
	start := time.Now()
	defer func() {
		g.inflight.Add(-1)
		g.inflightGauge.Dec()
		g.completed.Add(1)
		g.completedCounter.Inc()
		log.Debug("Sampling done",
			"session", sessionKey,
			"inflight", g.inflight.Load(),
			"completed", g.completed.Load(),
			"rejected", g.rejected.Load(),
			"elapsed", time.Since(start))
	}()

	sampleCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	content, err := sampler.SampleSync(sampleCtx, messages)
	if err != nil {
		g.rejected.Add(1)
		g.rejectedCounter.Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("Sampling timeout", "session", sessionKey)
			return nil, errors.New("Sampling timed out")
		}
		return nil, fmt.Errorf("Sampling failed: %w", err)
	}

	result := &mcp.CreateMessageResult{
		SamplingMessage: mcp.SamplingMessage{
			Role: mcp.RoleAssistant,
			Content: mcp.TextContent{
				Type: "text",
				Text: strings.TrimSpace(content),
			},
		},
		Model:      session.Agent.Config().Model,
		StopReason: "",
	}
	return result, nil
}

// toProviderMessages converts the sampling payload into provider messages:
// an optional system message first, then one message per sampling message.
// Only text content is accepted.
func (g *Gateway) toProviderMessages(ag agent.Agent, request mcp.CreateMessageRequest) ([]agent.Message, error) {
	var messages []agent.Message

	if request.CreateMessageParams.SystemPrompt != "" {
		messages = append(messages, ag.MakeSystemMessage(request.CreateMessageParams.SystemPrompt))
	}

	if len(request.CreateMessageParams.Messages) == 0 {
		return nil, fmt.Errorf("sampling expects at least one message: %w", ErrInvalidRequest)
	}

	for _, message := range request.CreateMessageParams.Messages {
		text, ok := message.Content.(mcp.TextContent)
		if !ok {
			return nil, fmt.Errorf("sampling expects text content only: %w", ErrInvalidRequest)
		}
		switch message.Role {
		case mcp.RoleAssistant:
			messages = append(messages, ag.MakeAssistantMessage(text.Text, "", nil))
		default:
			messages = append(messages, ag.MakeUserMessage(text.Text, nil))
		}
	}
	return messages, nil
}
