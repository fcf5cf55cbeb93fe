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

// Package httpclient provides an HTTP client with status-aware retries,
// used for all outbound provider traffic.
package httpclient

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/TobiWan1995/fsm-mcp-client/pkg/logger"
)

type RetryStrategy int

const (
	// NoRetry fails immediately.
	NoRetry RetryStrategy = iota
	// ConservativeRetry retries at most twice with short fixed delays.
	ConservativeRetry
	// BackoffRetry retries with exponential backoff up to the retry limit.
	BackoffRetry
)

// RetryStrategyFunc maps an HTTP status code to a retry strategy.
type RetryStrategyFunc func(statusCode int) RetryStrategy

// Client wraps http.Client with retry handling.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	strategyFunc RetryStrategyFunc
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

// WithBaseDelay sets the base delay for backoff retries.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

// WithRetryStrategy replaces the status-to-strategy mapping.
func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) {
		c.strategyFunc = strategyFunc
	}
}

// WithTimeout sets the per-request timeout on the underlying client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = timeout
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   3,
		baseDelay:    time.Second,
		strategyFunc: DefaultRetryStrategy,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// DefaultRetryStrategy backs off on throttling and transient availability
// errors, retries server errors conservatively, and fails everything else.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return BackoffRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request, retrying according to the configured strategy.
// The request body must be replayable (GetBody set) for retries to work.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	log := logger.GetLogger()

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, strategy, err := c.attempt(req)
		if strategy == NoRetry || err == nil {
			return resp, err
		}

		delay := c.delayFor(strategy, attempt)

		if attempt >= c.maxRetries || delay <= 0 {
			statusCode := 0
			if resp != nil {
				statusCode = resp.StatusCode
			}
			return resp, &RetryableError{
				StatusCode: statusCode,
				Message:    fmt.Sprintf("retry limit (%d) exceeded", c.maxRetries),
				RetryAfter: delay,
				Err:        err,
			}
		}

		if resp != nil {
			resp.Body.Close()
			log.Warn("Retrying request",
				"status", resp.StatusCode, "delay", delay, "attempt", attempt+1)
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return nil, &RetryableError{
		Message: fmt.Sprintf("retry limit (%d) exceeded", c.maxRetries),
		Err:     fmt.Errorf("max retries exceeded"),
	}
}

func (c *Client) attempt(req *http.Request) (*http.Response, RetryStrategy, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NoRetry, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, nil
	}

	return resp, c.strategyFunc(resp.StatusCode), fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) delayFor(strategy RetryStrategy, attempt int) time.Duration {
	switch strategy {
	case BackoffRetry:
		return time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(1+attempt) * time.Second
	default:
		return 0
	}
}
