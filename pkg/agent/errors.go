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

package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies agent generation failures.
type ErrorKind string

const (
	// KindTransport means the model runtime was unreachable or timed out.
	KindTransport ErrorKind = "transport"
	// KindProtocol means the response failed shape validation.
	KindProtocol ErrorKind = "protocol"
)

// Error is a kind-carrying agent failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a model-runtime connectivity failure.
func NewTransportError(message string, err error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: err}
}

// NewProtocolError wraps a malformed-response failure.
func NewProtocolError(message string, err error) *Error {
	return &Error{Kind: KindProtocol, Message: message, Err: err}
}

// KindOf extracts the ErrorKind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	return ""
}
