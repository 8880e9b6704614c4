// Copyright 2021-2022 The agentgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"fmt"

	"github.com/alwitt/agentgw/agents"
)

// ErrAgentNotFound the requested agent has no mapping
var ErrAgentNotFound = agents.ErrAgentNotFound

// CallbackStatusError the workflow runtime answered with a non-success status
type CallbackStatusError struct {
	// StatusCode is the HTTP status returned by the callback URL
	StatusCode int
	// Body is the (possibly truncated) response body
	Body string
}

// Error implements error
func (e *CallbackStatusError) Error() string {
	return fmt.Sprintf("callback returned status %d", e.StatusCode)
}

// CallbackError the call to the workflow runtime could not be completed
type CallbackError struct {
	Err error
}

// Error implements error
func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback failed: %s", e.Err.Error())
}

// Unwrap implements errors.Unwrap
func (e *CallbackError) Unwrap() error {
	return e.Err
}
