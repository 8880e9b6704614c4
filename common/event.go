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

package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// EventKind lifecycle stage of a triggered agent
type EventKind string

const (
	// EventKindStarted the gateway accepted a run request
	EventKindStarted EventKind = "started"
	// EventKindProgress the agent reported progress
	EventKindProgress EventKind = "progress"
	// EventKindAwaitingInput the agent is waiting on user input
	EventKindAwaitingInput EventKind = "awaiting-input"
	// EventKindCompleted the agent finished
	EventKindCompleted EventKind = "completed"
	// EventKindFailed the agent, or the gateway trying to reach it, failed
	EventKindFailed EventKind = "failed"
)

// AllEventKinds the closed set of event kinds
var AllEventKinds = []EventKind{
	EventKindStarted,
	EventKindProgress,
	EventKindAwaitingInput,
	EventKindCompleted,
	EventKindFailed,
}

// IsValid whether the kind is part of the closed set
func (k EventKind) IsValid() bool {
	for _, known := range AllEventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event one agent progress notification on one channel
type Event struct {
	// Channel identifies which subscribers receive the event
	Channel string `json:"channel" validate:"required"`
	// Kind is the lifecycle stage
	Kind EventKind `json:"kind" validate:"required,oneof=started progress awaiting-input completed failed"`
	// Payload is opaque to the gateway
	Payload json.RawMessage `json:"payload,omitempty"`
	// Timestamp is an RFC 3339 timestamp, assigned by the gateway when the producer omits it
	Timestamp string `json:"timestamp,omitempty"`
	// AgentID is the agent the event relates to, if known
	AgentID string `json:"agentId,omitempty"`
	// ExecutionID is the run the event relates to, if known
	ExecutionID string `json:"executionId,omitempty"`
}

// String toString function
func (e Event) String() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("%s@%s[%s]", e.Kind, e.Channel, e.ExecutionID)
	}
	return fmt.Sprintf("%s@%s", e.Kind, e.Channel)
}

// Validate check the event is structurally valid
func (e Event) Validate(validate *validator.Validate) error {
	return validate.Struct(&e)
}

// StampIfMissing set the timestamp to the current time if it is not set
func (e *Event) StampIfMissing(now time.Time) {
	if e.Timestamp == "" {
		e.Timestamp = now.UTC().Format(time.RFC3339Nano)
	}
}

// NewEvent define a new gateway generated event stamped with the current time
func NewEvent(channel string, kind EventKind, payload interface{}) (Event, error) {
	event := Event{Channel: channel, Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		event.Payload = raw
	}
	event.StampIfMissing(time.Now())
	return event, nil
}
