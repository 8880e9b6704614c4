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

// Package dispatch triggers agent runs on the external workflow runtime.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/agentgw/agents"
	"github.com/alwitt/agentgw/broadcast"
	"github.com/alwitt/agentgw/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// maxFailureBodyBytes response body bytes carried in a failed event
const maxFailureBodyBytes = 4096

// RunTicket describes an accepted run
type RunTicket struct {
	// AgentID is the agent which was triggered
	AgentID string `json:"agentId"`
	// Channel is the channel the run reports progress on
	Channel string `json:"channel"`
	// ExecutionID identifies this run
	ExecutionID string `json:"executionId"`
}

// callbackRequest body POSTed to the agent callback URL
type callbackRequest struct {
	Payload     json.RawMessage `json:"payload"`
	Channel     string          `json:"channel"`
	AgentID     string          `json:"agentId"`
	ExecutionID string          `json:"executionId"`
}

// RunDispatcher triggers agent runs
type RunDispatcher interface {
	// TriggerRun start a run of an agent.
	//
	// A "started" event is published on the agent channel before the callback URL is
	// called. If the callback can not be completed, a "failed" event follows and a
	// *CallbackStatusError or *CallbackError is returned. Unknown agents return
	// ErrAgentNotFound without any side effect.
	TriggerRun(ctxt context.Context, agentID string, payload json.RawMessage) (RunTicket, error)
}

// httpRunDispatcher implements RunDispatcher with HTTP POST callbacks
type httpRunDispatcher struct {
	common.Component
	agents          agents.MappingStore
	publisher       broadcast.EventPublisher
	client          *http.Client
	callbackTimeout time.Duration
	publishTimeout  time.Duration
}

// GetRunDispatcher define a new RunDispatcher
func GetRunDispatcher(
	agentTable agents.MappingStore,
	publisher broadcast.EventPublisher,
	client *http.Client,
	callbackTimeout time.Duration,
	instance string,
) (RunDispatcher, error) {
	logTags := log.Fields{
		"module":    "dispatch",
		"component": "run-dispatcher",
		"instance":  instance,
	}
	if agentTable == nil || publisher == nil {
		return nil, fmt.Errorf("run dispatcher requires an agent table and an event publisher")
	}
	if callbackTimeout <= 0 {
		return nil, fmt.Errorf("invalid callback timeout %s", callbackTimeout)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &httpRunDispatcher{
		Component:       common.Component{LogTags: logTags},
		agents:          agentTable,
		publisher:       publisher,
		client:          client,
		callbackTimeout: callbackTimeout,
		publishTimeout:  time.Second * 5,
	}, nil
}

// TriggerRun start a run of an agent
func (d *httpRunDispatcher) TriggerRun(
	ctxt context.Context, agentID string, payload json.RawMessage,
) (RunTicket, error) {
	mapping, err := d.agents.Lookup(agentID)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Debugf("Unable to resolve agent '%s'", agentID)
		return RunTicket{}, err
	}
	ticket := RunTicket{
		AgentID: mapping.AgentID, Channel: mapping.Channel, ExecutionID: uuid.NewString(),
	}
	logTags := d.ChildLogTags(log.Fields{
		"agent": ticket.AgentID, "channel": ticket.Channel, "execution": ticket.ExecutionID,
	})

	// Announce the run before calling out
	started, err := d.defineEvent(ticket, common.EventKindStarted, map[string]string{
		"agentId": ticket.AgentID,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define started event")
		return ticket, err
	}
	if err := d.publisher.Publish(ctxt, started); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to publish started event")
		return ticket, fmt.Errorf("publish started event: %w", err)
	}

	if err := d.callOut(ctxt, mapping, ticket, payload); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Run trigger failed on %s", mapping.CallbackURL)
		d.publishFailure(ticket, err, logTags)
		return ticket, err
	}
	log.WithFields(logTags).Infof("Run accepted by %s", mapping.CallbackURL)
	return ticket, nil
}

// callOut POST the run request to the callback URL
func (d *httpRunDispatcher) callOut(
	ctxt context.Context, mapping agents.Mapping, ticket RunTicket, payload json.RawMessage,
) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(&callbackRequest{
		Payload:     payload,
		Channel:     ticket.Channel,
		AgentID:     ticket.AgentID,
		ExecutionID: ticket.ExecutionID,
	})
	if err != nil {
		return &CallbackError{Err: err}
	}

	callCtxt, cancel := context.WithTimeout(ctxt, d.callbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(
		callCtxt, http.MethodPost, mapping.CallbackURL, bytes.NewReader(body),
	)
	if err != nil {
		return &CallbackError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return &CallbackError{Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxFailureBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CallbackStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// publishFailure best effort publish of a failed event for a run which could not be triggered
func (d *httpRunDispatcher) publishFailure(ticket RunTicket, cause error, logTags log.Fields) {
	var payload interface{}
	switch typed := cause.(type) {
	case *CallbackStatusError:
		payload = map[string]interface{}{"status": typed.StatusCode, "body": typed.Body}
	default:
		payload = map[string]interface{}{"error": cause.Error()}
	}
	failed, err := d.defineEvent(ticket, common.EventKindFailed, payload)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define failed event")
		return
	}
	// The triggering request may already be gone; subscribers should still hear about it
	ctxt, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
	defer cancel()
	if err := d.publisher.Publish(ctxt, failed); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to publish failed event")
	}
}

// defineEvent define a gateway generated event for a run
func (d *httpRunDispatcher) defineEvent(
	ticket RunTicket, kind common.EventKind, payload interface{},
) (common.Event, error) {
	event, err := common.NewEvent(ticket.Channel, kind, payload)
	if err != nil {
		return common.Event{}, err
	}
	event.AgentID = ticket.AgentID
	event.ExecutionID = ticket.ExecutionID
	return event, nil
}
