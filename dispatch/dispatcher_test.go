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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/agentgw/agents"
	"github.com/alwitt/agentgw/broadcast"
	"github.com/alwitt/agentgw/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// readEvent read one queued event without waiting
func readEvent(sub *broadcast.QueueSubscriber) (common.Event, bool) {
	select {
	case event := <-sub.Events():
		return event, true
	default:
		return common.Event{}, false
	}
}

func TestRunDispatcher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	hub, err := broadcast.GetHub(utCtxt, "ut-dispatch", 16)
	assert.Nil(err)
	assert.Nil(hub.Start(&wg))

	schedulerSub := broadcast.NewQueueSubscriber("scheduler-watcher", 8)
	assert.Nil(hub.Register(utCtxt, "scheduler", schedulerSub))
	anySub := broadcast.NewQueueSubscriber("ghost-watcher", 8)
	assert.Nil(hub.Register(utCtxt, "ghost", anySub))

	// Fake workflow runtime
	type observedCall struct {
		body          callbackRequest
		startedBefore bool
	}
	calls := make(chan observedCall, 4)
	var runtimeStatus int32 = http.StatusOK
	runtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call observedCall
		_ = json.NewDecoder(r.Body).Decode(&call.body)
		// The started event must already be with the subscriber
		if event, ok := readEvent(schedulerSub); ok && event.Kind == common.EventKindStarted {
			call.startedBefore = true
		}
		calls <- call
		w.WriteHeader(int(atomic.LoadInt32(&runtimeStatus)))
		_, _ = w.Write([]byte("runtime says hi"))
	}))
	defer runtime.Close()

	release := make(chan bool)
	slowRuntime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slowRuntime.Close()
	defer close(release)

	deadRuntime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := deadRuntime.URL
	deadRuntime.Close()

	table, err := agents.GetMappingStore(common.AgentsConfig{
		Entries: []common.AgentMappingConfig{
			{AgentID: "scheduler", CallbackURL: runtime.URL + "/run"},
			{AgentID: "sleeper", Channel: "scheduler", CallbackURL: slowRuntime.URL + "/run"},
			{AgentID: "dead", Channel: "scheduler", CallbackURL: deadURL + "/run"},
		},
	})
	assert.Nil(err)

	uut, err := GetRunDispatcher(table, hub, nil, time.Millisecond*200, "ut-dispatch")
	assert.Nil(err)

	// Case 0: successful trigger
	{
		ticket, err := uut.TriggerRun(utCtxt, "scheduler", json.RawMessage(`{}`))
		assert.Nil(err)
		assert.Equal("scheduler", ticket.AgentID)
		assert.Equal("scheduler", ticket.Channel)
		assert.NotEmpty(ticket.ExecutionID)
		select {
		case call := <-calls:
			assert.True(call.startedBefore)
			assert.Equal("scheduler", call.body.AgentID)
			assert.Equal("scheduler", call.body.Channel)
			assert.Equal(ticket.ExecutionID, call.body.ExecutionID)
			assert.JSONEq(`{}`, string(call.body.Payload))
		case <-time.After(time.Second):
			assert.Fail("callback not called")
		}
		// Nothing after started on success
		_, ok := readEvent(schedulerSub)
		assert.False(ok)
	}

	// Case 1: unknown agent
	{
		_, err := uut.TriggerRun(utCtxt, "ghost", json.RawMessage(`{}`))
		assert.ErrorIs(err, ErrAgentNotFound)
		_, ok := readEvent(schedulerSub)
		assert.False(ok)
		_, ok = readEvent(anySub)
		assert.False(ok)
		assert.Len(calls, 0)
	}

	// Case 2: runtime rejects the run
	{
		atomic.StoreInt32(&runtimeStatus, http.StatusServiceUnavailable)
		ticket, err := uut.TriggerRun(utCtxt, "scheduler", nil)
		var statusErr *CallbackStatusError
		assert.True(errors.As(err, &statusErr))
		assert.Equal(http.StatusServiceUnavailable, statusErr.StatusCode)
		assert.Equal("runtime says hi", statusErr.Body)
		call := <-calls
		assert.True(call.startedBefore)
		assert.Equal("null", string(call.body.Payload))

		failed, ok := readEvent(schedulerSub)
		assert.True(ok)
		assert.Equal(common.EventKindFailed, failed.Kind)
		assert.Equal(ticket.ExecutionID, failed.ExecutionID)
		var payload map[string]interface{}
		assert.Nil(json.Unmarshal(failed.Payload, &payload))
		assert.EqualValues(http.StatusServiceUnavailable, payload["status"])
		assert.Equal("runtime says hi", payload["body"])
		atomic.StoreInt32(&runtimeStatus, http.StatusOK)
	}

	// Case 3: runtime times out
	{
		ticket, err := uut.TriggerRun(utCtxt, "sleeper", json.RawMessage(`{"a":1}`))
		var callErr *CallbackError
		assert.True(errors.As(err, &callErr))

		started, ok := readEvent(schedulerSub)
		assert.True(ok)
		assert.Equal(common.EventKindStarted, started.Kind)
		assert.Equal("sleeper", started.AgentID)
		failed, ok := readEvent(schedulerSub)
		assert.True(ok)
		assert.Equal(common.EventKindFailed, failed.Kind)
		assert.Equal(ticket.ExecutionID, failed.ExecutionID)
		var payload map[string]interface{}
		assert.Nil(json.Unmarshal(failed.Payload, &payload))
		assert.NotEmpty(payload["error"])
	}

	// Case 4: runtime unreachable
	{
		_, err := uut.TriggerRun(utCtxt, "dead", json.RawMessage(`{}`))
		var callErr *CallbackError
		assert.True(errors.As(err, &callErr))
		started, ok := readEvent(schedulerSub)
		assert.True(ok)
		assert.Equal(common.EventKindStarted, started.Kind)
		failed, ok := readEvent(schedulerSub)
		assert.True(ok)
		assert.Equal(common.EventKindFailed, failed.Kind)
	}

	// Case 5: invalid construction
	{
		_, err := GetRunDispatcher(nil, hub, nil, time.Second, "bad")
		assert.NotNil(err)
		_, err = GetRunDispatcher(table, hub, nil, 0, "bad")
		assert.NotNil(err)
	}
}
