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

package apis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/agentgw/broadcast"
	"github.com/alwitt/agentgw/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// readLines read lines from a stream body in the background
func readLines(body *bufio.Reader) <-chan string {
	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()
	return lines
}

// nextLine wait for the next non-empty line, ignoring any listed in skip
func nextLine(lines <-chan string, timeout time.Duration, skip ...string) (string, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return "", false
			}
			if line == "" {
				continue
			}
			skipped := false
			for _, ignore := range skip {
				if line == ignore {
					skipped = true
				}
			}
			if skipped {
				continue
			}
			return line, true
		case <-deadline:
			return "", false
		}
	}
}

// subscriberCount current subscriber count of a channel
func subscriberCount(g testGateway, ctxt context.Context, channel string) int {
	stats, err := g.hub.ChannelStats(ctxt)
	if err != nil {
		return -1
	}
	return stats[channel]
}

func TestStreamEventsSSE(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestGateway(t, utCtxt, &wg, defineTestConfig())
	defer uut.close()

	srv := httptest.NewServer(uut.router)
	defer srv.Close()

	channel := uuid.NewString()

	// Case 0: missing channel
	{
		resp, err := http.Get(srv.URL + "/v1/stream")
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.NotEqual("text/event-stream", resp.Header.Get("Content-Type"))
		_ = resp.Body.Close()
	}

	// Case 1: events published before subscribing are not replayed
	{
		resp := callGateway(
			uut.router,
			"POST",
			"/v1/events",
			[]byte(`{"channel":"`+channel+`","kind":"started"}`),
		)
		assert.Equal(http.StatusOK, resp.Code)
	}

	streamCtxt, streamCancel := context.WithCancel(utCtxt)
	defer streamCancel()
	req, err := http.NewRequestWithContext(
		streamCtxt, "GET", srv.URL+"/v1/stream?channel="+channel, nil,
	)
	assert.Nil(err)
	resp, err := http.DefaultClient.Do(req)
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	lines := readLines(bufio.NewReader(resp.Body))

	// Case 2: connected comment
	{
		line, ok := nextLine(lines, time.Second*2)
		assert.True(ok)
		assert.Equal(": connected", line)
		assert.Equal(1, subscriberCount(uut, utCtxt, channel))
	}

	// Case 3: events after subscribing are framed with their kind
	{
		resp := callGateway(
			uut.router,
			"POST",
			"/v1/events",
			[]byte(`{"channel":"`+channel+`","kind":"completed","payload":{"result":"ok"}}`),
		)
		assert.Equal(http.StatusOK, resp.Code)

		line, ok := nextLine(lines, time.Second*2, ": keep-alive")
		assert.True(ok)
		assert.Equal("event: completed", line)
		line, ok = nextLine(lines, time.Second*2, ": keep-alive")
		assert.True(ok)
		assert.True(strings.HasPrefix(line, "data: "))
		var event common.Event
		assert.Nil(json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		assert.Equal(channel, event.Channel)
		assert.Equal(common.EventKindCompleted, event.Kind)
		assert.JSONEq(`{"result":"ok"}`, string(event.Payload))
		assert.NotEmpty(event.Timestamp)
	}

	// Case 4: keep-alive
	{
		line, ok := nextLine(lines, time.Second*3)
		assert.True(ok)
		assert.Equal(": keep-alive", line)
	}

	// Case 5: client disconnect removes the subscriber
	{
		streamCancel()
		assert.Eventually(func() bool {
			return subscriberCount(uut, utCtxt, channel) == 0
		}, time.Second*3, time.Millisecond*50)
		stats, err := uut.hub.ChannelStats(utCtxt)
		assert.Nil(err)
		_, present := stats[channel]
		assert.False(present)

		// Publishing to the now empty channel is fine
		resp := callGateway(
			uut.router,
			"POST",
			"/v1/events",
			[]byte(`{"channel":"`+channel+`","kind":"progress"}`),
		)
		assert.Equal(http.StatusOK, resp.Code)
	}
}

func TestStreamEventsSSEServerStop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	serverCtxt, serverCancel := context.WithCancel(utCtxt)
	defer serverCancel()
	config := defineTestConfig()
	uut := defineTestGateway(t, utCtxt, &wg, config)
	defer uut.close()
	// Separate handler whose base context ends before the hub's
	handler, err := GetAPIRestGatewayHandler(
		serverCtxt, config, uut.handler.agentTable, uut.handler.dispatcher, uut.hub, nil, &wg,
	)
	assert.Nil(err)
	srv := httptest.NewServer(DefineGatewayRouter(handler, "/"))
	defer srv.Close()

	channel := uuid.NewString()
	resp, err := http.Get(srv.URL + "/v1/stream?channel=" + channel)
	assert.Nil(err)
	defer resp.Body.Close()
	lines := readLines(bufio.NewReader(resp.Body))
	line, ok := nextLine(lines, time.Second*2)
	assert.True(ok)
	assert.Equal(": connected", line)

	serverCancel()

	// Stream ends
	assert.Eventually(func() bool {
		select {
		case _, ok := <-lines:
			return !ok
		default:
			return false
		}
	}, time.Second*3, time.Millisecond*50)
	assert.Eventually(func() bool {
		return subscriberCount(uut, utCtxt, channel) == 0
	}, time.Second*3, time.Millisecond*50)
}

func TestStreamEventsWebSocket(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestGateway(t, utCtxt, &wg, defineTestConfig())
	defer uut.close()

	srv := httptest.NewServer(uut.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	channel := uuid.NewString()

	// Case 0: missing channel
	{
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/v1/stream/ws", nil)
		assert.NotNil(err)
		assert.NotNil(resp)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/v1/stream/ws?channel="+channel, nil)
	assert.Nil(err)
	defer conn.Close()

	assert.Eventually(func() bool {
		return subscriberCount(uut, utCtxt, channel) == 1
	}, time.Second*3, time.Millisecond*50)

	pings := make(chan bool, 4)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- true:
		default:
		}
		return nil
	})

	// Case 1: events arrive as JSON text frames
	{
		resp := callGateway(
			uut.router,
			"POST",
			"/v1/events",
			[]byte(`{"channel":"`+channel+`","kind":"progress","payload":{"pct":50}}`),
		)
		assert.Equal(http.StatusOK, resp.Code)

		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 2)))
		msgType, msg, err := conn.ReadMessage()
		assert.Nil(err)
		assert.Equal(websocket.TextMessage, msgType)
		var event common.Event
		assert.Nil(json.NewDecoder(bytes.NewReader(msg)).Decode(&event))
		assert.Equal(common.EventKindProgress, event.Kind)
		assert.JSONEq(`{"pct":50}`, string(event.Payload))
	}

	// Case 2: keep-alive pings, processed while waiting for the next frame
	{
		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 3)))
		_, _, err := conn.ReadMessage()
		// No data frame follows; the read times out after the ping was handled
		assert.NotNil(err)
		select {
		case <-pings:
		default:
			assert.Fail("no keep-alive ping received")
		}
	}

	// Case 3: disconnect removes the subscriber
	{
		assert.Nil(conn.Close())
		assert.Eventually(func() bool {
			return subscriberCount(uut, utCtxt, channel) == 0
		}, time.Second*3, time.Millisecond*50)
	}
}

func TestStreamSessionRegisterCancelled(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestGateway(t, utCtxt, &wg, defineTestConfig())
	defer uut.close()

	// Hub whose event loop is not running yet, so requests sit in its queue
	hub, err := broadcast.GetHub(utCtxt, "ut-stalled", 16)
	assert.Nil(err)
	handler, err := GetAPIRestGatewayHandler(
		utCtxt, defineTestConfig(), uut.handler.agentTable, uut.handler.dispatcher, hub, nil, &wg,
	)
	assert.Nil(err)

	channel := uuid.NewString()
	reqCtxt, reqCancel := context.WithTimeout(utCtxt, time.Millisecond*100)
	defer reqCancel()

	type openResult struct {
		session *streamSession
		err     error
	}
	result := make(chan openResult, 1)
	go func() {
		session, err := handler.openStreamSession(reqCtxt, "sse", channel, log.Fields{})
		result <- openResult{session: session, err: err}
	}()

	// Let the register request time out on the caller side, then start the loop
	<-reqCtxt.Done()
	time.Sleep(time.Millisecond * 100)
	assert.Nil(hub.Start(&wg))
	defer func() {
		assert.Nil(hub.Stop())
	}()

	var opened openResult
	select {
	case opened = <-result:
	case <-time.After(time.Second * 5):
		assert.FailNow("open stream session did not return")
	}
	assert.NotNil(opened.err)
	assert.Nil(opened.session)

	// The queued register was processed, followed by the cleanup
	stats, err := hub.ChannelStats(utCtxt)
	assert.Nil(err)
	_, present := stats[channel]
	assert.False(present)

	// Broadcasting to the channel reaches no one
	event, err := common.NewEvent(channel, common.EventKindProgress, nil)
	assert.Nil(err)
	assert.Nil(hub.Broadcast(utCtxt, event))
	stats, err = hub.ChannelStats(utCtxt)
	assert.Nil(err)
	assert.Empty(stats)
}
