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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/agentgw/broadcast"
	"github.com/alwitt/agentgw/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// unregisterTimeout max time to wait for the hub to remove a stream subscriber
const unregisterTimeout = time.Second * 5

// streamSession one open subscription on behalf of a streaming client
type streamSession struct {
	channel    string
	subscriber *broadcast.QueueSubscriber
	keepAlive  chan bool
	timer      common.IntervalTimer
	timerWG    sync.WaitGroup
	logTags    log.Fields
}

// openStreamSession register a new subscriber on the channel and start its keep-alive timer
func (h APIRestGatewayHandler) openStreamSession(
	ctxt context.Context, transport string, channel string, logTags log.Fields,
) (*streamSession, error) {
	name := fmt.Sprintf("%s-%s", transport, uuid.NewString())
	logTags["channel"] = channel
	logTags["subscriber"] = name
	session := &streamSession{
		channel:    channel,
		subscriber: broadcast.NewQueueSubscriber(name, h.stream.SubscriberBuffer),
		keepAlive:  make(chan bool, 1),
		logTags:    logTags,
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-keep-alive", name), ctxt, &session.timerWG,
	)
	if err != nil {
		return nil, err
	}
	session.timer = timer

	if err := h.hub.Register(ctxt, channel, session.subscriber); err != nil {
		// The request may still be queued on the hub and processed later
		h.releaseSubscriber(session)
		return nil, err
	}
	if err := timer.Start(
		time.Second*time.Duration(h.stream.KeepAliveInterval),
		func() error {
			select {
			case session.keepAlive <- true:
			default:
			}
			return nil
		},
		false,
	); err != nil {
		h.closeStreamSession(session)
		return nil, err
	}
	log.WithFields(logTags).Info("Stream subscriber registered")
	return session, nil
}

// closeStreamSession stop the keep-alive timer and remove the subscriber from the hub
func (h APIRestGatewayHandler) closeStreamSession(session *streamSession) {
	if err := session.timer.Stop(); err != nil {
		log.WithError(err).WithFields(session.logTags).Error("Failed to stop keep-alive timer")
	}
	session.timerWG.Wait()
	h.releaseSubscriber(session)
	log.WithFields(session.logTags).Info("Stream subscriber closed")
}

// releaseSubscriber remove the subscriber from the hub and close it
//
// A closed subscriber is pruned by the hub on the next broadcast even if the unregister fails.
func (h APIRestGatewayHandler) releaseSubscriber(session *streamSession) {
	session.subscriber.Close()
	// The request context may already be done
	ctxt, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if err := h.hub.Unregister(ctxt, session.channel, session.subscriber); err != nil {
		log.WithError(err).WithFields(session.logTags).Error("Failed to unregister stream subscriber")
	}
}

// =======================================================================
// Server-sent events

// StreamEvents godoc
// @Summary Subscribe to a channel
// @Description Establish a server-sent event stream for one channel. Only events broadcast after
// the subscription is established are delivered. Comment lines are sent periodically to keep the
// connection open. The stream closes on client disconnect, server shutdown, or write failure.
// @tags Gateway
// @Produce text/event-stream
// @Param Agentgw-Request-ID header string false "User provided request ID to match against logs"
// @Param channel query string true "Channel to subscribe to"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stream [get]
func (h APIRestGatewayHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	replyError := func(code int, msg string, detail string) {
		if err := h.WriteRESTResponse(
			w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	channel, ok := readSingleQuery(r, "channel")
	if !ok {
		msg := "Missing channel / Multiple channels"
		log.WithFields(localLogTags).Error(msg)
		replyError(http.StatusBadRequest, msg, msg)
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Error(msg)
		replyError(http.StatusInternalServerError, msg, msg)
		return
	}

	session, err := h.openStreamSession(r.Context(), "sse", channel, localLogTags)
	if err != nil {
		msg := fmt.Sprintf("Unable to subscribe to '%s'", channel)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		replyError(http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer h.closeStreamSession(session)
	logTags := session.logTags

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to open stream")
		return
	}
	writeFlusher.Flush()

	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating stream on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Terminating stream on request end")
			return
		case <-session.keepAlive:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to send keep-alive")
				return
			}
			writeFlusher.Flush()
		case event, ok := <-session.subscriber.Events():
			if !ok {
				log.WithFields(logTags).Info("Subscriber closed")
				return
			}
			serialized, err := json.Marshal(&event)
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to serialize %s", event)
				continue
			}
			written, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, serialized)
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to transmit %s", event)
				return
			}
			writeFlusher.Flush()
			log.WithFields(logTags).Debugf("Written %dB", written)
		}
	}
}

// StreamEventsHandler Wrapper around StreamEvents
func (h APIRestGatewayHandler) StreamEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamEvents(w, r)
	}
}

// =======================================================================
// WebSocket

// wsWriteWait max time allowed for writing one frame
const wsWriteWait = time.Second * 10

// StreamEventsWS godoc
// @Summary Subscribe to a channel over WebSocket
// @Description Same as the event stream, over a WebSocket. Each event is sent as a JSON text
// frame. Ping frames keep the connection open.
// @tags Gateway
// @Param channel query string true "Channel to subscribe to"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stream/ws [get]
func (h APIRestGatewayHandler) StreamEventsWS(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	channel, ok := readSingleQuery(r, "channel")
	if !ok {
		msg := "Missing channel / Multiple channels"
		log.WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	// The upgrader replies to the client on failure
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	session, err := h.openStreamSession(r.Context(), "ws", channel, localLogTags)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to subscribe to '%s'", channel)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(wsWriteWait),
		)
		return
	}
	defer h.closeStreamSession(session)
	logTags := session.logTags

	// Read side only processes control frames and notices the client leaving
	clientGone := make(chan bool)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.WithError(err).WithFields(logTags).Debug("WebSocket read ended")
				return
			}
		}
	}()

	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating stream on server stop")
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(wsWriteWait),
			)
			return
		case <-clientGone:
			log.WithFields(logTags).Info("Terminating stream on client disconnect")
			return
		case <-session.keepAlive:
			if err := conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(wsWriteWait),
			); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to send ping")
				return
			}
		case event, ok := <-session.subscriber.Events():
			if !ok {
				log.WithFields(logTags).Info("Subscriber closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(&event); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to transmit %s", event)
				return
			}
		}
	}
}

// StreamEventsWSHandler Wrapper around StreamEventsWS
func (h APIRestGatewayHandler) StreamEventsWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamEventsWS(w, r)
	}
}
