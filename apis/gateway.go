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
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/agentgw/agents"
	"github.com/alwitt/agentgw/broadcast"
	"github.com/alwitt/agentgw/common"
	"github.com/alwitt/agentgw/dispatch"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// APIRestGatewayHandler REST handler for the agent event gateway
type APIRestGatewayHandler struct {
	goutils.RestAPIHandler
	agentTable  agents.MappingStore
	dispatcher  dispatch.RunDispatcher
	hub         broadcast.Hub
	relay       broadcast.EventRelay
	publisher   broadcast.EventPublisher
	validate    *validator.Validate
	limiter     *rate.Limiter
	stream      common.StreamConfig
	upgrader    websocket.Upgrader
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
//
// relay is optional. When provided, intake events are published through it so other gateway
// instances see them too.
func GetAPIRestGatewayHandler(
	baseContext context.Context,
	config *common.GatewayServerConfig,
	agentTable agents.MappingStore,
	dispatcher dispatch.RunDispatcher,
	hub broadcast.Hub,
	relay broadcast.EventRelay,
	wg *sync.WaitGroup,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway",
	}
	if config == nil || agentTable == nil || dispatcher == nil || hub == nil || wg == nil {
		return APIRestGatewayHandler{}, fmt.Errorf("gateway handler missing required components")
	}
	var publisher broadcast.EventPublisher = hub
	if relay != nil {
		publisher = relay
	}
	var limiter *rate.Limiter
	if config.Intake.RatePerSec > 0 {
		burst := config.Intake.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.Intake.RatePerSec), burst)
	} else {
		log.WithFields(logTags).Warn(
			"Event intake is not throttled; any caller knowing a channel name may publish to it",
		)
	}
	return APIRestGatewayHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, &config.HTTPSetting),
		agentTable:     agentTable,
		dispatcher:     dispatcher,
		hub:            hub,
		relay:          relay,
		publisher:      publisher,
		validate:       validator.New(),
		limiter:        limiter,
		stream:         config.Stream,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// =======================================================================
// Run trigger

// APIRestReqTriggerRun body of a run trigger request
type APIRestReqTriggerRun struct {
	// Payload is forwarded to the workflow runtime as is
	Payload json.RawMessage `json:"payload,omitempty"`
}

// APIRestRespRunTicket response for an accepted run
type APIRestRespRunTicket struct {
	goutils.RestAPIBaseResponse
	dispatch.RunTicket
}

// TriggerRun godoc
// @Summary Trigger an agent run
// @Description Announce a "started" event on the agent channel, then forward the run request to
// the agent's workflow runtime.
// @tags Gateway
// @Accept json
// @Produce json
// @Param Agentgw-Request-ID header string false "User provided request ID to match against logs"
// @Param agentId path string true "Agent ID"
// @Param request body APIRestReqTriggerRun false "Run request"
// @Success 200 {object} APIRestRespRunTicket "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500,502 {string} Agentgw-Request-ID "Request ID to match against logs"
// @Router /v1/agents/{agentId}/run [post]
func (h APIRestGatewayHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	agentID, ok := vars["agentId"]
	if !ok || agentID == "" {
		msg := "No agent ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	// The body is optional
	var request APIRestReqTriggerRun
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil && err != io.EOF {
			msg := "Unable to parse request body"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
	}

	ticket, err := h.dispatcher.TriggerRun(r.Context(), agentID, request.Payload)
	if err != nil {
		var statusErr *dispatch.CallbackStatusError
		switch {
		case errors.Is(err, dispatch.ErrAgentNotFound):
			msg := fmt.Sprintf("Agent '%s' is not mapped", agentID)
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, err.Error())
		case errors.As(err, &statusErr):
			msg := fmt.Sprintf("Workflow runtime rejected run of '%s'", agentID)
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadGateway
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadGateway, msg, err.Error())
		default:
			msg := fmt.Sprintf("Unable to trigger run of '%s'", agentID)
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
		}
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRunTicket{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), RunTicket: ticket,
	}
}

// TriggerRunHandler Wrapper around TriggerRun
func (h APIRestGatewayHandler) TriggerRunHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.TriggerRun(w, r)
	})
}

// =======================================================================
// Event intake

// ReportProgress godoc
// @Summary Report agent progress
// @Description Accept a progress event from a workflow and fan it out to the subscribers of its
// channel. The event is accepted whether or not anyone is listening.
// @tags Gateway
// @Accept json
// @Produce json
// @Param Agentgw-Request-ID header string false "User provided request ID to match against logs"
// @Param event body common.Event true "Progress event"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,429,500 {string} Agentgw-Request-ID "Request ID to match against logs"
// @Router /v1/events [post]
func (h APIRestGatewayHandler) ReportProgress(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.limiter != nil && !h.limiter.Allow() {
		msg := "Event intake throttled"
		log.WithFields(localLogTags).Warn(msg)
		respCode = http.StatusTooManyRequests
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusTooManyRequests, msg, msg)
		return
	}

	var event common.Event
	if r.Body == nil {
		msg := "Missing request body"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	// Validate input
	if err := event.Validate(h.validate); err != nil {
		msg := "Invalid event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if event.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, event.Timestamp); err != nil {
			msg := "Invalid event timestamp"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
	}
	event.StampIfMissing(time.Now())

	if err := h.publisher.Publish(r.Context(), event); err != nil {
		msg := fmt.Sprintf("Unable to publish %s", event)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	log.WithFields(localLogTags).Debugf("Published %s", event)

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReportProgressHandler Wrapper around ReportProgress
func (h APIRestGatewayHandler) ReportProgressHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.ReportProgress(w, r)
	})
}

// =======================================================================
// Listings

// APIRestRespAgents response listing the mapped agents
type APIRestRespAgents struct {
	goutils.RestAPIBaseResponse
	// Agents the mapped agents
	Agents []agents.Mapping `json:"agents"`
}

// ListAgents godoc
// @Summary List mapped agents
// @Description List the agents which can be triggered, with their channel and callback URL
// @tags Gateway
// @Produce json
// @Param Agentgw-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAgents "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Agentgw-Request-ID "Request ID to match against logs"
// @Router /v1/agents [get]
func (h APIRestGatewayHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespAgents{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Agents:              h.agentTable.List(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListAgentsHandler Wrapper around ListAgents
func (h APIRestGatewayHandler) ListAgentsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.ListAgents(w, r)
	})
}

// APIRestRespChannels response listing the channels with subscribers
type APIRestRespChannels struct {
	goutils.RestAPIBaseResponse
	// Channels subscriber count per channel
	Channels map[string]int `json:"channels"`
}

// ListChannels godoc
// @Summary List active channels
// @Description List the channels which currently have subscribers, with the subscriber count
// @tags Gateway
// @Produce json
// @Param Agentgw-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespChannels "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Agentgw-Request-ID "Request ID to match against logs"
// @Router /v1/channels [get]
func (h APIRestGatewayHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.hub.ChannelStats(r.Context())
	if err != nil {
		msg := "Unable to read channel stats"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespChannels{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Channels: stats,
	}
}

// ListChannelsHandler Wrapper around ListChannels
func (h APIRestGatewayHandler) ListChannelsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.ListChannels(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For gateway liveness check
// @Description Will return success to indicate the gateway is live
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For gateway readiness check
// @Description Will return success if the broadcast hub, and the relay if configured, are usable
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	switch {
	case !h.hub.Ready():
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, "broadcast hub not running",
		)
	case h.relay != nil && !h.relay.Ready():
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, "event relay not connected",
		)
	default:
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================
// Routing

// DefineGatewayRouter define the gateway routes under a path prefix
func DefineGatewayRouter(h APIRestGatewayHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Run trigger
	_ = RegisterPathPrefix(mainRouter, "/v1/agents/{agentId}/run", MethodHandlers{
		"post": h.TriggerRunHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/agents", MethodHandlers{
		"get": h.ListAgentsHandler(),
	})

	// Event intake
	_ = RegisterPathPrefix(mainRouter, "/v1/events", MethodHandlers{
		"post": h.ReportProgressHandler(),
	})

	// Subscription
	_ = RegisterPathPrefix(mainRouter, "/v1/stream/ws", MethodHandlers{
		"get": h.StreamEventsWSHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/stream", MethodHandlers{
		"get": h.StreamEventsHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/channels", MethodHandlers{
		"get": h.ListChannelsHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})

	return router
}
