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

// Package cmd wires the gateway components into a running server.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/agentgw/agents"
	"github.com/alwitt/agentgw/apis"
	"github.com/alwitt/agentgw/broadcast"
	"github.com/alwitt/agentgw/common"
	"github.com/alwitt/agentgw/core"
	"github.com/alwitt/agentgw/dispatch"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// hubRequestBuffer number of hub requests which can be queued before callers wait
const hubRequestBuffer = 256

// RunGatewayServer run the agent event gateway server
//
// natsClient is optional. When provided, events are relayed between gateway instances over
// relaySubject.
func RunGatewayServer(
	runtimeContext context.Context,
	config *common.GatewayServerConfig,
	agentsConfig common.AgentsConfig,
	natsClient *core.NatsClient,
	relaySubject string,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Core components

	agentTable, err := agents.GetMappingStore(agentsConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to load agent mapping")
		return err
	}

	hub, err := broadcast.GetHub(runtimeContext, instance, hubRequestBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast hub")
		return err
	}
	if err := hub.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broadcast hub")
		return err
	}
	defer func() {
		if err := hub.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop broadcast hub")
		}
	}()

	var publisher broadcast.EventPublisher = hub
	var relay broadcast.EventRelay
	if natsClient != nil {
		relay, err = broadcast.GetNATSEventRelay(natsClient, relaySubject, hub, instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event relay")
			return err
		}
		if err := relay.Start(localCtxt, wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start event relay")
			return err
		}
		publisher = relay
		log.WithFields(logTags).Infof("Relaying events over NATS subject %s", relaySubject)
	}

	dispatcher, err := dispatch.GetRunDispatcher(
		agentTable,
		publisher,
		&http.Client{},
		time.Second*time.Duration(config.Dispatch.CallbackTimeout),
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define run dispatcher")
		return err
	}

	httpHandler, err := apis.GetAPIRestGatewayHandler(
		localCtxt, config, agentTable, dispatcher, hub, relay, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.DefineGatewayRouter(httpHandler, config.Endpoints.PathPrefix)

	// Browser clients are served from a different origin
	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(config.CORS.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders(
			[]string{"Content-Type", config.HTTPSetting.Logging.RequestIDHeader},
		),
		handlers.ExposedHeaders([]string{config.HTTPSetting.Logging.RequestIDHeader}),
	)(router)

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(corsHandler, &http2.Server{}),
	}
	if config.HTTPSetting.Server.WriteTimeout > 0 {
		log.WithFields(logTags).Warn("HTTP write timeout is set; streams will be cut off when it expires")
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	select {
	case err := <-serverErr:
		return err
	default:
		return nil
	}
}
