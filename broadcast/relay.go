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

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/agentgw/common"
	"github.com/alwitt/agentgw/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// relayEnvelope an event as sent between gateway instances
type relayEnvelope struct {
	// Origin is the relay instance which published the event
	Origin string `json:"origin" validate:"required"`
	// Event is the relayed event
	Event common.Event `json:"event" validate:"required,dive"`
}

// EventRelay EventPublisher which also reaches the subscribers of other gateway instances
type EventRelay interface {
	EventPublisher
	// Start begin receiving events published by other instances
	Start(ctxt context.Context, wg *sync.WaitGroup) error
	// Ready whether the relay is usable
	Ready() bool
}

// natsEventRelay implements EventRelay over NATS core pub/sub
//
// Events are delivered to the local Hub directly, then published on the relay subject.
// Every instance feeds events from other origins into its own Hub.
type natsEventRelay struct {
	common.Component
	origin     string
	subject    string
	nats       *core.NatsClient
	local      Hub
	validate   *validator.Validate
	lock       sync.Mutex
	subscribed bool
	sub        *nats.Subscription
	deliverTTL time.Duration
}

// GetNATSEventRelay define a new NATS backed EventRelay
func GetNATSEventRelay(
	natsClient *core.NatsClient, subject string, local Hub, instance string,
) (EventRelay, error) {
	if natsClient == nil || local == nil {
		return nil, fmt.Errorf("relay requires a NATS client and a local hub")
	}
	if subject == "" {
		return nil, fmt.Errorf("relay requires a subject")
	}
	origin := uuid.NewString()
	logTags := log.Fields{
		"module":    "broadcast",
		"component": "nats-relay",
		"instance":  instance,
		"subject":   subject,
		"origin":    origin,
	}
	return &natsEventRelay{
		Component:  common.Component{LogTags: logTags},
		origin:     origin,
		subject:    subject,
		nats:       natsClient,
		local:      local,
		validate:   validator.New(),
		deliverTTL: time.Second * 5,
	}, nil
}

// Publish deliver locally, then relay to the other instances
//
// Only a local delivery failure is returned.
func (r *natsEventRelay) Publish(ctxt context.Context, event common.Event) error {
	if err := r.local.Broadcast(ctxt, event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Local broadcast of %s failed", event)
		return err
	}
	// Local subscribers already have the event, so relay faults stay here
	msg, err := json.Marshal(&relayEnvelope{Origin: r.origin, Event: event})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to serialize %s", event)
		return nil
	}
	if err := r.nats.NATs().Publish(r.subject, msg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to relay %s", event)
		return nil
	}
	log.WithFields(r.LogTags).Debugf("Relayed %s", event)
	return nil
}

// Ready whether the relay is usable
func (r *natsEventRelay) Ready() bool {
	return r.nats.Connected() && r.local.Ready()
}

// Start begin receiving events published by other instances
func (r *natsEventRelay) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.subscribed {
		return fmt.Errorf("already subscribed to %s", r.subject)
	}
	sub, err := r.nats.NATs().Subscribe(r.subject, func(msg *nats.Msg) {
		var envelope relayEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to read relayed event: %s", msg.Data)
			return
		}
		if err := r.validate.Struct(&envelope); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Invalid relayed event: %s", msg.Data)
			return
		}
		if envelope.Origin == r.origin {
			return
		}
		deliverCtxt, cancel := context.WithTimeout(ctxt, r.deliverTTL)
		defer cancel()
		if err := r.local.Broadcast(deliverCtxt, envelope.Event); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to broadcast relayed %s", envelope.Event,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to subscribe to %s", r.subject)
		return err
	}
	r.subscribed = true
	r.sub = sub
	// Unsubscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		log.WithFields(r.LogTags).Debugf("Unsubscribing from %s", r.subject)
		if err := r.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", r.subject,
			)
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from %s", r.subject)
	}()
	return nil
}
