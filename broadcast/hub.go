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

// Package broadcast fans agent events out to the subscribers of each channel.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/agentgw/common"
	"github.com/apex/log"
)

// EventPublisher publishes an event to every subscriber of the event's channel
type EventPublisher interface {
	// Publish publish one event. Returns once the event is handed to the local
	// subscribers; per-subscriber delivery failures are never returned.
	Publish(ctxt context.Context, event common.Event) error
}

// Hub in-memory registry of subscriber connections per channel
type Hub interface {
	EventPublisher
	// Register add a subscriber to a channel
	Register(ctxt context.Context, channel string, subscriber Subscriber) error
	// Unregister remove a subscriber from a channel. Removing an unknown subscriber is a no-op.
	Unregister(ctxt context.Context, channel string, subscriber Subscriber) error
	// Broadcast deliver an event to every subscriber of its channel
	Broadcast(ctxt context.Context, event common.Event) error
	// ChannelStats fetch the number of subscribers per channel
	ChannelStats(ctxt context.Context) (map[string]int, error)
	// Start start the hub event loop
	Start(wg *sync.WaitGroup) error
	// Stop stop the hub event loop
	Stop() error
	// Ready whether the hub is accepting requests
	Ready() bool
}

// hubImpl implements Hub
//
// The registry is only touched from the task processor event loop.
type hubImpl struct {
	common.Component
	tp       common.TaskProcessor
	registry map[string]map[Subscriber]bool
}

// GetHub define a new Hub
func GetHub(ctxt context.Context, instance string, requestBuffer int) (Hub, error) {
	logTags := log.Fields{
		"module":    "broadcast",
		"component": "hub",
		"instance":  instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(fmt.Sprintf("hub.%s", instance), requestBuffer, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instanceHub := &hubImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		registry:  make(map[string]map[Subscriber]bool),
	}
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(registerRequest{}):   instanceHub.processRegister,
		reflect.TypeOf(unregisterRequest{}): instanceHub.processUnregister,
		reflect.TypeOf(broadcastRequest{}):  instanceHub.processBroadcast,
		reflect.TypeOf(statsRequest{}):      instanceHub.processStats,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install task handlers")
		return nil, err
	}
	return instanceHub, nil
}

// Start start the hub event loop
func (h *hubImpl) Start(wg *sync.WaitGroup) error {
	return h.tp.StartEventLoop(wg)
}

// Stop stop the hub event loop
func (h *hubImpl) Stop() error {
	return h.tp.StopEventLoop()
}

// Ready whether the hub is accepting requests
func (h *hubImpl) Ready() bool {
	return h.tp.IsRunning()
}

// submitAndWait submit a request to the event loop and wait for it to be processed
func (h *hubImpl) submitAndWait(ctxt context.Context, request interface{}, done chan error) error {
	if err := h.tp.Submit(ctxt, request); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// =========================================================================================

type registerRequest struct {
	channel    string
	subscriber Subscriber
	done       chan error
}

// Register add a subscriber to a channel
func (h *hubImpl) Register(ctxt context.Context, channel string, subscriber Subscriber) error {
	request := registerRequest{channel: channel, subscriber: subscriber, done: make(chan error, 1)}
	return h.submitAndWait(ctxt, request, request.done)
}

func (h *hubImpl) processRegister(param interface{}) error {
	request, ok := param.(registerRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for register", reflect.TypeOf(param))
	}
	subscribers, ok := h.registry[request.channel]
	if !ok {
		subscribers = make(map[Subscriber]bool)
		h.registry[request.channel] = subscribers
	}
	subscribers[request.subscriber] = true
	log.WithFields(h.LogTags).Debugf(
		"Registered %s on '%s' (%d subscribers)", request.subscriber, request.channel, len(subscribers),
	)
	request.done <- nil
	return nil
}

// =========================================================================================

type unregisterRequest struct {
	channel    string
	subscriber Subscriber
	done       chan error
}

// Unregister remove a subscriber from a channel
func (h *hubImpl) Unregister(ctxt context.Context, channel string, subscriber Subscriber) error {
	request := unregisterRequest{channel: channel, subscriber: subscriber, done: make(chan error, 1)}
	return h.submitAndWait(ctxt, request, request.done)
}

func (h *hubImpl) processUnregister(param interface{}) error {
	request, ok := param.(unregisterRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for unregister", reflect.TypeOf(param))
	}
	h.removeSubscriber(request.channel, request.subscriber)
	request.done <- nil
	return nil
}

// removeSubscriber drop a subscriber, and the channel once it has no subscribers left
func (h *hubImpl) removeSubscriber(channel string, subscriber Subscriber) {
	subscribers, ok := h.registry[channel]
	if !ok {
		return
	}
	if _, ok := subscribers[subscriber]; !ok {
		return
	}
	delete(subscribers, subscriber)
	if len(subscribers) == 0 {
		delete(h.registry, channel)
	}
	log.WithFields(h.LogTags).Debugf(
		"Unregistered %s from '%s' (%d subscribers)", subscriber, channel, len(subscribers),
	)
}

// =========================================================================================

type broadcastRequest struct {
	event common.Event
	done  chan error
}

// Broadcast deliver an event to every subscriber of its channel
func (h *hubImpl) Broadcast(ctxt context.Context, event common.Event) error {
	request := broadcastRequest{event: event, done: make(chan error, 1)}
	return h.submitAndWait(ctxt, request, request.done)
}

// Publish same as Broadcast
func (h *hubImpl) Publish(ctxt context.Context, event common.Event) error {
	return h.Broadcast(ctxt, event)
}

func (h *hubImpl) processBroadcast(param interface{}) error {
	request, ok := param.(broadcastRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for broadcast", reflect.TypeOf(param))
	}
	defer func() { request.done <- nil }()
	subscribers, ok := h.registry[request.event.Channel]
	if !ok {
		log.WithFields(h.LogTags).Debugf("No subscribers for %s", request.event)
		return nil
	}
	delivered := 0
	closed := []Subscriber{}
	for subscriber := range subscribers {
		err := deliverOne(subscriber, request.event)
		if err == nil {
			delivered++
			continue
		}
		if errors.Is(err, ErrSubscriberClosed) {
			closed = append(closed, subscriber)
		}
		log.WithError(err).WithFields(h.LogTags).Warnf(
			"Failed to deliver %s to %s", request.event, subscriber,
		)
	}
	for _, subscriber := range closed {
		h.removeSubscriber(request.event.Channel, subscriber)
	}
	log.WithFields(h.LogTags).Debugf(
		"Delivered %s to %d of %d subscribers", request.event, delivered, len(subscribers)+len(closed),
	)
	return nil
}

// deliverOne deliver to one subscriber, containing any panic from the subscriber
func deliverOne(subscriber Subscriber, event common.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return subscriber.Deliver(event)
}

// =========================================================================================

type statsRequest struct {
	result chan map[string]int
	done   chan error
}

// ChannelStats fetch the number of subscribers per channel
func (h *hubImpl) ChannelStats(ctxt context.Context) (map[string]int, error) {
	request := statsRequest{result: make(chan map[string]int, 1), done: make(chan error, 1)}
	if err := h.submitAndWait(ctxt, request, request.done); err != nil {
		return nil, err
	}
	return <-request.result, nil
}

func (h *hubImpl) processStats(param interface{}) error {
	request, ok := param.(statsRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for stats", reflect.TypeOf(param))
	}
	result := make(map[string]int, len(h.registry))
	for channel, subscribers := range h.registry {
		result[channel] = len(subscribers)
	}
	request.result <- result
	request.done <- nil
	return nil
}
