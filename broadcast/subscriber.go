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
	"errors"
	"sync"

	"github.com/alwitt/agentgw/common"
)

// ErrSubscriberClosed the subscriber connection is gone
var ErrSubscriberClosed = errors.New("subscriber closed")

// ErrSubscriberBackedUp the subscriber is not keeping up and its queue is full
var ErrSubscriberBackedUp = errors.New("subscriber queue full")

// Subscriber one open subscriber connection, as seen by the Hub
//
// The Hub identifies a subscriber by the handle itself, so implementations must be
// comparable (normally a pointer).
type Subscriber interface {
	// Deliver hand an event to the subscriber. Must not block.
	Deliver(event common.Event) error
}

// QueueSubscriber Subscriber backed by a bounded queue which the connection writer drains
type QueueSubscriber struct {
	name   string
	queue  chan common.Event
	lock   sync.Mutex
	closed bool
}

// NewQueueSubscriber define a new QueueSubscriber holding at most depth undelivered events
func NewQueueSubscriber(name string, depth int) *QueueSubscriber {
	if depth < 1 {
		depth = 1
	}
	return &QueueSubscriber{name: name, queue: make(chan common.Event, depth)}
}

// Deliver queue an event for the connection writer
func (s *QueueSubscriber) Deliver(event common.Event) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.queue <- event:
		return nil
	default:
		return ErrSubscriberBackedUp
	}
}

// Events the queue the connection writer reads from. Closed once Close is called.
func (s *QueueSubscriber) Events() <-chan common.Event {
	return s.queue
}

// Close mark the subscriber as gone. Safe to call more than once.
func (s *QueueSubscriber) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// String toString function
func (s *QueueSubscriber) String() string {
	return s.name
}
