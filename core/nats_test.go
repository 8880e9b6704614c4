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

package core

import (
	"context"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNatsClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ns, err := server.NewServer(&server.Options{
		Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true,
	})
	assert.Nil(err)
	go ns.Start()
	defer ns.Shutdown()
	assert.True(ns.ReadyForConnections(time.Second * 5))

	// Case 0: invalid params
	{
		_, err := GetNatsClient(NATSConnectParams{ServerURI: ""})
		assert.NotNil(err)
	}

	// Case 1: connect
	closed := make(chan bool, 1)
	uut, err := GetNatsClient(NATSConnectParams{
		ServerURI:           ns.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnCloseCallback: func(_ *nats.Conn) {
			closed <- true
		},
	})
	assert.Nil(err)
	assert.True(uut.Connected())

	// Case 2: pub/sub round trip
	{
		rx := make(chan *nats.Msg, 1)
		sub, err := uut.NATs().ChanSubscribe("ut.core", rx)
		assert.Nil(err)
		assert.Nil(uut.NATs().Publish("ut.core", []byte("hello")))
		select {
		case msg := <-rx:
			assert.Equal("hello", string(msg.Data))
		case <-time.After(time.Second):
			assert.Fail("message not received")
		}
		assert.Nil(sub.Unsubscribe())
	}

	// Case 3: close
	{
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		uut.Close(ctxt)
		assert.False(uut.Connected())
		select {
		case <-closed:
		case <-time.After(time.Second):
			assert.Fail("close callback not called")
		}
	}

	// Case 4: close without a deadline falls back to a flush timeout
	{
		uut, err := GetNatsClient(NATSConnectParams{
			ServerURI:           ns.ClientURL(),
			ConnectTimeout:      time.Second,
			MaxReconnectAttempt: 0,
			ReconnectWait:       time.Second,
		})
		assert.Nil(err)
		uut.Close(context.Background())
		assert.False(uut.Connected())

		ctxt, cancel := withFlushDeadline(context.Background())
		defer cancel()
		_, ok := ctxt.Deadline()
		assert.True(ok)
		limit := time.Now().Add(time.Second * 2)
		bounded, boundedCancel := context.WithDeadline(context.Background(), limit)
		defer boundedCancel()
		ctxt, cancel = withFlushDeadline(bounded)
		defer cancel()
		deadline, ok := ctxt.Deadline()
		assert.True(ok)
		assert.Equal(limit, deadline)
	}
}
