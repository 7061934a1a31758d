// Copyright 2021-2022 The tickrelay Authors
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

package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/tickrelay/auth"
	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/metrics"
	"github.com/alwitt/tickrelay/registry"
	"github.com/alwitt/tickrelay/source"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRelayConfig() common.RelayServerConfig {
	return common.RelayServerConfig{
		Liveness:  common.LivenessConfig{ProbeInterval: 1, Timeout: 2},
		Broadcast: common.BroadcastConfig{Interval: 100, Topics: []string{"BTCUSDT"}, Source: "random"},
		Connection: common.ConnectionConfig{
			SendQueueDepth: 16, WriteTimeout: 2, MaxMessageBytes: 4096,
		},
	}
}

// startTestRelay run a relay behind a bare upgrade handler
func startTestRelay(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, config common.RelayServerConfig,
) (*Relay, *httptest.Server) {
	reg, err := registry.GetRegistry(ctxt, t.Name(), nil, nil, wg)
	require.Nil(t, err)
	src := source.NewRandomTickSource(source.DefaultRandomTickParams(), nil, 1)
	uut, err := GetRelay(
		ctxt, t.Name(), config, reg, src, nil, metrics.NewRelayMetrics(prometheus.NewRegistry()), wg,
	)
	require.Nil(t, err)
	require.Nil(t, uut.Start())

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = uut.Serve(conn, &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "tester"}})
	}))
	return uut, srv
}

func dialTestRelay(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) (wire.Message, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return wire.Message{}, err
	}
	msg, err := wire.Decode(payload)
	require.Nil(t, err)
	return msg, nil
}

func TestRelaySubscribeAndTick(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, srv := startTestRelay(t, ctxt, &wg, testRelayConfig())
	defer srv.Close()
	defer func() {
		assert.Nil(uut.Stop(ctxt))
	}()

	conn := dialTestRelay(t, srv)
	defer conn.Close()

	assert.Nil(conn.WriteJSON(wire.NewSubscribe("BTCUSDT")))

	// Acknowledgment
	gotAck := false
	for !gotAck {
		msg, err := readMessage(t, conn, time.Second)
		require.Nil(t, err)
		if msg.Type == wire.KindSubscribed {
			gotAck = true
			assert.Equal(wire.NewSubscribed("BTCUSDT"), msg)
		}
	}

	// A tick within one broadcast interval (plus scheduling slack)
	gotTick := false
	for !gotTick {
		msg, err := readMessage(t, conn, time.Millisecond*500)
		require.Nil(t, err)
		if msg.Type == wire.KindTick {
			gotTick = true
			assert.Equal("BTCUSDT", msg.Symbol)
			assert.NotNil(msg.Tick)
		}
	}

	// Client initiated ping gets a pong
	assert.Nil(conn.WriteJSON(wire.Message{Type: wire.KindPing}))
	gotPong := false
	for !gotPong {
		msg, err := readMessage(t, conn, time.Second)
		require.Nil(t, err)
		gotPong = msg.Type == wire.KindPong
	}

	// Malformed message does not close the connection
	assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte("{{{")))
	assert.Nil(conn.WriteJSON(wire.NewUnsubscribe("BTCUSDT")))
	gotUnsub := false
	for !gotUnsub {
		msg, err := readMessage(t, conn, time.Second)
		require.Nil(t, err)
		gotUnsub = msg.Type == wire.KindUnsubscribed
	}

	count, err := uut.Registry().Count(ctxt)
	assert.Nil(err)
	assert.Equal(1, count)

	// Client close removes the connection
	assert.Nil(conn.Close())
	assert.Eventually(func() bool {
		count, err := uut.Registry().Count(ctxt)
		return err == nil && count == 0
	}, time.Second*2, time.Millisecond*20)
}

func TestRelayEvictsSilentClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, srv := startTestRelay(t, ctxt, &wg, testRelayConfig())
	defer srv.Close()
	defer func() {
		assert.Nil(uut.Stop(ctxt))
	}()

	silent := dialTestRelay(t, srv)
	defer silent.Close()
	responsive := dialTestRelay(t, srv)
	defer responsive.Close()
	assert.Nil(silent.WriteJSON(wire.NewSubscribe("BTCUSDT")))
	assert.Nil(responsive.WriteJSON(wire.NewSubscribe("BTCUSDT")))

	// The responsive client answers every ping in the background
	responsiveDone := make(chan struct{})
	go func() {
		defer close(responsiveDone)
		for {
			_, payload, err := responsive.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.Decode(payload)
			if err == nil && msg.Type == wire.KindPing {
				if err := responsive.WriteJSON(wire.NewPong(time.Now())); err != nil {
					return
				}
			}
		}
	}()

	// The silent client keeps reading but never answers; the server must close it
	evictedAfter := time.Duration(0)
	start := time.Now()
	for {
		_ = silent.SetReadDeadline(time.Now().Add(time.Second * 5))
		if _, _, err := silent.ReadMessage(); err != nil {
			evictedAfter = time.Since(start)
			break
		}
	}
	assert.GreaterOrEqual(evictedAfter, time.Millisecond*1500)
	assert.Less(evictedAfter, time.Second*5)

	// Only the responsive client remains in the fan-out set
	entries, err := uut.Registry().Snapshot(ctxt)
	assert.Nil(err)
	assert.Len(entries, 1)

	// Past a few more timeout windows the responsive client is still served
	time.Sleep(time.Second * 3)
	count, err := uut.Registry().Count(ctxt)
	assert.Nil(err)
	assert.Equal(1, count)

	assert.Nil(responsive.Close())
	<-responsiveDone
}
