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

package apis

import (
	"context"
	"fmt"
	"io"
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
	"github.com/alwitt/tickrelay/relay"
	"github.com/alwitt/tickrelay/source"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "apis-unit-test-secret"

type testEnv struct {
	relay   *relay.Relay
	metrics *metrics.RelayMetrics
	srv     *httptest.Server
}

func (e testEnv) wsURL(query string) string {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if query != "" {
		url = url + "?" + query
	}
	return url
}

func setupTestEnv(t *testing.T, ctxt context.Context, wg *sync.WaitGroup) testEnv {
	config := common.RelayServerConfig{
		HTTPSetting: common.HTTPConfig{
			Logging: common.HTTPRequestLogging{
				RequestIDHeader: "Tickrelay-Request-ID",
				DoNotLogHeaders: []string{"Authorization"},
			},
		},
		Endpoints: common.RelayEndpointConfig{PathPrefix: "/"},
		Auth:      common.AuthConfig{Secret: testSecret},
		Liveness:  common.LivenessConfig{ProbeInterval: 5, Timeout: 10},
		Broadcast: common.BroadcastConfig{
			Interval: 50, Topics: []string{"BTCUSDT"}, Source: "random",
		},
		Connection: common.ConnectionConfig{
			SendQueueDepth: 16, WriteTimeout: 2, MaxMessageBytes: 4096,
		},
	}

	promReg := metrics.NewRegistry()
	m := metrics.NewRelayMetrics(promReg)
	reg, err := registry.GetRegistry(ctxt, t.Name(), nil, m.ObserveConnectionCount, wg)
	require.Nil(t, err)
	src := source.NewRandomTickSource(source.DefaultRandomTickParams(), nil, 7)
	relayCore, err := relay.GetRelay(ctxt, t.Name(), config, reg, src, nil, m, wg)
	require.Nil(t, err)
	require.Nil(t, relayCore.Start())

	verifier, err := auth.NewJWTVerifier(config.Auth, nil)
	require.Nil(t, err)
	uut, err := GetRelayAPIHandler(
		relayCore, auth.NewGate(verifier), &config.HTTPSetting, config.Connection, m, promReg, nil,
	)
	require.Nil(t, err)

	return testEnv{
		relay:   relayCore,
		metrics: m,
		srv:     httptest.NewServer(uut.BuildRouter(config.Endpoints.PathPrefix)),
	}
}

func mintTestToken(t *testing.T, secret string) string {
	token, err := auth.MintToken(
		auth.TokenParams{Secret: secret, Subject: "tester", TTL: time.Minute}, time.Now(),
	)
	require.Nil(t, err)
	return token
}

func TestRelayAPIUpgradeAuth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := setupTestEnv(t, ctxt, &wg)
	defer env.srv.Close()
	defer func() {
		assert.Nil(env.relay.Stop(ctxt))
	}()

	token := mintTestToken(t, testSecret)

	expectConnected := func(expected int) {
		assert.Eventually(func() bool {
			count, err := env.relay.Registry().Count(ctxt)
			return err == nil && count == expected
		}, time.Second, time.Millisecond*10)
	}

	// Case 0: no credential
	{
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(""), nil)
		assert.NotNil(err)
		require.NotNil(t, resp)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		assert.NotEmpty(resp.Header.Get("Tickrelay-Request-ID"))
	}

	// Case 1: bad credential
	{
		bad := mintTestToken(t, "not-the-right-secret")
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("token="+bad), nil)
		assert.NotNil(err)
		require.NotNil(t, resp)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)

		headers := http.Header{}
		headers.Set("Authorization", "Bearer not-a-jwt")
		_, resp, err = websocket.DefaultDialer.Dial(env.wsURL(""), headers)
		assert.NotNil(err)
		require.NotNil(t, resp)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)

		count, err := env.relay.Registry().Count(ctxt)
		assert.Nil(err)
		assert.Equal(0, count)
		assert.Equal(3.0, testutil.ToFloat64(env.metrics.AuthRejections))
	}

	// Case 2: query parameter
	{
		conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("token="+token), nil)
		require.Nil(t, err)
		expectConnected(1)
		assert.Nil(conn.Close())
		expectConnected(0)
	}

	// Case 3: bearer header
	{
		headers := http.Header{}
		headers.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(""), headers)
		require.Nil(t, err)
		expectConnected(1)
		assert.Nil(conn.Close())
		expectConnected(0)
	}

	// Case 4: subprotocol, echoed back by the server
	{
		dialer := websocket.Dialer{Subprotocols: []string{token}}
		conn, _, err := dialer.Dial(env.wsURL(""), nil)
		require.Nil(t, err)
		assert.Equal(token, conn.Subprotocol())
		expectConnected(1)
		assert.Nil(conn.Close())
		expectConnected(0)
	}
}

func TestRelayAPITickDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := setupTestEnv(t, ctxt, &wg)
	defer env.srv.Close()
	defer func() {
		assert.Nil(env.relay.Stop(ctxt))
	}()

	conn, _, err := websocket.DefaultDialer.Dial(
		env.wsURL("token="+mintTestToken(t, testSecret)), nil,
	)
	require.Nil(t, err)
	defer conn.Close()

	assert.Nil(conn.WriteJSON(wire.NewSubscribe("BTCUSDT")))

	gotAck := false
	gotTick := false
	for !gotTick {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, payload, err := conn.ReadMessage()
		require.Nil(t, err)
		msg, err := wire.Decode(payload)
		require.Nil(t, err)
		switch msg.Type {
		case wire.KindSubscribed:
			gotAck = true
		case wire.KindTick:
			assert.True(gotAck)
			assert.Equal("BTCUSDT", msg.Symbol)
			gotTick = true
		}
	}
	assert.Equal(1.0, testutil.ToFloat64(env.metrics.ActiveConnections))
}

func TestRelayAPIHealthAndMetrics(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := setupTestEnv(t, ctxt, &wg)
	defer env.srv.Close()
	defer func() {
		assert.Nil(env.relay.Stop(ctxt))
	}()

	// Case 0: alive and ready
	for _, path := range []string{"/v1/alive", "/v1/ready"} {
		req, err := http.NewRequest("GET", env.srv.URL+path, nil)
		require.Nil(t, err)
		req.Header.Set("Tickrelay-Request-ID", "unit-test-req")
		resp, err := http.DefaultClient.Do(req)
		require.Nil(t, err)
		assert.Equal(http.StatusOK, resp.StatusCode, path)
		assert.Equal("unit-test-req", resp.Header.Get("Tickrelay-Request-ID"))
		_ = resp.Body.Close()
	}

	// Case 1: metrics
	{
		resp, err := http.Get(env.srv.URL + "/metrics")
		require.Nil(t, err)
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		assert.Nil(err)
		assert.Contains(string(body), "tickrelay_websocket_active_connections")
		assert.Contains(string(body), "tickrelay_auth_rejections_total")
	}

	// Case 2: wrong method
	{
		resp, err := http.Post(env.srv.URL+"/v1/alive", "application/json", nil)
		require.Nil(t, err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
	}
}
