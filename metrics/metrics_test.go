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

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRelayMetrics(t *testing.T) {
	assert := assert.New(t)

	reg := NewRegistry()
	uut := NewRelayMetrics(reg)

	uut.ObserveConnectionCount(3)
	uut.AuthRejections.Inc()
	uut.MessagesReceived.WithLabelValues("subscribe").Inc()
	uut.MessagesReceived.WithLabelValues("subscribe").Inc()
	uut.TicksDelivered.Add(5)

	assert.Equal(float64(3), testutil.ToFloat64(uut.ActiveConnections))
	assert.Equal(float64(1), testutil.ToFloat64(uut.AuthRejections))
	assert.Equal(float64(2), testutil.ToFloat64(uut.MessagesReceived.WithLabelValues("subscribe")))
	assert.Equal(float64(5), testutil.ToFloat64(uut.TicksDelivered))

	// Exposition
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	assert.Nil(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	assert.Contains(string(body), "tickrelay_websocket_active_connections 3")
	assert.Contains(string(body), "tickrelay_broadcast_ticks_delivered_total 5")
	assert.Contains(string(body), "go_goroutines")
}
