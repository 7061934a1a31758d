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
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tickrelay/auth"
	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/core"
	"github.com/alwitt/tickrelay/metrics"
	"github.com/alwitt/tickrelay/relay"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// RelayAPIHandler HTTP surface of the relay: WebSocket upgrade, health checks and metrics
type RelayAPIHandler struct {
	goutils.RestAPIHandler
	relay        *relay.Relay
	gate         *auth.Gate
	upgrader     websocket.Upgrader
	metrics      *metrics.RelayMetrics
	promRegistry *prometheus.Registry
	natsClient   *core.NatsClient
}

// GetRelayAPIHandler define RelayAPIHandler
func GetRelayAPIHandler(
	relayCore *relay.Relay,
	gate *auth.Gate,
	httpConfig *common.HTTPConfig,
	connConfig common.ConnectionConfig,
	m *metrics.RelayMetrics,
	promRegistry *prometheus.Registry,
	natsClient *core.NatsClient,
) (RelayAPIHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "relay",
	}
	return RelayAPIHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		relay:          relayCore,
		gate:           gate,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Second * 10,
			CheckOrigin:      checkOrigin(connConfig.AllowedOrigins),
		},
		metrics:      m,
		promRegistry: promRegistry,
		natsClient:   natsClient,
	}, nil
}

// checkOrigin accept any origin when none are configured
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	permitted := map[string]bool{}
	for _, origin := range allowed {
		permitted[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || permitted[origin]
	}
}

// Write logging support
func (h RelayAPIHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// WebSocket session

// -----------------------------------------------------------------------

// Connect godoc
// @Summary Open a relay session
// @Description Authenticate and upgrade to a WebSocket relay session. The credential is read
// from the "token" query parameter, an "Authorization: Bearer" header, or the first entry of
// "Sec-WebSocket-Protocol", in that order.
// @tags Relay
// @Param token query string false "Credential"
// @Success 101 {string} string "switching protocols"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /ws [get]
func (h RelayAPIHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	admit, err := h.gate.Admit(r)
	if err != nil {
		h.metrics.AuthRejections.Inc()
		msg := "unauthorized"
		if err := h.WriteRESTResponse(
			w,
			http.StatusUnauthorized,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	var respHeader http.Header
	if admit.Subprotocol != "" {
		respHeader = http.Header{}
		respHeader.Set("Sec-Websocket-Protocol", admit.Subprotocol)
	}
	conn, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// The upgrader has already replied
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	if err := h.relay.Serve(conn, admit.Claims); err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Relay session ended with error")
	}
}

// ConnectHandler Wrapper around Connect
func (h RelayAPIHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For relay liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h RelayAPIHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h RelayAPIHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For relay readiness check
// @Description Will return success if the connection registry answers, and the NATS
// event feed (when used) is connected
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h RelayAPIHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ctxt, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if _, err := h.relay.Registry().Count(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Connection registry not responding")
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	if h.natsClient != nil && !h.natsClient.Connected() {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h RelayAPIHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// -----------------------------------------------------------------------

// MetricsHandler Prometheus exposition of the relay metrics
func (h RelayAPIHandler) MetricsHandler() http.HandlerFunc {
	handler := metrics.Handler(h.promRegistry)
	return func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}
}

// =======================================================================

// BuildRouter define the relay routes under pathPrefix
func (h RelayAPIHandler) BuildRouter(pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	_ = RegisterPathPrefix(mainRouter, "/ws", map[string]http.HandlerFunc{
		"get": h.ConnectHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": h.ReadyHandler(),
	})

	_ = RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": h.MetricsHandler(),
	})

	// Add request ID and logging
	if h.CallRequestIDHeaderField != nil {
		router.Use(requestIDMiddleware(*h.CallRequestIDHeaderField))
	}
	router.Use(accessLogMiddleware(h))
	return router
}
