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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/tickrelay/auth"
	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/metrics"
	"github.com/alwitt/tickrelay/registry"
	"github.com/alwitt/tickrelay/source"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// Relay connection lifecycle and fan-out engine.
//
// Owns the liveness probe and broadcast timers, and runs the read loop of every admitted
// WebSocket connection.
type Relay struct {
	common.Component
	registry       registry.Registry
	dispatcher     *Dispatcher
	liveness       *LivenessMonitor
	broadcast      *BroadcastEngine
	probeTimer     common.IntervalTimer
	broadcastTimer common.IntervalTimer
	liveCfg        common.LivenessConfig
	broadcastCfg   common.BroadcastConfig
	connCfg        common.ConnectionConfig
	metrics        *metrics.RelayMetrics
	runtimeCtxt    context.Context
}

// GetRelay define a new Relay
func GetRelay(
	runtimeCtxt context.Context,
	instance string,
	config common.RelayServerConfig,
	reg registry.Registry,
	src source.TickSource,
	clock clockwork.Clock,
	m *metrics.RelayMetrics,
	wg *sync.WaitGroup,
) (*Relay, error) {
	logTags := log.Fields{"module": "relay", "component": "relay", "instance": instance}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.Liveness.Timeout <= config.Liveness.ProbeInterval {
		return nil, fmt.Errorf(
			"liveness timeout %ds must exceed probe interval %ds",
			config.Liveness.Timeout,
			config.Liveness.ProbeInterval,
		)
	}
	probeTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-probe", instance), runtimeCtxt, wg, clock,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define probe timer")
		return nil, err
	}
	broadcastTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-broadcast", instance), runtimeCtxt, wg, clock,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast timer")
		return nil, err
	}

	liveness := NewLivenessMonitor(reg, clock, config.Liveness.TimeoutDuration(), m)
	subscriptions := NewSubscriptionManager(reg, m)
	return &Relay{
		Component:      common.Component{LogTags: logTags},
		registry:       reg,
		dispatcher:     NewDispatcher(subscriptions, liveness, m, config.Connection.CloseOnMalformed),
		liveness:       liveness,
		broadcast:      NewBroadcastEngine(reg, src, config.Broadcast.Topics, m),
		probeTimer:     probeTimer,
		broadcastTimer: broadcastTimer,
		liveCfg:        config.Liveness,
		broadcastCfg:   config.Broadcast,
		connCfg:        config.Connection,
		metrics:        m,
		runtimeCtxt:    runtimeCtxt,
	}, nil
}

// Registry the connection registry of this relay
func (r *Relay) Registry() registry.Registry {
	return r.registry
}

// Start start the liveness probe and broadcast timers
func (r *Relay) Start() error {
	if err := r.probeTimer.Start(r.liveCfg.ProbeIntervalDuration(), func() error {
		return r.liveness.Probe(r.runtimeCtxt)
	}, false); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start probe timer")
		return err
	}
	if err := r.broadcastTimer.Start(r.broadcastCfg.IntervalDuration(), func() error {
		_, err := r.broadcast.Broadcast(r.runtimeCtxt)
		return err
	}, false); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start broadcast timer")
		return err
	}
	log.WithFields(r.LogTags).Infof(
		"Probing every %s (timeout %s), broadcasting every %s",
		r.liveCfg.ProbeIntervalDuration(),
		r.liveCfg.TimeoutDuration(),
		r.broadcastCfg.IntervalDuration(),
	)
	return nil
}

// Stop stop both timers and drop every connection
func (r *Relay) Stop(ctxt context.Context) error {
	if err := r.probeTimer.Stop(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to stop probe timer")
	}
	if err := r.broadcastTimer.Stop(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to stop broadcast timer")
	}
	return r.registry.UnregisterAll(ctxt)
}

// Serve run an admitted WebSocket connection until it closes or is evicted
func (r *Relay) Serve(conn *websocket.Conn, claims *auth.Claims) error {
	connID := uuid.New().String()
	subject := ""
	if claims != nil {
		subject = claims.Subject
	}
	logTags := r.ExtendLogTags(log.Fields{"connection": connID, "subject": subject})

	transport := newWSTransport(
		conn, connID, r.connCfg.SendQueueDepth, time.Second*time.Duration(r.connCfg.WriteTimeout),
	)
	defer transport.wait()
	defer func() {
		_ = transport.Close()
	}()

	if err := r.registry.Register(r.runtimeCtxt, connID, claims, transport); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register connection")
		return err
	}
	r.metrics.AcceptedConnections.Inc()
	log.WithFields(logTags).Infof("Client connected from %s", conn.RemoteAddr())

	// Remove the connection once the read loop ends for whatever reason
	defer func() {
		ctxt, cancel := context.WithTimeout(r.runtimeCtxt, time.Second*5)
		defer cancel()
		if err := r.registry.Unregister(ctxt, connID); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Unregister on close failed")
		}
		log.WithFields(logTags).Info("Client disconnected")
	}()

	if r.connCfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(r.connCfg.MaxMessageBytes)
	}
	handle := Connection{ID: connID, Transport: transport}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived,
			) {
				log.WithError(err).WithFields(logTags).Debug("Read loop ended")
			}
			return nil
		}
		if err := r.dispatcher.Dispatch(r.runtimeCtxt, handle, payload); err != nil {
			log.WithError(err).WithFields(logTags).Info("Closing connection")
			return err
		}
	}
}
