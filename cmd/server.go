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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/tickrelay/apis"
	"github.com/alwitt/tickrelay/auth"
	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/core"
	"github.com/alwitt/tickrelay/metrics"
	"github.com/alwitt/tickrelay/registry"
	"github.com/alwitt/tickrelay/relay"
	"github.com/alwitt/tickrelay/source"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineTickSource select the tick source named in the broadcast config
func defineTickSource(
	config common.BroadcastConfig, natsClient *core.NatsClient, clock clockwork.Clock,
) (source.TickSource, func() error, error) {
	switch config.Source {
	case "random":
		return source.NewRandomTickSource(
			source.DefaultRandomTickParams(), clock, clock.Now().UnixNano(),
		), func() error { return nil }, nil
	case "nats":
		if natsClient == nil {
			return nil, nil, fmt.Errorf("tick source 'nats' requires a NATS client")
		}
		src, err := source.GetNATSTickSource(natsClient, config.NATSSubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown tick source '%s'", config.Source)
	}
}

// RunRelayServer run the relay server
func RunRelayServer(
	runTimeContext context.Context,
	config *common.RelayServerConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	clock := clockwork.NewRealClock()
	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Relay core

	promRegistry := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(promRegistry)

	connRegistry, err := registry.GetRegistry(
		localCtxt, instance, clock, relayMetrics.ObserveConnectionCount, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	tickSource, closeSource, err := defineTickSource(config.Broadcast, natsClient, clock)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tick source")
		return err
	}
	defer func() {
		if err := closeSource(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Tick source close failed")
		}
	}()

	relayCore, err := relay.GetRelay(
		localCtxt, instance, *config, connRegistry, tickSource, clock, relayMetrics, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay")
		return err
	}

	verifier, err := auth.NewJWTVerifier(config.Auth, clock)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define credential verifier")
		return err
	}

	// Only report NATS readiness when the relay depends on it
	var readinessNATS *core.NatsClient
	if config.Broadcast.Source == "nats" {
		readinessNATS = natsClient
	}
	httpHandler, err := apis.GetRelayAPIHandler(
		relayCore,
		auth.NewGate(verifier),
		&config.HTTPSetting,
		config.Connection,
		relayMetrics,
		promRegistry,
		readinessNATS,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	if err := relayCore.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start relay")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := httpHandler.BuildRouter(config.Endpoints.PathPrefix)

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Drop every relay session on shutdown; hijacked connections are not tracked by the server
	httpSrv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := relayCore.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Relay stop failed")
		}
		lclCancel()
	})

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started relay on ws://%s%s", serverListen, config.Endpoints.PathPrefix)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
