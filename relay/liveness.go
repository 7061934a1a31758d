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
	"errors"
	"time"

	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/metrics"
	"github.com/alwitt/tickrelay/registry"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// LivenessMonitor probe registered connections and evict the ones that stopped answering
type LivenessMonitor struct {
	common.Component
	registry registry.Registry
	clock    clockwork.Clock
	timeout  time.Duration
	metrics  *metrics.RelayMetrics
}

// NewLivenessMonitor define a new LivenessMonitor. Connections silent for longer than
// timeout are evicted on the next probe.
func NewLivenessMonitor(
	reg registry.Registry, clock clockwork.Clock, timeout time.Duration, m *metrics.RelayMetrics,
) *LivenessMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LivenessMonitor{
		Component: common.Component{
			LogTags: log.Fields{"module": "relay", "component": "liveness-monitor"},
		},
		registry: reg,
		clock:    clock,
		timeout:  timeout,
		metrics:  m,
	}
}

// Probe evict stale connections, then ping every remaining one
func (m *LivenessMonitor) Probe(ctxt context.Context) error {
	evicted, err := m.registry.EvictStale(ctxt, m.timeout)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Stale connection eviction failed")
		return err
	}
	for _, entry := range evicted {
		subject := ""
		if entry.Claims != nil {
			subject = entry.Claims.Subject
		}
		log.WithFields(m.LogTags).Infof(
			"Evicted %s (%s) subscribed to %v, silent since %s",
			entry.ID,
			subject,
			entry.Topics(),
			entry.LastLiveness.Format(time.RFC3339),
		)
	}
	m.metrics.Evictions.Add(float64(len(evicted)))

	entries, err := m.registry.Snapshot(ctxt)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to read connections")
		return err
	}
	ping := wire.NewPing(m.clock.Now())
	for _, entry := range entries {
		send(m.LogTags, m.metrics, Connection{ID: entry.ID, Transport: entry.Transport}, ping)
	}
	return nil
}

// HandlePong record a liveness acknowledgment
func (m *LivenessMonitor) HandlePong(ctxt context.Context, conn Connection) error {
	if err := m.registry.Touch(ctxt, conn.ID); err != nil {
		if errors.Is(err, registry.ErrConnectionNotFound) {
			return nil
		}
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to record pong from %s", conn.ID)
		return err
	}
	return nil
}

// HandlePing answer a client initiated liveness check
func (m *LivenessMonitor) HandlePing(_ context.Context, conn Connection) error {
	send(m.LogTags, m.metrics, conn, wire.NewPong(m.clock.Now()))
	return nil
}
