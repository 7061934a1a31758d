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
	"sort"

	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/metrics"
	"github.com/alwitt/tickrelay/registry"
	"github.com/alwitt/tickrelay/source"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
)

// BroadcastEngine fan topic events out to subscribed connections
type BroadcastEngine struct {
	common.Component
	registry registry.Registry
	source   source.TickSource
	topics   []string
	metrics  *metrics.RelayMetrics
}

// NewBroadcastEngine define a new BroadcastEngine.
//
// An empty topic list means every topic with at least one subscriber is active.
func NewBroadcastEngine(
	reg registry.Registry, src source.TickSource, topics []string, m *metrics.RelayMetrics,
) *BroadcastEngine {
	return &BroadcastEngine{
		Component: common.Component{
			LogTags: log.Fields{"module": "relay", "component": "broadcast-engine"},
		},
		registry: reg,
		source:   src,
		topics:   append([]string{}, topics...),
		metrics:  m,
	}
}

// activeTopics the topics to generate events for in this round
func (e *BroadcastEngine) activeTopics(entries []registry.Entry) []string {
	if len(e.topics) > 0 {
		return e.topics
	}
	seen := map[string]bool{}
	for _, entry := range entries {
		for topic := range entry.Subscriptions {
			seen[topic] = true
		}
	}
	result := make([]string, 0, len(seen))
	for topic := range seen {
		result = append(result, topic)
	}
	sort.Strings(result)
	return result
}

// Broadcast run one broadcast round. Returns the number of tick messages queued.
func (e *BroadcastEngine) Broadcast(ctxt context.Context) (int, error) {
	entries, err := e.registry.Snapshot(ctxt)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to read connections")
		return 0, err
	}
	delivered := 0
	for _, topic := range e.activeTopics(entries) {
		tick, err := e.source.Next(ctxt, topic)
		if err != nil {
			if !errors.Is(err, source.ErrNoEvent) {
				log.WithError(err).WithFields(e.LogTags).Errorf("No event for %s", topic)
			}
			continue
		}
		msg := wire.NewTick(topic, tick)
		for _, entry := range entries {
			if !entry.IsSubscribed(topic) {
				continue
			}
			if send(e.LogTags, e.metrics, Connection{ID: entry.ID, Transport: entry.Transport}, msg) {
				delivered++
			}
		}
	}
	e.metrics.TicksDelivered.Add(float64(delivered))
	if delivered > 0 {
		log.WithFields(e.LogTags).Debugf("Delivered %d ticks", delivered)
	}
	return delivered, nil
}
