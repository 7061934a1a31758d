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

	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/metrics"
	"github.com/alwitt/tickrelay/registry"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
)

// SubscriptionManager apply subscribe / unsubscribe requests to the registry
type SubscriptionManager struct {
	common.Component
	registry registry.Registry
	metrics  *metrics.RelayMetrics
}

// NewSubscriptionManager define a new SubscriptionManager
func NewSubscriptionManager(
	reg registry.Registry, m *metrics.RelayMetrics,
) *SubscriptionManager {
	return &SubscriptionManager{
		Component: common.Component{
			LogTags: log.Fields{"module": "relay", "component": "subscription-manager"},
		},
		registry: reg,
		metrics:  m,
	}
}

// HandleSubscribe add a topic to the connection's subscriptions and acknowledge
func (m *SubscriptionManager) HandleSubscribe(
	ctxt context.Context, conn Connection, topic string,
) error {
	return m.apply(ctxt, conn, topic, true)
}

// HandleUnsubscribe remove a topic from the connection's subscriptions and acknowledge
func (m *SubscriptionManager) HandleUnsubscribe(
	ctxt context.Context, conn Connection, topic string,
) error {
	return m.apply(ctxt, conn, topic, false)
}

func (m *SubscriptionManager) apply(
	ctxt context.Context, conn Connection, topic string, subscribe bool,
) error {
	var err error
	var ack wire.Message
	if subscribe {
		err = m.registry.Subscribe(ctxt, conn.ID, topic)
		ack = wire.NewSubscribed(topic)
	} else {
		err = m.registry.Unsubscribe(ctxt, conn.ID, topic)
		ack = wire.NewUnsubscribed(topic)
	}
	if err != nil {
		if errors.Is(err, registry.ErrConnectionNotFound) {
			log.WithFields(m.LogTags).Debugf("Connection %s already removed", conn.ID)
			return nil
		}
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to update subscriptions of %s", conn.ID,
		)
		return err
	}
	log.WithFields(m.LogTags).Debugf("%s for %s", ack, conn.ID)
	send(m.LogTags, m.metrics, conn, ack)
	return nil
}
