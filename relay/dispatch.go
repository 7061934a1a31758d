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
	"fmt"

	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/metrics"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
)

// ErrProtocolViolation the connection sent a malformed message under the strict policy
var ErrProtocolViolation = errors.New("protocol violation")

// Dispatcher route inbound messages to the component handling their kind
type Dispatcher struct {
	common.Component
	subscriptions    *SubscriptionManager
	liveness         *LivenessMonitor
	metrics          *metrics.RelayMetrics
	closeOnMalformed bool
}

// NewDispatcher define a new Dispatcher. With closeOnMalformed, a malformed message ends
// the connection instead of being dropped.
func NewDispatcher(
	subscriptions *SubscriptionManager,
	liveness *LivenessMonitor,
	m *metrics.RelayMetrics,
	closeOnMalformed bool,
) *Dispatcher {
	return &Dispatcher{
		Component: common.Component{
			LogTags: log.Fields{"module": "relay", "component": "dispatcher"},
		},
		subscriptions:    subscriptions,
		liveness:         liveness,
		metrics:          m,
		closeOnMalformed: closeOnMalformed,
	}
}

// Dispatch decode and handle one inbound payload.
//
// A non-nil return means the connection should be closed.
func (d *Dispatcher) Dispatch(ctxt context.Context, conn Connection, payload []byte) error {
	msg, err := wire.Decode(payload)
	if err != nil {
		d.metrics.MalformedMessages.Inc()
		log.WithError(err).WithFields(d.LogTags).Debugf("Dropped inbound message from %s", conn.ID)
		if d.closeOnMalformed {
			return fmt.Errorf("%w: %s", ErrProtocolViolation, err.Error())
		}
		return nil
	}
	d.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case wire.KindSubscribe:
		return d.subscriptions.HandleSubscribe(ctxt, conn, msg.Symbol)
	case wire.KindUnsubscribe:
		return d.subscriptions.HandleUnsubscribe(ctxt, conn, msg.Symbol)
	case wire.KindPong:
		return d.liveness.HandlePong(ctxt, conn)
	case wire.KindPing:
		return d.liveness.HandlePing(ctxt, conn)
	default:
		log.WithFields(d.LogTags).Debugf("Ignoring server side message %s from %s", msg, conn.ID)
		return nil
	}
}
