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

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/core"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSTickSource relay ticks published on NATS subjects "<prefix>.<topic>".
//
// Only the latest tick per topic is kept; each tick is handed out by Next at most once.
type NATSTickSource struct {
	common.Component
	prefix   string
	sub      *nats.Subscription
	validate *validator.Validate
	lock     sync.Mutex
	latest   map[string]wire.TickPayload
}

// GetNATSTickSource define a new NATSTickSource and subscribe to "<prefix>.>"
func GetNATSTickSource(client *core.NatsClient, prefix string) (*NATSTickSource, error) {
	logTags := log.Fields{
		"module": "source", "component": "nats-tick-source", "instance": prefix,
	}
	if prefix == "" {
		return nil, fmt.Errorf("NATS subject prefix can not be empty")
	}
	instance := &NATSTickSource{
		Component: common.Component{LogTags: logTags},
		prefix:    prefix,
		validate:  validator.New(),
		latest:    make(map[string]wire.TickPayload),
	}
	sub, err := client.NATs().Subscribe(fmt.Sprintf("%s.>", prefix), instance.receive)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe for ticks")
		return nil, err
	}
	instance.sub = sub
	log.WithFields(logTags).Infof("Subscribed to %s", sub.Subject)
	return instance, nil
}

// SubjectForTopic the NATS subject carrying ticks of a topic
func (s *NATSTickSource) SubjectForTopic(topic string) string {
	return fmt.Sprintf("%s.%s", s.prefix, topic)
}

// receive NATS message handler
func (s *NATSTickSource) receive(msg *nats.Msg) {
	topic := strings.TrimPrefix(msg.Subject, s.prefix+".")
	if topic == "" || topic == msg.Subject {
		log.WithFields(s.LogTags).Debugf("Ignoring tick on unexpected subject %s", msg.Subject)
		return
	}
	var tick wire.TickPayload
	if err := json.Unmarshal(msg.Data, &tick); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debugf("Unparsable tick on %s", msg.Subject)
		return
	}
	if err := s.validate.Struct(&tick); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debugf("Invalid tick on %s", msg.Subject)
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.latest[topic] = tick
}

// Next fetch the latest unconsumed tick for a topic
func (s *NATSTickSource) Next(_ context.Context, topic string) (wire.TickPayload, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	tick, ok := s.latest[topic]
	if !ok {
		return wire.TickPayload{}, ErrNoEvent
	}
	delete(s.latest, topic)
	return tick, nil
}

// Close stop receiving ticks
func (s *NATSTickSource) Close() error {
	return s.sub.Unsubscribe()
}
