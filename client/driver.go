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

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alwitt/tickrelay/auth"
	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// TickHandler callback for every tick received
type TickHandler func(symbol string, tick wire.TickPayload)

// Driver reconnecting relay client.
//
// After every (re)connect the driver resends all configured subscriptions, and it answers
// every server ping with a pong. Stop permanently disables reconnection.
type Driver struct {
	common.Component
	config   common.RelayClientConfig
	backoff  *Backoff
	dialer   *websocket.Dialer
	clock    clockwork.Clock
	onTick   TickHandler
	stopCh   chan struct{}
	stopOnce sync.Once
	lock     sync.Mutex
	conn     *websocket.Conn
	sessions int
}

// NewDriver define a new Driver
func NewDriver(
	config common.RelayClientConfig, onTick TickHandler, clock clockwork.Clock,
) (*Driver, error) {
	if _, err := url.Parse(config.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", config.ServerURL, err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Driver{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "client", "component": "driver", "instance": config.ServerURL,
			},
		},
		config:  config,
		backoff: NewBackoff(config.Backoff, clock.Now().UnixNano()),
		dialer:  websocket.DefaultDialer,
		clock:   clock,
		onTick:  onTick,
		stopCh:  make(chan struct{}),
	}, nil
}

// Sessions number of successful connections so far
func (d *Driver) Sessions() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.sessions
}

// Stop close the connection and disable reconnection
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.lock.Lock()
		defer d.lock.Unlock()
		if d.conn != nil {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stop")
			_ = d.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			_ = d.conn.Close()
		}
		log.WithFields(d.LogTags).Info("Reconnection disabled")
	})
}

func (d *Driver) stopped() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// dialTarget the URL and headers for one dial attempt
func (d *Driver) dialTarget() (string, http.Header, error) {
	target, err := url.Parse(d.config.ServerURL)
	if err != nil {
		return "", nil, err
	}
	headers := http.Header{}
	if d.config.Token != "" {
		if d.config.TokenInHeader {
			headers.Set("Authorization", "Bearer "+d.config.Token)
		} else {
			query := target.Query()
			query.Set(auth.TokenQueryParam, d.config.Token)
			target.RawQuery = query.Encode()
		}
	}
	return target.String(), headers, nil
}

// Run connect and keep reconnecting until Stop is called or ctxt ends
func (d *Driver) Run(ctxt context.Context) error {
	go func() {
		select {
		case <-ctxt.Done():
			d.Stop()
		case <-d.stopCh:
		}
	}()

	for !d.stopped() {
		target, headers, err := d.dialTarget()
		if err != nil {
			return err
		}
		conn, resp, err := d.dialer.DialContext(ctxt, target, headers)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			log.WithError(err).WithFields(d.LogTags).Warnf("Connect failed (status %d)", status)
		} else {
			d.backoff.Reset()
			if !d.attach(conn) {
				_ = conn.Close()
				return nil
			}
			if err := d.session(conn); err != nil {
				log.WithError(err).WithFields(d.LogTags).Info("Connection ended")
			}
			d.detach()
		}
		if d.stopped() {
			break
		}
		wait := d.backoff.Next()
		log.WithFields(d.LogTags).Infof("Reconnecting in %s", wait)
		select {
		case <-d.clock.After(wait):
		case <-d.stopCh:
		}
	}
	log.WithFields(d.LogTags).Info("Driver exiting")
	return nil
}

func (d *Driver) attach(conn *websocket.Conn) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.stopped() {
		return false
	}
	d.conn = conn
	d.sessions++
	return true
}

func (d *Driver) detach() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

// session subscribe then serve one connection until it fails
func (d *Driver) session(conn *websocket.Conn) error {
	log.WithFields(d.LogTags).Info("Connected")
	for _, topic := range d.config.Topics {
		if err := conn.WriteJSON(wire.NewSubscribe(topic)); err != nil {
			return err
		}
	}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Debug("Ignoring unparsable message")
			continue
		}
		switch msg.Type {
		case wire.KindPing:
			if err := conn.WriteJSON(wire.NewPong(d.clock.Now())); err != nil {
				return err
			}
		case wire.KindTick:
			if d.onTick != nil {
				d.onTick(msg.Symbol, *msg.Tick)
			}
		case wire.KindSubscribed, wire.KindUnsubscribed:
			log.WithFields(d.LogTags).Infof("Server acknowledged %s", msg)
		default:
			log.WithFields(d.LogTags).Debugf("Ignoring %s", msg)
		}
	}
}
