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
	"errors"
	"sync"
	"time"

	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/metrics"
	"github.com/alwitt/tickrelay/registry"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

var (
	// ErrTransportClosed the connection transport is already closed
	ErrTransportClosed = errors.New("transport closed")
	// ErrSendQueueFull the connection's outbound queue has no room for another message
	ErrSendQueueFull = errors.New("send queue full")
)

// wsTransport registry.Transport over a gorilla WebSocket connection.
//
// Sends are queued; a single writer goroutine owns all writes to the socket.
type wsTransport struct {
	common.Component
	conn         *websocket.Conn
	writeTimeout time.Duration
	outbound     chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// newWSTransport define a new wsTransport and start its writer
func newWSTransport(
	conn *websocket.Conn, connID string, queueDepth int, writeTimeout time.Duration,
) *wsTransport {
	if queueDepth < 1 {
		queueDepth = 1
	}
	t := &wsTransport{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "relay", "component": "ws-transport", "instance": connID,
			},
		},
		conn:         conn,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, queueDepth),
		done:         make(chan struct{}),
	}
	t.wg.Add(1)
	go t.writer()
	return t
}

// Send queue a message for the writer
func (t *wsTransport) Send(msg wire.Message) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case t.outbound <- raw:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSendQueueFull
	}
}

// Close stop the writer and close the socket. Queued messages are abandoned.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// wait block until the writer goroutine exits
func (t *wsTransport) wait() {
	t.wg.Wait()
}

func (t *wsTransport) writer() {
	defer t.wg.Done()
	defer log.WithFields(t.LogTags).Debug("Writer exiting")
	for {
		select {
		case <-t.done:
			return
		case raw := <-t.outbound:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				log.WithError(err).WithFields(t.LogTags).Debug("Write failed, closing transport")
				_ = t.Close()
				return
			}
		}
	}
}

// Connection the originating connection of an inbound message
type Connection struct {
	ID        string
	Transport registry.Transport
}

// send queue a message to one connection. Failures are logged and counted only.
func send(
	logTags log.Fields, m *metrics.RelayMetrics, conn Connection, msg wire.Message,
) bool {
	if err := conn.Transport.Send(msg); err != nil {
		m.SendFailures.Inc()
		if errors.Is(err, ErrTransportClosed) {
			log.WithError(err).WithFields(logTags).Debugf("Dropped %s to %s", msg, conn.ID)
		} else {
			log.WithError(err).WithFields(logTags).Warnf("Unable to send %s to %s", msg, conn.ID)
		}
		return false
	}
	return true
}
