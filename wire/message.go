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

// Package wire defines the JSON messages exchanged over a relay WebSocket connection.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Kind the message type tag
type Kind string

// Message kinds
const (
	KindSubscribe    Kind = "subscribe"
	KindUnsubscribe  Kind = "unsubscribe"
	KindSubscribed   Kind = "subscribed"
	KindUnsubscribed Kind = "unsubscribed"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
	KindTick         Kind = "tick"
)

// TickTimestampFormat layout of the tick payload timestamp (RFC 3339, millisecond precision)
const TickTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrMalformed payload is not a JSON object with a string "type"
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownKind "type" is not a recognized message kind
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrInvalidField a field required by the message kind is missing or has the wrong type
	ErrInvalidField = errors.New("invalid message field")
)

// TickPayload one topic event
type TickPayload struct {
	// Price with 2 decimal places
	Price string `json:"price" validate:"required"`
	// Volume with 6 decimal places
	Volume string `json:"volume" validate:"required"`
	// Timestamp RFC 3339 timestamp of the event
	Timestamp string `json:"ts" validate:"required"`
}

// NewTickPayload build a tick payload with the standard precision
func NewTickPayload(price, volume decimal.Decimal, ts time.Time) TickPayload {
	return TickPayload{
		Price:     price.StringFixed(2),
		Volume:    volume.StringFixed(6),
		Timestamp: ts.UTC().Format(TickTimestampFormat),
	}
}

// Message a relay message. Which fields are set depends on Type.
type Message struct {
	Type      Kind         `json:"type"`
	Symbol    string       `json:"symbol,omitempty"`
	Timestamp *int64       `json:"ts,omitempty"`
	Tick      *TickPayload `json:"tick,omitempty"`
}

// String toString function for Message
func (m Message) String() string {
	if m.Symbol != "" {
		return fmt.Sprintf("%s[%s]", m.Type, m.Symbol)
	}
	return string(m.Type)
}

// Encode serialize the message for transmission
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(&m)
}

// NewSubscribe define a subscribe request
func NewSubscribe(symbol string) Message {
	return Message{Type: KindSubscribe, Symbol: symbol}
}

// NewUnsubscribe define an unsubscribe request
func NewUnsubscribe(symbol string) Message {
	return Message{Type: KindUnsubscribe, Symbol: symbol}
}

// NewSubscribed define a subscribe acknowledgment
func NewSubscribed(symbol string) Message {
	return Message{Type: KindSubscribed, Symbol: symbol}
}

// NewUnsubscribed define an unsubscribe acknowledgment
func NewUnsubscribed(symbol string) Message {
	return Message{Type: KindUnsubscribed, Symbol: symbol}
}

// NewPing define a liveness probe stamped with ts
func NewPing(ts time.Time) Message {
	stamp := ts.UnixMilli()
	return Message{Type: KindPing, Timestamp: &stamp}
}

// NewPong define a liveness reply stamped with ts
func NewPong(ts time.Time) Message {
	stamp := ts.UnixMilli()
	return Message{Type: KindPong, Timestamp: &stamp}
}

// NewTick define a topic event message
func NewTick(symbol string, tick TickPayload) Message {
	return Message{Type: KindTick, Symbol: symbol, Tick: &tick}
}

// ========================================================================================

type envelope struct {
	Type *string `json:"type"`
}

type symbolBody struct {
	Symbol string `json:"symbol" validate:"required"`
}

type stampBody struct {
	Timestamp json.RawMessage `json:"ts"`
}

// stamp the integer timestamp of a ping or pong. Any other value is ignored.
func (b stampBody) stamp() *int64 {
	if len(b.Timestamp) == 0 || string(b.Timestamp) == "null" {
		return nil
	}
	var value int64
	if err := json.Unmarshal(b.Timestamp, &value); err != nil {
		return nil
	}
	return &value
}

type tickBody struct {
	Symbol string       `json:"symbol" validate:"required"`
	Tick   *TickPayload `json:"tick" validate:"required"`
}

var validate = validator.New()

// Decode parse and validate one inbound payload.
//
// The returned error wraps ErrMalformed, ErrUnknownKind or ErrInvalidField.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
	}
	if env.Type == nil {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	kind := Kind(*env.Type)
	switch kind {
	case KindSubscribe, KindUnsubscribe, KindSubscribed, KindUnsubscribed:
		var body symbolBody
		if err := decodeBody(data, &body); err != nil {
			return Message{}, fmt.Errorf("%s: %w", kind, err)
		}
		return Message{Type: kind, Symbol: body.Symbol}, nil
	case KindPing, KindPong:
		var body stampBody
		if err := decodeBody(data, &body); err != nil {
			return Message{}, fmt.Errorf("%s: %w", kind, err)
		}
		return Message{Type: kind, Timestamp: body.stamp()}, nil
	case KindTick:
		var body tickBody
		if err := decodeBody(data, &body); err != nil {
			return Message{}, fmt.Errorf("%s: %w", kind, err)
		}
		return Message{Type: kind, Symbol: body.Symbol, Tick: body.Tick}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// decodeBody unmarshal the kind specific fields and apply their validation rules
func decodeBody(data []byte, body interface{}) error {
	if err := json.Unmarshal(data, body); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidField, err.Error())
	}
	if err := validate.Struct(body); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidField, err.Error())
	}
	return nil
}
