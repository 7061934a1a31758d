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

// Package source provides the topic event generators feeding the broadcast loop.
package source

import (
	"context"
	"errors"

	"github.com/alwitt/tickrelay/wire"
)

// ErrNoEvent the source has no event for the topic at this time
var ErrNoEvent = errors.New("no event available")

// TickSource produce topic events
type TickSource interface {
	/*
		Next fetch the next event for a topic

		 @param ctxt context.Context - execution context
		 @param topic string - the topic
		 @return the event, or ErrNoEvent if nothing is available for the topic
	*/
	Next(ctxt context.Context, topic string) (wire.TickPayload, error)
}
