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
	"math/rand"
	"sync"
	"time"

	"github.com/alwitt/tickrelay/common"
)

// Backoff exponential reconnect delay with additive jitter
type Backoff struct {
	initial time.Duration
	max     time.Duration
	jitter  time.Duration
	lock    sync.Mutex
	delay   time.Duration
	rng     *rand.Rand
}

// NewBackoff define a new Backoff from config
func NewBackoff(config common.BackoffConfig, seed int64) *Backoff {
	b := &Backoff{
		initial: time.Millisecond * time.Duration(config.Initial),
		max:     time.Millisecond * time.Duration(config.Max),
		jitter:  time.Millisecond * time.Duration(config.Jitter),
		rng:     rand.New(rand.NewSource(seed)),
	}
	b.delay = b.initial
	return b
}

// Next the wait before the next attempt: min(delay, max) plus jitter in [0, jitter).
// The delay then doubles, capped at max.
func (b *Backoff) Next() time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()
	wait := b.delay
	if wait > b.max {
		wait = b.max
	}
	if b.jitter > 0 {
		wait += time.Duration(b.rng.Int63n(int64(b.jitter)))
	}
	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}
	return wait
}

// Reset restore the initial delay
func (b *Backoff) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.delay = b.initial
}
