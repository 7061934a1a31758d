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
	"math/rand"
	"sync"

	"github.com/alwitt/tickrelay/wire"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// RandomTickParams value ranges of generated ticks
type RandomTickParams struct {
	// BasePrice lowest generated price
	BasePrice decimal.Decimal
	// PriceSpread generated price falls in [BasePrice, BasePrice + PriceSpread)
	PriceSpread decimal.Decimal
	// MaxVolume generated volume falls in [0, MaxVolume)
	MaxVolume decimal.Decimal
}

// DefaultRandomTickParams the reference BTCUSDT style ranges
func DefaultRandomTickParams() RandomTickParams {
	return RandomTickParams{
		BasePrice:   decimal.NewFromInt(20000),
		PriceSpread: decimal.NewFromInt(5000),
		MaxVolume:   decimal.NewFromInt(2),
	}
}

// RandomTickSource generate uniformly random ticks for any topic
type RandomTickSource struct {
	params RandomTickParams
	clock  clockwork.Clock
	lock   sync.Mutex
	rng    *rand.Rand
}

// NewRandomTickSource define a new RandomTickSource
func NewRandomTickSource(
	params RandomTickParams, clock clockwork.Clock, seed int64,
) *RandomTickSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RandomTickSource{
		params: params, clock: clock, rng: rand.New(rand.NewSource(seed)),
	}
}

// Next generate one tick. Never returns ErrNoEvent.
func (s *RandomTickSource) Next(_ context.Context, _ string) (wire.TickPayload, error) {
	s.lock.Lock()
	priceRatio := s.rng.Float64()
	volumeRatio := s.rng.Float64()
	s.lock.Unlock()
	price := s.params.BasePrice.Add(s.params.PriceSpread.Mul(decimal.NewFromFloat(priceRatio)))
	volume := s.params.MaxVolume.Mul(decimal.NewFromFloat(volumeRatio))
	return wire.NewTickPayload(price, volume, s.clock.Now()), nil
}
