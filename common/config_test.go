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

package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Relay)
		assert.NotNil(cfg.Client)
		assert.Equal(15, cfg.Relay.Liveness.ProbeInterval)
		assert.Equal(45, cfg.Relay.Liveness.Timeout)
		assert.Equal(3000, cfg.Relay.Broadcast.Interval)
		assert.Equal([]string{"BTCUSDT"}, cfg.Relay.Broadcast.Topics)
		assert.Equal(1000, cfg.Client.Backoff.Initial)
		assert.Equal(30000, cfg.Client.Backoff.Max)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
relay:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: liveness timeout must exceed the probe interval
	{
		config := []byte(`---
relay:
  liveness:
    probe_interval_sec: 30
    timeout_sec: 30`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: unknown event source
	{
		config := []byte(`---
relay:
  broadcast:
    source: kafka`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: valid override
	{
		config := []byte(`---
relay:
  liveness:
    probe_interval_sec: 5
    timeout_sec: 15
  broadcast:
    interval_ms: 500
    topics: []`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(5, cfg.Relay.Liveness.ProbeInterval)
		assert.Empty(cfg.Relay.Broadcast.Topics)
	}
}
