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

package cmd

import (
	"context"

	"github.com/alwitt/tickrelay/client"
	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
)

// RunRelayClient run the reconnecting relay client, logging every tick received
func RunRelayClient(
	runTimeContext context.Context, config *common.RelayClientConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "client",
		"instance":  instance,
	}

	driver, err := client.NewDriver(*config, func(symbol string, tick wire.TickPayload) {
		log.WithFields(logTags).WithFields(log.Fields{
			"symbol": symbol,
			"price":  tick.Price,
			"volume": tick.Volume,
			"ts":     tick.Timestamp,
		}).Info("Tick")
	}, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay client")
		return err
	}

	log.WithFields(logTags).Infof("Connecting to %s for %v", config.ServerURL, config.Topics)
	return driver.Run(runTimeContext)
}
