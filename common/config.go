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
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Hijacked WebSocket connections are not subject to this timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// AuthConfig defines how connection credentials are verified
type AuthConfig struct {
	// Secret is the HMAC key used to verify the connection JWTs
	Secret string `mapstructure:"secret" json:"-" validate:"required,min=8"`
	// Issuer if set, the JWT "iss" claim must match
	Issuer string `mapstructure:"issuer" json:"issuer,omitempty"`
	// Audience if set, the JWT "aud" claim must contain it
	Audience string `mapstructure:"audience" json:"audience,omitempty"`
	// Leeway is the allowed clock skew when checking "exp" / "nbf" in seconds
	Leeway int `mapstructure:"leeway_sec" json:"leeway_sec" validate:"gte=0"`
}

// LivenessConfig defines the server driven ping / pong parameters
type LivenessConfig struct {
	// ProbeInterval is the interval between "ping" probes in seconds
	ProbeInterval int `mapstructure:"probe_interval_sec" json:"probe_interval_sec" validate:"gte=1"`
	// Timeout is the max duration without a "pong" before eviction in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gtfield=ProbeInterval"`
}

// ProbeIntervalDuration helper function to get the probe interval
func (c LivenessConfig) ProbeIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.ProbeInterval)
}

// TimeoutDuration helper function to get the liveness timeout
func (c LivenessConfig) TimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.Timeout)
}

// BroadcastConfig defines the topic event broadcast parameters
type BroadcastConfig struct {
	// Interval is the interval between broadcast rounds in milliseconds
	Interval int `mapstructure:"interval_ms" json:"interval_ms" validate:"gte=10"`
	// Topics is the list of topics to generate events for. If empty, every
	// topic with at least one subscriber is active.
	Topics []string `mapstructure:"topics" json:"topics" validate:"omitempty,dive,required"`
	// Source selects the topic event source
	Source string `mapstructure:"source" json:"source" validate:"required,oneof=random nats"`
	// NATSSubjectPrefix is the subject prefix the NATS source listens under
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix" json:"nats_subject_prefix" validate:"required"`
}

// IntervalDuration helper function to get the broadcast interval
func (c BroadcastConfig) IntervalDuration() time.Duration {
	return time.Millisecond * time.Duration(c.Interval)
}

// ConnectionConfig defines per-connection parameters
type ConnectionConfig struct {
	// SendQueueDepth is the number of outbound messages which can be queued
	// for one connection before sends start failing
	SendQueueDepth int `mapstructure:"send_queue_depth" json:"send_queue_depth" validate:"gte=1"`
	// WriteTimeout is the max duration of a single frame write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// MaxMessageBytes is the largest inbound frame accepted
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=64"`
	// CloseOnMalformed whether to close a connection sending an unparsable message
	CloseOnMalformed bool `mapstructure:"close_on_malformed" json:"close_on_malformed"`
	// AllowedOrigins is the list of accepted "Origin" values. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// RelayServerConfig defines configuration for the relay server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Auth is the connection credential verification config
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Liveness is the liveness probing config
	Liveness LivenessConfig `mapstructure:"liveness" json:"liveness" validate:"required,dive"`
	// Broadcast is the topic event broadcast config
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" validate:"required,dive"`
	// Connection is the per-connection config
	Connection ConnectionConfig `mapstructure:"connection" json:"connection" validate:"required,dive"`
}

// ===============================================================================
// Relay Client Related Config

// BackoffConfig defines the client reconnect backoff
type BackoffConfig struct {
	// Initial is the first reconnect delay in milliseconds
	Initial int `mapstructure:"initial_ms" json:"initial_ms" validate:"gte=1"`
	// Max is the reconnect delay cap in milliseconds
	Max int `mapstructure:"max_ms" json:"max_ms" validate:"gtefield=Initial"`
	// Jitter is the upper bound of the random delay added to each reconnect delay
	// in milliseconds
	Jitter int `mapstructure:"jitter_ms" json:"jitter_ms" validate:"gte=0"`
}

// RelayClientConfig defines configuration for the reference relay client
type RelayClientConfig struct {
	// ServerURL is the relay WebSocket URL
	ServerURL string `mapstructure:"server_url" json:"server_url" validate:"required,url"`
	// Token is the bearer credential presented on connect
	Token string `mapstructure:"token" json:"-"`
	// TokenInHeader whether to present the credential as an "Authorization"
	// header instead of the "token" query parameter
	TokenInHeader bool `mapstructure:"token_in_header" json:"token_in_header"`
	// Topics is the list of topics to subscribe to after each connect
	Topics []string `mapstructure:"topics" json:"topics" validate:"required,min=1,dive,required"`
	// Backoff is the reconnect backoff config
	Backoff BackoffConfig `mapstructure:"backoff" json:"backoff" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either the relay server or client
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Relay are the relay server configs
	Relay *RelayServerConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
	// Client are the relay client configs
	Client *RelayClientConfig `mapstructure:"client,omitempty" json:"client,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Tickrelay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"Sec-WebSocket-Protocol",
		},
	)
	viper.SetDefault("relay.auth.secret", "keyboard-cat")
	viper.SetDefault("relay.auth.leeway_sec", 0)
	viper.SetDefault("relay.liveness.probe_interval_sec", 15)
	viper.SetDefault("relay.liveness.timeout_sec", 45)
	viper.SetDefault("relay.broadcast.interval_ms", 3000)
	viper.SetDefault("relay.broadcast.topics", []string{"BTCUSDT"})
	viper.SetDefault("relay.broadcast.source", "random")
	viper.SetDefault("relay.broadcast.nats_subject_prefix", "tickrelay.ticks")
	viper.SetDefault("relay.connection.send_queue_depth", 64)
	viper.SetDefault("relay.connection.write_timeout_sec", 10)
	viper.SetDefault("relay.connection.max_message_bytes", 4096)
	viper.SetDefault("relay.connection.close_on_malformed", false)
	viper.SetDefault("relay.connection.allowed_origins", []string{})

	// Default relay client settings
	viper.SetDefault("client.server_url", "ws://127.0.0.1:3000/ws")
	viper.SetDefault("client.token_in_header", false)
	viper.SetDefault("client.topics", []string{"BTCUSDT"})
	viper.SetDefault("client.backoff.initial_ms", 1000)
	viper.SetDefault("client.backoff.max_ms", 30000)
	viper.SetDefault("client.backoff.jitter_ms", 300)
}
