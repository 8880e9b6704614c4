// Copyright 2021-2022 The agentgw Authors
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

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// RelayConfig defines parameters for relaying events between gateway instances through NATS
type RelayConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// Subject is the NATS subject events are relayed on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
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
	// Event streams are long lived, so this must stay zero unless streams
	// are meant to be cut off periodically.
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
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// StreamConfig defines the event stream parameters
type StreamConfig struct {
	// KeepAliveInterval is the interval between keep-alive writes on an open stream in seconds
	KeepAliveInterval int `mapstructure:"keep_alive_interval_sec" json:"keep_alive_interval_sec" validate:"gte=1"`
	// SubscriberBuffer is the number of events queued per subscriber before events are dropped
	SubscriberBuffer int `mapstructure:"subscriber_buffer" json:"subscriber_buffer" validate:"gte=1"`
}

// DispatchConfig defines the run dispatcher parameters
type DispatchConfig struct {
	// CallbackTimeout is the max duration of the call to an agent callback URL in seconds
	CallbackTimeout int `mapstructure:"callback_timeout_sec" json:"callback_timeout_sec" validate:"gte=1"`
}

// IntakeConfig defines the progress event intake parameters
type IntakeConfig struct {
	// RatePerSec is the sustained number of progress reports accepted per second.
	// Zero disables the throttle.
	RatePerSec float64 `mapstructure:"rate_per_sec" json:"rate_per_sec" validate:"gte=0"`
	// Burst is the number of progress reports accepted in a burst
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=0"`
}

// CORSConfig defines cross-origin parameters for browser clients
type CORSConfig struct {
	// AllowedOrigins is the list of origins permitted to call the gateway
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// GatewayServerConfig defines configuration for the gateway API server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway API server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Stream is the event stream parameters
	Stream StreamConfig `mapstructure:"stream" json:"stream" validate:"required,dive"`
	// Dispatch is the run dispatcher parameters
	Dispatch DispatchConfig `mapstructure:"dispatch" json:"dispatch" validate:"required,dive"`
	// Intake is the progress event intake parameters
	Intake IntakeConfig `mapstructure:"intake" json:"intake" validate:"required,dive"`
	// CORS is the cross-origin parameters
	CORS CORSConfig `mapstructure:"cors" json:"cors"`
}

// ===============================================================================
// Agent Mapping Related Config

// AgentMappingConfig maps an agent ID to its event channel and callback URL
type AgentMappingConfig struct {
	// AgentID is the identifier callers use to request a run
	AgentID string `mapstructure:"agent_id" json:"agent_id" yaml:"agent_id" validate:"required"`
	// Channel is the event channel of the agent. Defaults to AgentID.
	Channel string `mapstructure:"channel" json:"channel,omitempty" yaml:"channel,omitempty"`
	// CallbackURL is the workflow runtime URL invoked to start the agent
	CallbackURL string `mapstructure:"callback_url" json:"callback_url" yaml:"callback_url" validate:"required,url"`
}

// AgentsConfig defines where the agent mapping table comes from
type AgentsConfig struct {
	// Entries is the inline agent mapping table
	Entries []AgentMappingConfig `mapstructure:"entries" json:"entries" validate:"omitempty,dive"`
	// MappingFile is an optional YAML file holding more agent mapping entries
	MappingFile string `mapstructure:"mapping_file" json:"mapping_file,omitempty" validate:"omitempty,file"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the gateway
type SystemConfig struct {
	// Gateway are the gateway API server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
	// Agents is the agent mapping table config
	Agents AgentsConfig `mapstructure:"agents" json:"agents" validate:"required,dive"`
	// Relay is the optional NATS event relay config
	Relay *RelayConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Agentgw-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.stream.keep_alive_interval_sec", 15)
	viper.SetDefault("gateway.stream.subscriber_buffer", 32)
	viper.SetDefault("gateway.dispatch.callback_timeout_sec", 30)
	viper.SetDefault("gateway.intake.rate_per_sec", 0)
	viper.SetDefault("gateway.intake.burst", 0)
	viper.SetDefault("gateway.cors.allowed_origins", []string{"*"})
}
