// Package config loads the YAML configuration shared by the commands.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Stream   StreamConfig   `yaml:"stream"`
	Database DBConfig       `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this process in logs and recorded rows.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// StreamConfig holds the feed endpoint and connection policy.
type StreamConfig struct {
	URL                  string        `yaml:"url"`
	Protocols            []string      `yaml:"protocols"`
	Channels             []string      `yaml:"channels"` // Subscribed on every connect
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // -1 disables reconnection
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`     // negative disables heartbeats
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	RetryOnDialError     bool          `yaml:"retry_on_dial_error"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	APIKey               string        `yaml:"api_key"`          // Sent as ACCESS-KEY when set
	PrivateKeyPath       string        `yaml:"private_key_path"` // RSA key used to sign the handshake
}

// DBConfig holds the Postgres connection used by the recorder.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds message archiving settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Authenticated reports whether handshakes should be signed.
func (s StreamConfig) Authenticated() bool {
	return s.APIKey != "" || s.PrivateKeyPath != ""
}
