package config

import "time"

// SocketConfig holds the WebSocket client settings.
type SocketConfig struct {
	HeartbeatInterval time.Duration `envconfig:"KEFU_HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `envconfig:"KEFU_WRITE_TIMEOUT" yaml:"write_timeout"`
	HandshakeTimeout  time.Duration `envconfig:"KEFU_HANDSHAKE_TIMEOUT" yaml:"handshake_timeout"`
	ReadBufferSize    int           `envconfig:"KEFU_READ_BUFFER_SIZE" yaml:"read_buffer_size"`
	WriteBufferSize   int           `envconfig:"KEFU_WRITE_BUFFER_SIZE" yaml:"write_buffer_size"`
}

// DefaultSocketConfig returns the default WebSocket configuration.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
	}
}
