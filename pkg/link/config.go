// Package link manages the single event-stream connection between the
// dashboard and the processing server.
//
// This package handles:
//   - Connecting with a bounded number of retries at a fixed delay
//   - Replacing the connection when the server address changes
//   - Reconnecting after unexpected drops
//   - Dropping callbacks from connections that have been replaced
package link

import (
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/biovision/pkg/sio"
)

// Config holds connection manager configuration.
type Config struct {
	// Transports in negotiation order.
	// Default: polling, then websocket upgrade.
	Transports []string `yaml:"transports" json:"transports"`

	// Path is the Socket.IO endpoint path.
	// Default: "/socket.io/"
	Path string `yaml:"path" json:"path"`

	// ReconnectAttempts is how many retries follow a failed attempt.
	// 0 means a single attempt.
	ReconnectAttempts int `yaml:"reconnect_attempts" json:"reconnect_attempts"`

	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	// ConnectTimeout bounds each attempt's handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// DefaultConfig returns the socket.io-client settings the dashboard has
// always used.
func DefaultConfig() Config {
	return Config{
		Transports:        []string{sio.TransportPolling, sio.TransportWebsocket},
		Path:              sio.DefaultPath,
		ReconnectAttempts: 10,
		ReconnectDelay:    time.Second,
		ConnectTimeout:    10 * time.Second,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one transport is required")
	}
	for _, t := range c.Transports {
		if t != sio.TransportPolling && t != sio.TransportWebsocket {
			return fmt.Errorf("unknown transport '%s'", t)
		}
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must be >= 0, got %d", c.ReconnectAttempts)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect_delay must be >= 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}

// NormalizeURL trims whitespace and strips one trailing slash.
func NormalizeURL(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}
