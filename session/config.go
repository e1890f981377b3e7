package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/kleeedolinux/livesession/socket/transport"
)

// GlobalRoom is the reserved operations-wide room.
const GlobalRoom = "admin-room"

// Config defines connection and room protocol behaviour.
type Config struct {
	// URL of the event service endpoint; http(s) and ws(s) are both accepted.
	URL string
	// Transports in preference order.
	Transports []transport.Mode

	MinConnectInterval time.Duration
	RetryDelay         time.Duration
	HandshakeTimeout   time.Duration
	JoinTimeout        time.Duration

	// Native transport reconnection, tried before the supervisor's own retry.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	PollInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	GlobalRoom string
}

// DefaultConfig returns the production defaults. URL is left empty.
func DefaultConfig() Config {
	return Config{
		Transports:         []transport.Mode{transport.ModeWebSocket, transport.ModePolling},
		MinConnectInterval: 1 * time.Second,
		RetryDelay:         5 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		JoinTimeout:        5 * time.Second,
		ReconnectAttempts:  5,
		ReconnectDelay:     1 * time.Second,
		PollInterval:       1 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		GlobalRoom:         GlobalRoom,
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("session: url required")
	}
	if len(c.Transports) == 0 {
		return errors.New("session: at least one transport required")
	}
	for _, m := range c.Transports {
		if m != transport.ModeWebSocket && m != transport.ModePolling {
			return fmt.Errorf("session: unknown transport %q", m)
		}
	}
	if c.JoinTimeout <= 0 {
		return errors.New("session: join timeout must be positive")
	}
	if c.RetryDelay <= 0 {
		return errors.New("session: retry delay must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("session: handshake timeout must be positive")
	}
	if c.GlobalRoom == "" {
		return errors.New("session: global room name required")
	}
	return nil
}
