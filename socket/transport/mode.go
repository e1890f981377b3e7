package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Mode names the streaming technique a transport uses.
type Mode string

const (
	ModeWebSocket Mode = "websocket"
	ModePolling   Mode = "polling"
)

var errNotConnected = errors.New("not connected")

// ParseMode accepts the config spelling of a transport mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeWebSocket, "ws":
		return ModeWebSocket, nil
	case ModePolling, "long-polling", "longpolling":
		return ModePolling, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q", raw)
	}
}

// WebSocketURL rewrites an http(s) endpoint to its ws(s) form. ws(s) URLs pass through.
func WebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// HTTPURL rewrites a ws(s) endpoint to its http(s) form. http(s) URLs pass through.
func HTTPURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
