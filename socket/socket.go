package socket

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Event string

// Lifecycle events. EventConnect doubles as the handshake request sent by the client.
const (
	EventConnect      Event = "connect"
	EventDisconnect   Event = "disconnect"
	EventConnectError Event = "connect_error"
	EventError        Event = "error"
)

// Disconnect reasons carried as the data of EventDisconnect.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportError   = "transport error"
	ReasonTransportClose   = "transport close"
)

// Message is the wire envelope. Data is kept raw on decode so each consumer decodes its own shape.
type Message struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handshake is the payload of the client's EventConnect frame.
type Handshake struct {
	Token string `json:"token"`
}

// ConnectAck is the server's reply to a successful handshake.
type ConnectAck struct {
	SID string `json:"sid"`
}

// ErrorPayload is the data of EventConnectError and of server-pushed error events.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type Socket interface {
	ID() string

	Send(event Event, data interface{}) error

	On(event Event, handler func(data json.RawMessage))

	Off(event Event)

	Close() error

	IsConnected() bool
}

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidMessage   = errors.New("invalid message format")
	ErrTimeout          = errors.New("operation timed out")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNoTransport      = errors.New("no transport available")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Encode marshals an event and its data into a wire frame.
func Encode(event Event, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Message{Event: event, Data: raw})
}

// Decode parses a wire frame.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("%w: missing event", ErrInvalidMessage)
	}
	return msg, nil
}
