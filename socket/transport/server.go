package transport

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
)

var ErrTransportClosed = errors.New("transport closed")

// ServerTransport is the server's end of one client connection.
type ServerTransport interface {
	ID() string
	Mode() Mode
	Read() ([]byte, error)
	Write([]byte) error
	Close() error
}

// Upgrader accepts every origin.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}
