package conn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the minimal surface the connection loop needs from a socket.
// Tests substitute an in-memory implementation.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Ping sends a transport-level ping control frame.
	Ping() error
	// SetPongHandler registers a callback fired on transport-level pongs.
	// Control frames never surface through ReadMessage, so this is the only
	// way the owner learns a quiet connection is still alive.
	SetPongHandler(fn func())
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

type WSDialer struct {
	HandshakeTimeout time.Duration
}

func NewWSDialer() *WSDialer {
	return &WSDialer{HandshakeTimeout: 5 * time.Second}
}

func (d *WSDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (t *wsTransport) SetPongHandler(fn func()) {
	t.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
