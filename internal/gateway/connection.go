package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hydramesh/hydra-router/internal/umf"
)

// Conn is one persistent client connection as the router sees it. The
// concrete implementation wraps a websocket; tests substitute hand-rolled
// fakes.
type Conn interface {
	// ID returns the client id currently bound to the connection. A
	// reconnect handshake rebinds it.
	ID() string

	// SetID rebinds the connection to a new client id.
	SetID(id string)

	// IP returns the client address detected at upgrade time.
	IP() string

	// WriteFrame serializes and sends one frame. Safe for concurrent use.
	WriteFrame(msg umf.Message) error

	// Close tears the connection down. The read loop observes the closure
	// and finishes the unbind.
	Close() error
}

// ClientConnection is a Conn over a websocket. Writes serialize on a mutex;
// gorilla connections support one concurrent writer only.
type ClientConnection struct {
	sock *websocket.Conn
	ip   string

	mu sync.Mutex
	id string
}

var _ Conn = (*ClientConnection)(nil)

// NewClientConnection wraps an upgraded websocket.
func NewClientConnection(sock *websocket.Conn, id, ip string) *ClientConnection {
	return &ClientConnection{sock: sock, id: id, ip: ip}
}

// ID returns the bound client id.
func (c *ClientConnection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetID rebinds the connection to a new client id.
func (c *ClientConnection) SetID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// IP returns the client address detected at upgrade time.
func (c *ClientConnection) IP() string { return c.ip }

// WriteFrame serializes msg in the short form and sends it as one text
// message.
func (c *ClientConnection) WriteFrame(msg umf.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks for the next frame from the client and returns its raw
// bytes. Only the read loop calls this.
func (c *ClientConnection) ReadFrame() ([]byte, error) {
	_, data, err := c.sock.ReadMessage()
	return data, err
}

// Close closes the underlying websocket.
func (c *ClientConnection) Close() error { return c.sock.Close() }

// clientIP resolves the client address of a request: the first
// x-forwarded-for entry, then the socket remote address, then "unknown".
func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	if remote != "" {
		return remote
	}
	return "unknown"
}
