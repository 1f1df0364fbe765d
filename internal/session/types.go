package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrAuthentication     = errors.New("session token rejected")
)

// State is the session's position in its connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectWaiting
	StateFailed // gave up reconnecting; Connect starts over
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectWaiting:
		return "reconnect_waiting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures a Session.
type Config struct {
	URL                    string
	Token                  string        // Sent as "Authorization: Bearer <token>"
	HeartbeatInterval      time.Duration // Client PING period
	ReconnectInterval      time.Duration // Base backoff delay
	MaxReconnectAttempts   int           // Attempts before StateFailed
	MaxReconnectDelay      time.Duration // Backoff ceiling (0 = none)
	HandshakeTimeout       time.Duration
	WriteTimeout           time.Duration
	ResubscribeOnReconnect bool // Replay Subscribe calls after an automatic reconnect
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
		MaxReconnectDelay:    time.Minute,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

// Status is the observable connection state.
type Status struct {
	State       State     `json:"state"`
	Attempts    int       `json:"reconnectAttempts"`
	LastError   string    `json:"lastError,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	LastPong    time.Time `json:"lastPong,omitempty"`
}

// Indicator collapses the state into connected, connecting, error or disconnected.
func (s Status) Indicator() string {
	switch s.State {
	case StateConnected:
		return "connected"
	case StateConnecting, StateReconnectWaiting:
		return "connecting"
	case StateFailed:
		return "error"
	}
	return "disconnected"
}

// HeartbeatAge returns how long ago the last PONG arrived.
func (s Status) HeartbeatAge(now time.Time) time.Duration {
	if s.LastPong.IsZero() {
		return 0
	}
	return now.Sub(s.LastPong)
}

// Conn is the client side of a transport. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}
