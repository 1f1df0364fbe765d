package connection

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/crm-realtime/internal/model"
	"github.com/rickgao/crm-realtime/internal/router"
)

// Errors
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrInactiveAccount    = errors.New("account inactive")
	ErrNotConnected       = errors.New("not connected")
	ErrQueueFull          = errors.New("send queue full")
	ErrStaleConnection    = errors.New("connection stale (no heartbeat)")
	ErrTooManyConnections = errors.New("too many connections")
	ErrShutdown           = errors.New("manager shut down")
)

// TokenVerifier resolves a session token to the identity it was issued for.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (model.Identity, error)
}

// AccountChecker reports whether a user account may hold live connections.
type AccountChecker interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// Transport is the server side of one duplex channel. *websocket.Conn satisfies it.
// WriteControl and Close may be called concurrently with the other methods.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Config configures the Connection Manager.
type Config struct {
	HeartbeatInterval time.Duration // Period of server-initiated pings
	StaleMultiplier   int           // Stale threshold = HeartbeatInterval × StaleMultiplier
	EvictInterval     time.Duration // Period of the stale-eviction sweep
	WriteTimeout      time.Duration // Per-frame write deadline
	MaxMessageSize    int64         // Inbound frame size limit in bytes
	SendQueueSize     int           // Initial per-connection send queue capacity
	MaxSendQueue      int           // Queue length at which a connection is dropped
	MaxConnections    int           // 0 = unlimited
	PingConcurrency   int           // Parallel pings per heartbeat sweep
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		StaleMultiplier:   2,
		EvictInterval:     30 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendQueueSize:     16,
		MaxSendQueue:      1024,
		PingConcurrency:   32,
	}
}

// StaleAfter returns the heartbeat age beyond which a connection is evicted.
func (c Config) StaleAfter() time.Duration {
	m := c.StaleMultiplier
	if m < 1 {
		m = 1
	}
	return c.HeartbeatInterval * time.Duration(m)
}

// Status is the administrative view of the manager.
type Status struct {
	Running           bool               `json:"running"`
	TotalConnections  int                `json:"totalConnections"`
	TotalRooms        int                `json:"totalRooms"`
	ConnectionsByRole map[model.Role]int `json:"connectionsByRole"`
	RoomStats         []router.RoomStat  `json:"roomStats"`
}

// Info describes one live connection.
type Info struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Role          model.Role `json:"role"`
	ConnectedAt   time.Time  `json:"connectedAt"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	Topics        []string   `json:"topics"`
	Queued        int        `json:"queued"`
}
