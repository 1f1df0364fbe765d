package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Database    DBConfig          `yaml:"database"`
	Connections ConnectionsConfig `yaml:"connections"`
	Sync        SyncConfig        `yaml:"sync"`
	Client      ClientConfig      `yaml:"client"`
	Writers     WritersConfig     `yaml:"writers"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InstanceConfig identifies this process in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	AdminToken      string        `yaml:"admin_token"`
	MaxEventBytes   int64         `yaml:"max_event_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig lists the keys session tokens are verified against.
type AuthConfig struct {
	Keys   []KeyConfig   `yaml:"keys"`
	Leeway time.Duration `yaml:"leeway"`

	// Signing key for locally issued development tokens. Optional.
	SigningKeyID   string `yaml:"signing_key_id"`
	SigningKeyFile string `yaml:"signing_key_file"`
}

// KeyConfig is one trusted verification key.
type KeyConfig struct {
	ID            string `yaml:"id"`
	PublicKeyFile string `yaml:"public_key_file"`
}

// DBConfig holds database connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ConnectionsConfig configures the server-side connection manager.
type ConnectionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleMultiplier   int           `yaml:"stale_multiplier"`
	EvictInterval     time.Duration `yaml:"evict_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	MaxSendQueue      int           `yaml:"max_send_queue"`
	MaxConnections    int           `yaml:"max_connections"`
	PingConcurrency   int           `yaml:"ping_concurrency"`
}

// SyncConfig configures the stats sync scheduler.
type SyncConfig struct {
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Timeout      time.Duration `yaml:"timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// ClientConfig configures a client session.
type ClientConfig struct {
	URL                    string        `yaml:"url"`
	Token                  string        `yaml:"token"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	ReconnectInterval      time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts   int           `yaml:"max_reconnect_attempts"`
	MaxReconnectDelay      time.Duration `yaml:"max_reconnect_delay"`
	HandshakeTimeout       time.Duration `yaml:"handshake_timeout"`
	ResubscribeOnReconnect bool          `yaml:"resubscribe_on_reconnect"`
	Topics                 []string      `yaml:"topics"`
}

// WritersConfig configures the batched notification writer.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// NewLogger builds a logger writing to w.
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(l.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("logging.format must be text or json, got %q", l.Format)
	}
}
