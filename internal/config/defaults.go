package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerPort        = 8080
	DefaultMaxEventBytes     = 1 << 20
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultAuthLeeway        = 30 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleMultiplier   = 2
	DefaultEvictInterval     = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultMaxMessageSize    = 64 * 1024
	DefaultSendQueueSize     = 16
	DefaultMaxSendQueue      = 1024
	DefaultPingConcurrency   = 32
	DefaultSyncInterval      = 30 * time.Second
	DefaultSyncInitialDelay  = 1 * time.Second
	DefaultSyncTimeout       = 10 * time.Second
	DefaultCacheTTL          = 30 * time.Second
	DefaultClientURL         = "ws://localhost:8080/ws"
	DefaultReconnectInterval = 3 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectMaxDelay = 60 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultBatchSize         = 100
	DefaultFlushInterval     = 1 * time.Second
	DefaultBufferSize        = 1000
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.MaxEventBytes == 0 {
		c.Server.MaxEventBytes = DefaultMaxEventBytes
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Auth.Leeway == 0 {
		c.Auth.Leeway = DefaultAuthLeeway
	}

	applyDBDefaults(&c.Database)

	// Connection manager defaults
	if c.Connections.HeartbeatInterval == 0 {
		c.Connections.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connections.StaleMultiplier == 0 {
		c.Connections.StaleMultiplier = DefaultStaleMultiplier
	}
	if c.Connections.EvictInterval == 0 {
		c.Connections.EvictInterval = DefaultEvictInterval
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.MaxMessageSize == 0 {
		c.Connections.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Connections.SendQueueSize == 0 {
		c.Connections.SendQueueSize = DefaultSendQueueSize
	}
	if c.Connections.MaxSendQueue == 0 {
		c.Connections.MaxSendQueue = DefaultMaxSendQueue
	}
	if c.Connections.PingConcurrency == 0 {
		c.Connections.PingConcurrency = DefaultPingConcurrency
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultSyncInterval
	}
	if c.Sync.InitialDelay == 0 {
		c.Sync.InitialDelay = DefaultSyncInitialDelay
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = DefaultSyncTimeout
	}
	if c.Sync.CacheTTL == 0 {
		c.Sync.CacheTTL = DefaultCacheTTL
	}

	// Client defaults
	if c.Client.URL == "" {
		c.Client.URL = DefaultClientURL
	}
	if c.Client.HeartbeatInterval == 0 {
		c.Client.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Client.ReconnectInterval == 0 {
		c.Client.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Client.MaxReconnectAttempts == 0 {
		c.Client.MaxReconnectAttempts = DefaultReconnectAttempts
	}
	if c.Client.MaxReconnectDelay == 0 {
		c.Client.MaxReconnectDelay = DefaultReconnectMaxDelay
	}
	if c.Client.HandshakeTimeout == 0 {
		c.Client.HandshakeTimeout = DefaultHandshakeTimeout
	}

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
