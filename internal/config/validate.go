package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if len(c.Auth.Keys) == 0 {
		return errors.New("auth.keys must list at least one key")
	}
	for i, k := range c.Auth.Keys {
		if k.ID == "" {
			return fmt.Errorf("auth.keys[%d].id is required", i)
		}
		if k.PublicKeyFile == "" {
			return fmt.Errorf("auth.keys[%d].public_key_file is required", i)
		}
	}
	if c.Auth.Leeway < 0 {
		return errors.New("auth.leeway must be >= 0")
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.Connections.HeartbeatInterval <= 0 {
		return errors.New("connections.heartbeat_interval must be > 0")
	}
	if c.Connections.StaleMultiplier < 1 {
		return errors.New("connections.stale_multiplier must be >= 1")
	}
	if c.Connections.EvictInterval <= 0 {
		return errors.New("connections.evict_interval must be > 0")
	}
	if c.Connections.SendQueueSize < 1 {
		return errors.New("connections.send_queue_size must be >= 1")
	}
	if c.Connections.MaxSendQueue < c.Connections.SendQueueSize {
		return fmt.Errorf("connections.max_send_queue (%d) cannot be below send_queue_size (%d)",
			c.Connections.MaxSendQueue, c.Connections.SendQueueSize)
	}
	if c.Connections.MaxConnections < 0 {
		return errors.New("connections.max_connections must be >= 0")
	}

	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be > 0")
	}
	if c.Sync.CacheTTL < 0 {
		return errors.New("sync.cache_ttl must be >= 0")
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.BufferSize < 1 {
		return errors.New("writers.buffer_size must be >= 1")
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// ValidateClient checks the fields a client session needs.
func (c *Config) ValidateClient() error {
	if c.Client.URL == "" {
		return errors.New("client.url is required")
	}
	if c.Client.ReconnectInterval <= 0 {
		return errors.New("client.reconnect_interval must be > 0")
	}
	if c.Client.MaxReconnectAttempts < 1 {
		return errors.New("client.max_reconnect_attempts must be >= 1")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
