package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID           = "opsstream"
	DefaultStreamPath           = "/ws"
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultDialTimeout          = 15 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 75 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMultiplier  = 2.0
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultStreamBufferSize     = 1024
	DefaultFailureThreshold     = 5
	DefaultCooldown             = 30 * time.Second
	DefaultCooldownMultiplier   = 2.0
	DefaultMaxCooldown          = 5 * time.Minute
	DefaultMaxAttempts          = 3
	DefaultBaseDelay            = 1 * time.Second
	DefaultBackoffMultiplier    = 2.0
	DefaultMaxDelay             = 10 * time.Second
	DefaultAPITimeout           = 30 * time.Second
	DefaultRateLimit            = 10.0
	DefaultBurst                = 20
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 2 * time.Second
	DefaultArchiveBufferSize    = 1000
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 5
	DefaultMinConns             = 1
	DefaultHealthInterval       = 1 * time.Minute
	DefaultHealthTimeout        = 10 * time.Second
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Connection defaults
	conn := &c.Connection
	if conn.Path == "" {
		conn.Path = DefaultStreamPath
	}
	if conn.HeartbeatInterval == 0 {
		conn.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if conn.DialTimeout == 0 {
		conn.DialTimeout = DefaultDialTimeout
	}
	if conn.HandshakeTimeout == 0 {
		conn.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if conn.PingInterval == 0 {
		conn.PingInterval = DefaultPingInterval
	}
	if conn.PingTimeout == 0 {
		conn.PingTimeout = DefaultPingTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}
	if conn.MaxReconnectAttempts == 0 {
		conn.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if conn.ReconnectBaseDelay == 0 {
		conn.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if conn.ReconnectMultiplier == 0 {
		conn.ReconnectMultiplier = DefaultReconnectMultiplier
	}
	if conn.ReconnectMaxDelay == 0 {
		conn.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if conn.BufferSize == 0 {
		conn.BufferSize = DefaultStreamBufferSize
	}

	// Resilience defaults
	res := &c.Resilience
	if res.FailureThreshold == 0 {
		res.FailureThreshold = DefaultFailureThreshold
	}
	if res.Cooldown == 0 {
		res.Cooldown = DefaultCooldown
	}
	if res.CooldownMultiplier == 0 {
		res.CooldownMultiplier = DefaultCooldownMultiplier
	}
	if res.MaxCooldown == 0 {
		res.MaxCooldown = DefaultMaxCooldown
	}
	if res.MaxAttempts == 0 {
		res.MaxAttempts = DefaultMaxAttempts
	}
	if res.BaseDelay == 0 {
		res.BaseDelay = DefaultBaseDelay
	}
	if res.BackoffMultiplier == 0 {
		res.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if res.MaxDelay == 0 {
		res.MaxDelay = DefaultMaxDelay
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = DefaultRateLimit
	}
	if c.API.Burst == 0 {
		c.API.Burst = DefaultBurst
	}

	// Archive defaults
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
	}
	applyDBDefaults(&c.Database)

	// Health defaults
	if c.Health.Interval == 0 {
		c.Health.Interval = DefaultHealthInterval
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = DefaultHealthTimeout
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
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
