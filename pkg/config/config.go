// Package config loads the daemon's typed configuration from ksid.yaml
// (the path given to NewLoader) via koanf, layering environment variable overrides on
// top of file values, the same two-stage load every sub-config here
// follows: SetDefaults, then Validate.
package config

import "fmt"

// Config is the top-level daemon configuration, loaded from ksid.yaml.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger,omitempty"`
	Transport  TransportConfig  `yaml:"transport,omitempty"`
	Context    ContextConfig    `yaml:"context,omitempty"`
	Checkpoint CheckpointConfig `yaml:"checkpoint,omitempty"`
	Routing    RoutingConfig    `yaml:"routing,omitempty"`
}

// SetDefaults applies defaults to every sub-config.
func (c *Config) SetDefaults() {
	c.Logger.SetDefaults()
	c.Transport.SetDefaults()
	c.Context.SetDefaults()
	c.Checkpoint.SetDefaults()
	c.Routing.SetDefaults()
}

// Validate validates every sub-config.
func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.Context.Validate(); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	return nil
}

// DatabaseConfig configures a single SQLite-backed store. The daemon opens
// three of these (events, context, checkpoint) through a shared DBPool.
type DatabaseConfig struct {
	// Path is the SQLite file path, e.g. "var/db/context.db".
	Path string `yaml:"path,omitempty"`

	// MaxConns and MaxIdle are ignored for the sqlite3 driver, which the
	// pool always pins to a single connection, but are kept so DBPool can
	// serve other drivers a teacher-style deployment might add later.
	MaxConns int `yaml:"max_conns,omitempty"`
	MaxIdle  int `yaml:"max_idle,omitempty"`
}

// DriverName returns the database/sql driver name for this config.
// KSI only ever opens SQLite files; the field exists so DBPool's dialect
// switch (inherited from the teacher) stays meaningful if that changes.
func (c *DatabaseConfig) DriverName() string {
	return "sqlite3"
}

// DSN returns the data source name passed to sql.Open.
func (c *DatabaseConfig) DSN() string {
	return c.Path + "?_journal_mode=WAL&_busy_timeout=10000"
}

// ContextConfig configures the C2 context manager.
type ContextConfig struct {
	Database DatabaseConfig `yaml:"database,omitempty"`

	// HotCacheSize is the capacity of the in-memory LRU cache of hot
	// context/event records.
	HotCacheSize int `yaml:"hot_cache_size,omitempty"`

	// HotTTLHours is how long an event stays in hot storage before it is
	// aged out regardless of LRU pressure.
	HotTTLHours int `yaml:"hot_ttl_hours,omitempty"`

	// ColdRetentionDays is how long a cold context row survives before the
	// hourly sweep deletes it.
	ColdRetentionDays int `yaml:"cold_retention_days,omitempty"`
}

func (c *ContextConfig) SetDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "var/db/context.db"
	}
	if c.HotCacheSize == 0 {
		c.HotCacheSize = 1_000_000
	}
	if c.HotTTLHours == 0 {
		c.HotTTLHours = 24
	}
	if c.ColdRetentionDays == 0 {
		c.ColdRetentionDays = 30
	}
}

func (c *ContextConfig) Validate() error {
	if c.HotCacheSize <= 0 {
		return fmt.Errorf("hot_cache_size must be positive")
	}
	return nil
}

// CheckpointConfig configures the C8 checkpoint engine.
type CheckpointConfig struct {
	Database DatabaseConfig `yaml:"database,omitempty"`

	// Disabled turns off all checkpoint collection: periodic, manual and
	// shutdown Collect calls all return an error. Overridable by
	// KSI_CHECKPOINT_DISABLED.
	Disabled bool `yaml:"disabled,omitempty"`

	// MaxActive is how many checkpoints are kept as "active" before older
	// ones are archived.
	MaxActive int `yaml:"max_active,omitempty"`
}

func (c *CheckpointConfig) SetDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "var/db/checkpoint.db"
	}
	if c.MaxActive == 0 {
		c.MaxActive = 5
	}
}

func (c *CheckpointConfig) Validate() error {
	if c.MaxActive <= 0 {
		return fmt.Errorf("max_active must be positive")
	}
	return nil
}

// RoutingConfig configures the C6 dynamic routing service.
type RoutingConfig struct {
	Database DatabaseConfig `yaml:"database,omitempty"`

	// SystemTransformerDir is where startup-loaded system transformer YAML
	// files live.
	SystemTransformerDir string `yaml:"system_transformer_dir,omitempty"`

	// TTLSweepSeconds is how often the TTL-expiry cron job runs.
	TTLSweepSeconds int `yaml:"ttl_sweep_seconds,omitempty"`
}

func (c *RoutingConfig) SetDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "var/db/events.db"
	}
	if c.SystemTransformerDir == "" {
		c.SystemTransformerDir = "var/lib/transformers/system"
	}
	if c.TTLSweepSeconds == 0 {
		c.TTLSweepSeconds = 60
	}
}

func (c *RoutingConfig) Validate() error {
	if c.TTLSweepSeconds <= 0 {
		return fmt.Errorf("ttl_sweep_seconds must be positive")
	}
	return nil
}

// TransportConfig configures the C9 transports.
type TransportConfig struct {
	// UnixSocketPath is the path of the Unix-domain stream socket.
	UnixSocketPath string `yaml:"unix_socket_path,omitempty"`

	// WebSocketAddr is the host:port the WebSocket transport listens on.
	// Empty disables the WebSocket transport.
	WebSocketAddr string `yaml:"websocket_addr,omitempty"`

	// AllowedOrigins is the CORS/Origin whitelist enforced on WebSocket
	// upgrade requests.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

func (c *TransportConfig) SetDefaults() {
	if c.UnixSocketPath == "" {
		c.UnixSocketPath = "var/run/ksid.sock"
	}
}

func (c *TransportConfig) Validate() error {
	if c.UnixSocketPath == "" {
		return fmt.Errorf("unix_socket_path must not be empty")
	}
	return nil
}
