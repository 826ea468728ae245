package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Pool option defaults, applied per pool section after loading.
const (
	DefaultMinConnections = 1
	DefaultMaxConnections = 10
	DefaultConnectTimeout = 10 * time.Second
	DefaultWaitTimeout    = 3 * time.Second
	DefaultMaxIdleTime    = 60 * time.Second
	DefaultDriver         = "pdo"
)

// Config holds all configuration for ekaya-broker.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Session   SessionConfig   `yaml:"session"`

	// DefaultPool is the pool name used by the broker when none is given.
	DefaultPool string `yaml:"default_pool" env:"DEFAULT_POOL" env-default:"default"`

	// Pools holds one named section per connection pool (the "db.<name>" sections).
	Pools map[string]PoolConfig `yaml:"db"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	// File enables a rotated log file in addition to stdout.
	File       string `yaml:"file" env:"LOG_FILE" env-default:""`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB" env-default:"100"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"3"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS" env-default:"28"`
}

// RedisConfig holds the shared store connection used by the rate limiter.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Addr returns the host:port pair for the redis client.
func (c *RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RateLimitConfig holds the inbound session admission limit.
type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED" env-default:"true"`
	Operations int           `yaml:"operations" env:"RATE_LIMIT_OPERATIONS" env-default:"100"`
	Interval   time.Duration `yaml:"interval" env:"RATE_LIMIT_INTERVAL" env-default:"1s"`
	// Store is "redis" or "memory". Empty selects redis when a redis host is configured.
	Store string `yaml:"store" env:"RATE_LIMIT_STORE" env-default:""`
	Key   string `yaml:"key" env:"RATE_LIMIT_KEY" env-default:"ekaya-broker:rate-limiter"`
}

// SessionConfig holds settings for inbound websocket sessions.
type SessionConfig struct {
	StatsInterval time.Duration `yaml:"stats_interval" env:"SESSION_STATS_INTERVAL" env-default:"5s"`
}

// PoolConfig is one named pool section.
type PoolConfig struct {
	Name string `yaml:"-"`

	// Driver selects the session constructor: postgres, mysql, mssql, sqlite, pdo,
	// or the name of any database/sql driver registered in the process.
	Driver string `yaml:"driver"`
	// DriverName is the database/sql driver used by the generic (pdo) driver.
	DriverName string `yaml:"driver_name"`

	// DSN, when set, is used verbatim instead of the discrete fields below.
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // Secret - from DB_<NAME>_PASSWORD
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	Pool PoolOptions `yaml:"pool"`
}

// PoolOptions sizes a pool and bounds its timeouts.
type PoolOptions struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	// Heartbeat is the idle sweep interval. Zero or negative derives it from MaxIdleTime.
	Heartbeat   time.Duration `yaml:"heartbeat"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// Load reads configuration from config.yaml (or CONFIG_PATH) with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}

	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	if err := cfg.validateRateLimit(); err != nil {
		return nil, fmt.Errorf("invalid rate_limit configuration: %w", err)
	}

	cfg.applyPoolDefaults()
	return cfg, nil
}

// PoolConfig returns the named pool section with defaults applied.
// The boolean is false when no section exists for name.
func (c *Config) PoolConfig(name string) (PoolConfig, bool) {
	pc, ok := c.Pools[name]
	if !ok {
		return PoolConfig{}, false
	}
	pc.Name = name
	pc.applyDefaults()
	if pc.Password == "" {
		pc.Password = os.Getenv(passwordEnvKey(name))
	}
	return pc, true
}

// applyPoolDefaults fills names, defaults and env secrets on every pool section.
func (c *Config) applyPoolDefaults() {
	for name := range c.Pools {
		pc, _ := c.PoolConfig(name)
		c.Pools[name] = pc
	}
}

func (p *PoolConfig) applyDefaults() {
	if p.Driver == "" {
		p.Driver = DefaultDriver
	}
	if p.Pool.MinConnections == 0 {
		p.Pool.MinConnections = DefaultMinConnections
	}
	if p.Pool.MaxConnections == 0 {
		p.Pool.MaxConnections = DefaultMaxConnections
	}
	if p.Pool.ConnectTimeout <= 0 {
		p.Pool.ConnectTimeout = DefaultConnectTimeout
	}
	if p.Pool.WaitTimeout <= 0 {
		p.Pool.WaitTimeout = DefaultWaitTimeout
	}
	if p.Pool.MaxIdleTime <= 0 {
		p.Pool.MaxIdleTime = DefaultMaxIdleTime
	}
}

// Validate checks the sizing invariant 0 < min_connections <= max_connections.
func (p *PoolConfig) Validate() error {
	if p.Pool.MinConnections <= 0 || p.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool %q: min_connections and max_connections must be positive", p.Name)
	}
	if p.Pool.MinConnections > p.Pool.MaxConnections {
		return fmt.Errorf("pool %q: min_connections (%d) exceeds max_connections (%d)",
			p.Name, p.Pool.MinConnections, p.Pool.MaxConnections)
	}
	return nil
}

// SweepInterval returns how often idle connections are swept.
func (p *PoolConfig) SweepInterval() time.Duration {
	if p.Pool.Heartbeat > 0 {
		return p.Pool.Heartbeat
	}
	return p.Pool.MaxIdleTime / 2
}

// Address returns host:port for the pool, resolving localhost to the docker host
// gateway when running inside a container.
func (p *PoolConfig) Address(defaultPort int) string {
	port := p.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(resolveHost(p.Host), strconv.Itoa(port))
}

func passwordEnvKey(name string) string {
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return "DB_" + key + "_PASSWORD"
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

func (c *Config) validateRateLimit() error {
	if !c.RateLimit.Enabled {
		return nil
	}
	if c.RateLimit.Operations <= 0 {
		return fmt.Errorf("operations must be positive, got %d", c.RateLimit.Operations)
	}
	if c.RateLimit.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.RateLimit.Interval)
	}
	switch c.RateLimit.Store {
	case "", "redis", "memory":
	default:
		return fmt.Errorf("unknown store %q (must be redis or memory)", c.RateLimit.Store)
	}
	if c.RateLimit.Store == "redis" && c.Redis.Host == "" {
		return fmt.Errorf("store redis requires redis.host")
	}
	return nil
}

// RateLimitStore resolves the effective limiter store.
func (c *Config) RateLimitStore() string {
	if c.RateLimit.Store != "" {
		return c.RateLimit.Store
	}
	if c.Redis.Host != "" {
		return "redis"
	}
	return "memory"
}

var (
	inDockerOnce sync.Once
	inDocker     bool
)

// isRunningInDocker reports whether /.dockerenv exists. Cached after the first call.
func isRunningInDocker() bool {
	inDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		inDocker = err == nil
	})
	return inDocker
}

func resolveHost(host string) string {
	if host == "" {
		host = "localhost"
	}
	if isRunningInDocker() && (host == "localhost" || host == "127.0.0.1") {
		return "host.docker.internal"
	}
	return host
}
