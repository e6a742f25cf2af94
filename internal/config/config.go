// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Backup   BackupConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" envDefault:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 0, commits poll for progress)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" envDefault:"60s"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// Driver selects the store: sqlite (embedded, WAL) or postgres (default: sqlite)
	Driver string `env:"DB_DRIVER" envDefault:"sqlite"`

	// Path is the SQLite database file (default: data/scah.db)
	Path string `env:"DB_PATH" envDefault:"data/scah.db"`

	// URL is the PostgreSQL connection string, required when Driver is postgres
	URL string `env:"DATABASE_URL"`

	// BusyTimeout is how long SQLite waits on a locked database before failing (default: 5s)
	BusyTimeout time.Duration `env:"DB_BUSY_TIMEOUT" envDefault:"5s"`

	// TxTimeout bounds every storage transaction (default: 30s)
	TxTimeout time.Duration `env:"DB_TX_TIMEOUT" envDefault:"30s"`

	// MaxRetries is how many times a busy transaction is retried (default: 3)
	MaxRetries int `env:"DB_MAX_RETRIES" envDefault:"3"`

	// RetryBackoff is the first retry delay, doubled on each attempt (default: 100ms)
	RetryBackoff time.Duration `env:"DB_RETRY_BACKOFF" envDefault:"100ms"`

	// MaxConns is the maximum number of open connections (default: 8)
	MaxConns int `env:"DB_MAX_CONNS" envDefault:"8"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
}

// ImportConfig holds spreadsheet import settings.
type ImportConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 20MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" envDefault:"20971520"`

	// MaxRows caps the data rows read from one file (default: 10000)
	MaxRows int `env:"IMPORT_MAX_ROWS" envDefault:"10000"`

	// Workers is the number of parallel row validators (default: 4)
	Workers int `env:"IMPORT_WORKERS" envDefault:"4"`

	// CommitSlots is the number of batches allowed to commit at once (default: 1, single writer)
	CommitSlots int `env:"IMPORT_COMMIT_SLOTS" envDefault:"1"`

	// MaxWaitTime is how long a commit waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" envDefault:"30s"`

	// Timeout is the maximum duration for one commit (default: 10m)
	Timeout time.Duration `env:"IMPORT_TIMEOUT" envDefault:"10m"`

	// SessionTTL is how long a staged upload and a finished commit result stay available (default: 1h)
	SessionTTL time.Duration `env:"IMPORT_SESSION_TTL" envDefault:"1h"`

	// DefaultNationality fills a blank nationality cell (default: empty, field required)
	DefaultNationality string `env:"IMPORT_DEFAULT_NATIONALITY"`

	// DefaultOrigin fills a blank origin cell (default: empty, field required)
	DefaultOrigin string `env:"IMPORT_DEFAULT_ORIGIN"`

	// DefaultRoom fills a blank room cell (default: empty, field required)
	DefaultRoom string `env:"IMPORT_DEFAULT_ROOM"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" envDefault:"100"`

	// ImportLimit is requests per minute for import endpoints (default: 10)
	ImportLimit int `env:"RATE_LIMIT_IMPORT" envDefault:"10"`
}

// SecurityConfig holds authentication and hardening settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" envDefault:"true"`

	// JWTSecret signs session tokens (required, at least 32 bytes)
	JWTSecret string `env:"JWT_SECRET,required"`

	// SessionTTL is the lifetime of a session token (default: 8h)
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"8h"`

	// BcryptCost is the password hashing work factor (default: 12)
	BcryptCost int `env:"BCRYPT_COST" envDefault:"12"`

	// MaxLoginAttempts locks an account after this many failures (default: 3)
	MaxLoginAttempts int `env:"MAX_LOGIN_ATTEMPTS" envDefault:"3"`

	// LockoutDuration is how long a locked account stays locked (default: 15m)
	LockoutDuration time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`

	// AdminUsername is the bootstrap administrator created on an empty user table (default: admin)
	AdminUsername string `env:"ADMIN_USERNAME" envDefault:"admin"`

	// AdminPassword is the bootstrap administrator password; no admin is created when empty
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" envDefault:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" envDefault:"text"`

	// File additionally writes logs to this path when set
	File string `env:"LOG_FILE"`
}

// BackupConfig holds scheduled database backup settings.
type BackupConfig struct {
	// Enabled turns the backup scheduler on (default: true)
	Enabled bool `env:"BACKUP_ENABLED" envDefault:"true"`

	// Schedule is a cron expression (default: 03:00 every day)
	Schedule string `env:"BACKUP_SCHEDULE" envDefault:"0 3 * * *"`

	// Dir receives backup files (default: data/backups)
	Dir string `env:"BACKUP_DIR" envDefault:"data/backups"`

	// Keep is the number of most recent backups retained (default: 14)
	Keep int `env:"BACKUP_KEEP" envDefault:"14"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
