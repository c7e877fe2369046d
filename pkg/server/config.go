package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/webchat/pkg/logging"
	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/bcrypt"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Log    LogSection    `toml:"log"`
}

type ServerSection struct {
	HTTPPort       int      `toml:"http_port"`
	MetricsPort    int      `toml:"metrics_port"`
	DatabasePath   string   `toml:"database_path"`
	StaticDir      string   `toml:"static_dir"`
	AdminUsers     []string `toml:"admin_users"`
	AllowedOrigins []string `toml:"allowed_origins"`
	BcryptCost     int      `toml:"bcrypt_cost"`
}

type LimitsSection struct {
	MaxMessageLength    int `toml:"max_message_length"`
	MessageRateLimit    int `toml:"message_rate_limit"`
	SendQueueSize       int `toml:"send_queue_size"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	PongTimeoutSeconds  int `toml:"pong_timeout_seconds"`
	HistoryLimit        int `toml:"history_limit"`
}

type LogSection struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort       int // WebSocket + static page (default 8765)
	MetricsPort    int // Internal /metrics listener (0 = disabled)
	StaticDir      string
	AdminUsers     []string
	AllowedOrigins []string // empty = same-origin only, "*" = any
	BcryptCost     int

	MaxMessageLength int64 // Read limit per inbound frame, in bytes
	MessageRateLimit int   // Inbound frames per minute per connection (0 = unlimited)
	SendQueueSize    int   // Outbound frames buffered per connection
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	HistoryLimit     int // Messages returned by history replies (0 = all)
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8765,
		MetricsPort:      9090,
		BcryptCost:       bcrypt.DefaultCost,
		MaxMessageLength: protocol.MaxFrameSize,
		MessageRateLimit: 120,
		SendQueueSize:    256,
		WriteTimeout:     10 * time.Second,
		PongTimeout:      60 * time.Second,
		HistoryLimit:     50,
	}
}

// PingInterval is how often the write pump pings; it must be shorter than
// the pong timeout
func (c ServerConfig) PingInterval() time.Duration {
	return c.PongTimeout * 9 / 10
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     8765,
			MetricsPort:  9090,
			DatabasePath: "~/.webchat/webchat.db",
			BcryptCost:   bcrypt.DefaultCost,
		},
		Limits: LimitsSection{
			MaxMessageLength:    protocol.MaxFrameSize,
			MessageRateLimit:    120,
			SendQueueSize:       256,
			WriteTimeoutSeconds: 10,
			PongTimeoutSeconds:  60,
			HistoryLimit:        50,
		},
		Log: LogSection{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write the default file we still run with defaults
		config := DefaultTOMLConfig()
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, errors.Wrap(err, "parse config file")
	}

	return applyEnvOverrides(config), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envList(key string, dst *[]string) {
	if val := os.Getenv(key); val != "" {
		items := strings.Split(val, ",")
		for i, item := range items {
			items[i] = strings.TrimSpace(item)
		}
		*dst = items
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: WEBCHAT_SECTION_KEY
// Example: WEBCHAT_SERVER_HTTP_PORT=8080
// PORT is honoured last and wins over WEBCHAT_SERVER_HTTP_PORT.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("WEBCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("WEBCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("WEBCHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("WEBCHAT_SERVER_STATIC_DIR", &config.Server.StaticDir)
	envList("WEBCHAT_SERVER_ADMIN_USERS", &config.Server.AdminUsers)
	envList("WEBCHAT_SERVER_ALLOWED_ORIGINS", &config.Server.AllowedOrigins)
	envInt("WEBCHAT_SERVER_BCRYPT_COST", &config.Server.BcryptCost)
	envInt("PORT", &config.Server.HTTPPort)

	// Limits section
	envInt("WEBCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("WEBCHAT_LIMITS_MESSAGE_RATE_LIMIT", &config.Limits.MessageRateLimit)
	envInt("WEBCHAT_LIMITS_SEND_QUEUE_SIZE", &config.Limits.SendQueueSize)
	envInt("WEBCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("WEBCHAT_LIMITS_PONG_TIMEOUT_SECONDS", &config.Limits.PongTimeoutSeconds)
	envInt("WEBCHAT_LIMITS_HISTORY_LIMIT", &config.Limits.HistoryLimit)

	// Log section
	envString("WEBCHAT_LOG_LEVEL", &config.Log.Level)
	envString("WEBCHAT_LOG_FILE", &config.Log.File)
	envInt("WEBCHAT_LOG_MAX_SIZE_MB", &config.Log.MaxSizeMB)
	envInt("WEBCHAT_LOG_MAX_BACKUPS", &config.Log.MaxBackups)
	envInt("WEBCHAT_LOG_MAX_AGE_DAYS", &config.Log.MaxAgeDays)

	return config
}

const defaultConfigFile = `# WebChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# WEBCHAT_SECTION_KEY (e.g., WEBCHAT_SERVER_HTTP_PORT=8080)
# PORT also overrides http_port

[server]
# Port for the chat page and the /ws WebSocket endpoint
http_port = 8765

# Port for the internal /metrics endpoint (never expose publicly!)
# Set to 0 to disable
metrics_port = 9090

# Path to SQLite database file, or ":memory:" for a non-persistent store
database_path = "~/.webchat/webchat.db"

# Directory containing index.html; the built-in page is served when empty
# static_dir = "./static"

# Usernames that receive the admin role when they register
# admin_users = ["alice", "bob"]

# Origins allowed to open WebSocket connections
# Empty = same origin only, ["*"] = any origin
# allowed_origins = ["https://chat.example.com"]

# bcrypt cost for stored password hashes
bcrypt_cost = 10

[limits]
# Maximum inbound frame size in bytes
max_message_length = 65536

# Maximum inbound frames per minute per connection (0 = unlimited)
# Frames over the limit are dropped silently
message_rate_limit = 120

# Outbound frames buffered per connection before it is evicted as too slow
send_queue_size = 256

# Seconds allowed for a single frame write
write_timeout_seconds = 10

# Seconds without a pong before a connection is considered dead
pong_timeout_seconds = 60

# Messages included in room and private history replies (0 = all)
history_limit = 50

[log]
# debug, info, warn or error
level = "info"

# Rotated log file; stderr only when empty
# file = "~/.webchat/webchat.log"
max_size_mb = 100
max_backups = 3
max_age_days = 28
`

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	if err := os.WriteFile(path, []byte(defaultConfigFile), 0644); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	// 0 is meaningful here: it disables the metrics listener
	cfg.MetricsPort = c.Server.MetricsPort

	if dir := strings.TrimSpace(c.Server.StaticDir); dir != "" {
		if expanded, err := expandHome(dir); err == nil {
			cfg.StaticDir = expanded
		}
	}
	if len(c.Server.AdminUsers) > 0 {
		cfg.AdminUsers = c.Server.AdminUsers
	}
	if len(c.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = c.Server.AllowedOrigins
	}
	if c.Server.BcryptCost >= bcrypt.MinCost && c.Server.BcryptCost <= bcrypt.MaxCost {
		cfg.BcryptCost = c.Server.BcryptCost
	}

	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = int64(c.Limits.MaxMessageLength)
	}
	if c.Limits.MessageRateLimit >= 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.SendQueueSize > 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Limits.PongTimeoutSeconds > 0 {
		cfg.PongTimeout = time.Duration(c.Limits.PongTimeoutSeconds) * time.Second
	}
	if c.Limits.HistoryLimit >= 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}

	return cfg
}

// LogConfig converts the [log] section for logging.New
func (c *TOMLConfig) LogConfig() logging.Config {
	file := c.Log.File
	if file != "" {
		if expanded, err := expandHome(file); err == nil {
			file = expanded
		}
	}
	return logging.Config{
		Level:      c.Log.Level,
		File:       file,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "get home directory")
	}
	return filepath.Join(homeDir, path[2:]), nil
}
