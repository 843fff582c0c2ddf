// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/dump-viewer/internal/classify"
)

// Dump server runtimes.
const (
	RuntimeExec   = "exec"
	RuntimeDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	WebPort         int             `yaml:"web_port"`
	DumpHost        string          `yaml:"dump_host"`
	DumpPort        int             `yaml:"dump_port"`
	AutoOpen        bool            `yaml:"auto_open"`
	MaxDumps        int             `yaml:"max_dumps"`
	DumpRetention   time.Duration   `yaml:"dump_retention"`
	PHPVendorPath   string          `yaml:"php_vendor_path"`
	PHPBinary       string          `yaml:"php_binary"`
	ComposerBinary  string          `yaml:"composer_binary"`
	Runtime         string          `yaml:"runtime"`
	DockerImage     string          `yaml:"docker_image"`
	CategoryMode    string          `yaml:"category_mode"`
	MaxPendingBytes int             `yaml:"max_pending_bytes"`
	HealthGRPCPort  int             `yaml:"health_grpc_port"`
	CORSOrigins     []string        `yaml:"cors_origins"`
	Journal         JournalConfig   `yaml:"journal"`
	WebSocket       WebSocketConfig `yaml:"websocket"`
	Log             LogConfig       `yaml:"log"`
}

// JournalConfig controls the SQLite lifecycle journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WebSocketConfig tunes browser sessions.
type WebSocketConfig struct {
	QueueSize int     `yaml:"queue_size"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WebPort:         3000,
		DumpHost:        "127.0.0.1",
		DumpPort:        9912,
		AutoOpen:        true,
		MaxDumps:        1000,
		PHPBinary:       "php",
		ComposerBinary:  "composer",
		Runtime:         RuntimeExec,
		DockerImage:     "php:8.3-cli",
		CategoryMode:    string(classify.ModeGeneric),
		MaxPendingBytes: 16 << 20,
		CORSOrigins:     []string{"*"},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "./data/dumpviewer.db",
		},
		WebSocket: WebSocketConfig{
			QueueSize: 256,
			RateLimit: 20,
			RateBurst: 40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the optional CONFIG_FILE, then from
// environment variables, which take precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.WebPort = getEnvInt("WEB_PORT", c.WebPort)
	c.DumpHost = getEnv("DUMP_HOST", c.DumpHost)
	c.DumpPort = getEnvInt("DUMP_PORT", c.DumpPort)
	c.AutoOpen = getEnvBool("AUTO_OPEN", c.AutoOpen)
	c.MaxDumps = getEnvInt("MAX_DUMPS", c.MaxDumps)
	c.DumpRetention = getEnvDuration("DUMP_RETENTION", c.DumpRetention)
	c.PHPVendorPath = getEnv("PHP_VENDOR_PATH", c.PHPVendorPath)
	c.PHPBinary = getEnv("PHP_BINARY", c.PHPBinary)
	c.ComposerBinary = getEnv("COMPOSER_BINARY", c.ComposerBinary)
	c.Runtime = strings.ToLower(getEnv("DUMP_RUNTIME", c.Runtime))
	c.DockerImage = getEnv("DUMP_DOCKER_IMAGE", c.DockerImage)
	c.CategoryMode = strings.ToLower(getEnv("CATEGORY_MODE", c.CategoryMode))
	c.MaxPendingBytes = getEnvInt("MAX_PENDING_BYTES", c.MaxPendingBytes)
	c.HealthGRPCPort = getEnvInt("HEALTH_GRPC_PORT", c.HealthGRPCPort)
	c.CORSOrigins = getEnvList("CORS_ORIGINS", c.CORSOrigins)
	c.Journal.Enabled = getEnvBool("JOURNAL_ENABLED", c.Journal.Enabled)
	c.Journal.Path = getEnv("JOURNAL_PATH", c.Journal.Path)
	c.WebSocket.QueueSize = getEnvInt("WS_QUEUE_SIZE", c.WebSocket.QueueSize)
	c.WebSocket.RateLimit = getEnvFloat("WS_RATE_LIMIT", c.WebSocket.RateLimit)
	c.WebSocket.RateBurst = getEnvInt("WS_RATE_BURST", c.WebSocket.RateBurst)
	c.Log.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Log.Format))
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if err := validPort("WEB_PORT", c.WebPort); err != nil {
		return err
	}
	if err := validPort("DUMP_PORT", c.DumpPort); err != nil {
		return err
	}
	if c.DumpHost == "" {
		return fmt.Errorf("DUMP_HOST cannot be empty")
	}
	if c.MaxDumps <= 0 {
		return fmt.Errorf("MAX_DUMPS must be > 0")
	}
	if c.DumpRetention < 0 {
		return fmt.Errorf("DUMP_RETENTION must be >= 0")
	}
	if c.Runtime != RuntimeExec && c.Runtime != RuntimeDocker {
		return fmt.Errorf("DUMP_RUNTIME must be %q or %q, got %q", RuntimeExec, RuntimeDocker, c.Runtime)
	}
	if c.Runtime == RuntimeExec && c.PHPBinary == "" {
		return fmt.Errorf("PHP_BINARY cannot be empty")
	}
	if c.Runtime == RuntimeDocker && c.DockerImage == "" {
		return fmt.Errorf("DUMP_DOCKER_IMAGE cannot be empty")
	}
	if _, err := classify.ParseMode(c.CategoryMode); err != nil {
		return fmt.Errorf("CATEGORY_MODE: %w", err)
	}
	if c.MaxPendingBytes <= 0 {
		return fmt.Errorf("MAX_PENDING_BYTES must be > 0")
	}
	if c.HealthGRPCPort != 0 {
		if err := validPort("HEALTH_GRPC_PORT", c.HealthGRPCPort); err != nil {
			return err
		}
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("JOURNAL_PATH cannot be empty when the journal is enabled")
	}
	if c.WebSocket.QueueSize <= 0 {
		return fmt.Errorf("WS_QUEUE_SIZE must be > 0")
	}
	if c.WebSocket.RateBurst <= 0 {
		return fmt.Errorf("WS_RATE_BURST must be > 0")
	}
	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("CORS_ORIGINS cannot be empty")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
