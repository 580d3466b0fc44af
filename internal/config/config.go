// Package config holds the ioxbled configuration and builds its logger.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ioxble/internal/session"
)

// Supported peripheral backends.
const (
	BackendBlueZ  = "bluez"
	BackendTinyGo = "tinygo"
)

// Defaults.
const (
	DefaultHost               = "0.0.0.0"
	DefaultPort               = "6010"
	DefaultAdapter            = "hci0"
	DefaultLocalName          = "ioxble"
	DefaultCharacteristicUUID = session.DefaultCharacteristicUUID
	DefaultSyncInterval       = time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHistoryLimit       = 100
)

// Config holds all configuration. Defaults come from environment variables
// and can be overridden by command line flags.
type Config struct {
	Host string // HTTP listen host
	Port string // HTTP listen port

	Backend            string        // bluez | tinygo
	Adapter            string        // BlueZ adapter name
	LocalName          string        // advertised local name
	CharacteristicUUID string        // notify/write characteristic
	SyncInterval       time.Duration // sync byte repeat interval
	WriteTimeout       time.Duration // how long a BlueZ write reply may be held

	DBPath       string // SQLite history file, empty disables history
	HistoryLimit int    // default page size of /ioxble/history

	LogLevel  string // debug | info | warn | error
	LogFormat string // console | json
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		Host:               getEnv("IOXBLE_HOST", DefaultHost),
		Port:               getEnv("IOXBLE_PORT", DefaultPort),
		Backend:            getEnv("IOXBLE_BACKEND", BackendBlueZ),
		Adapter:            getEnv("IOXBLE_ADAPTER", DefaultAdapter),
		LocalName:          getEnv("IOXBLE_LOCAL_NAME", DefaultLocalName),
		CharacteristicUUID: getEnv("IOXBLE_CHARACTERISTIC", DefaultCharacteristicUUID),
		SyncInterval:       getEnvDuration("IOXBLE_SYNC_INTERVAL", DefaultSyncInterval),
		WriteTimeout:       getEnvDuration("IOXBLE_WRITE_TIMEOUT", DefaultWriteTimeout),
		DBPath:             getEnv("IOXBLE_DB", ""),
		HistoryLimit:       getEnvInt("IOXBLE_HISTORY_LIMIT", DefaultHistoryLimit),
		LogLevel:           getEnv("IOXBLE_LOG_LEVEL", "info"),
		LogFormat:          getEnv("IOXBLE_LOG_FORMAT", "console"),
	}
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendBlueZ, BackendTinyGo:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendBlueZ, BackendTinyGo)
	}
	if _, err := SanitizeAdapterName(c.Adapter); err != nil {
		return err
	}
	if _, err := uuid.FromString(c.CharacteristicUUID); err != nil {
		return fmt.Errorf("invalid characteristic uuid %q: %w", c.CharacteristicUUID, err)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", c.SyncInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive, got %d", c.HistoryLimit)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q (want console or json)", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = c.LogFormat
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// SanitizeAdapterName validates a BlueZ adapter name to prevent path
// traversal in D-Bus object paths. Empty means hci0.
func SanitizeAdapterName(adapter string) (string, error) {
	if adapter == "" {
		return DefaultAdapter, nil
	}
	clean := filepath.Base(adapter)
	if clean != adapter {
		return "", fmt.Errorf("invalid adapter name: %s", adapter)
	}
	// Only allow lowercase alphanumeric + underscore
	for _, c := range clean {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return "", fmt.Errorf("invalid adapter name: %s", adapter)
		}
	}
	return clean, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		var i int
		if _, err := fmt.Sscanf(val, "%d", &i); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
