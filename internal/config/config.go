// Package config handles loading and parsing of bleepfs configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectionStringEnv overrides storage.connection_string so credentials need
// not be written to the config file.
const ConnectionStringEnv = "BLEEPFS_CONNECTION_STRING"

// Config is the top-level configuration for bleepfs.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	Uploads       UploadsConfig       `yaml:"uploads"`
	Website       WebsiteConfig       `yaml:"website"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds how long in-flight requests may run after a
	// shutdown signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadSize caps the body of a direct write or a single chunk.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds the backend connection and the storage context tuning.
type StorageConfig struct {
	// ConnectionString is the Key=Value;... descriptor naming the backend.
	ConnectionString string        `yaml:"connection_string"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// CacheTTL is the metadata cache lifetime. Negative disables the cache.
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// UploadsConfig controls chunked upload sessions.
type UploadsConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// WebsiteConfig holds the documents used when static website hosting is
// switched on.
type WebsiteConfig struct {
	IndexDocument    string `yaml:"index_document"`
	ErrorDocument404 string `yaml:"error_document_404"`
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to bleepfs.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepfs.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepfs.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if v := os.Getenv(ConnectionStringEnv); v != "" {
		cfg.Storage.ConnectionString = v
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadSize:   256 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			OperationTimeout: 30 * time.Second,
			CacheTTL:         5 * time.Second,
			RetryAttempts:    3,
			RetryDelay:       200 * time.Millisecond,
		},
		Uploads: UploadsConfig{
			IdleTimeout:  15 * time.Minute,
			ReapInterval: time.Minute,
		},
		Website: WebsiteConfig{
			IndexDocument:    "index.html",
			ErrorDocument404: "404.html",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = def.Server.MaxUploadSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Storage.OperationTimeout == 0 {
		cfg.Storage.OperationTimeout = def.Storage.OperationTimeout
	}
	if cfg.Storage.RetryAttempts == 0 {
		cfg.Storage.RetryAttempts = def.Storage.RetryAttempts
	}
	if cfg.Storage.RetryDelay == 0 {
		cfg.Storage.RetryDelay = def.Storage.RetryDelay
	}
	if cfg.Uploads.IdleTimeout == 0 {
		cfg.Uploads.IdleTimeout = def.Uploads.IdleTimeout
	}
	if cfg.Uploads.ReapInterval == 0 {
		cfg.Uploads.ReapInterval = def.Uploads.ReapInterval
	}
	if cfg.Website.IndexDocument == "" {
		cfg.Website.IndexDocument = def.Website.IndexDocument
	}
	if cfg.Website.ErrorDocument404 == "" {
		cfg.Website.ErrorDocument404 = def.Website.ErrorDocument404
	}
}

// Validate reports settings that would stop the server from starting.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.ConnectionString == "" {
		errs = append(errs, fmt.Errorf("storage.connection_string is required (or set %s)", ConnectionStringEnv))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Storage.OperationTimeout < 0 || c.Storage.RetryDelay < 0 || c.Storage.RetryAttempts < 0 {
		errs = append(errs, errors.New("storage timeouts and retry settings must not be negative"))
	}
	if c.Uploads.IdleTimeout < 0 || c.Uploads.ReapInterval < 0 {
		errs = append(errs, errors.New("uploads durations must not be negative"))
	}
	if c.Server.MaxUploadSize < 0 {
		errs = append(errs, errors.New("server.max_upload_size must not be negative"))
	}
	return errors.Join(errs...)
}
