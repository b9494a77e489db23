// Package config provides configuration loading and structs for the context-ta server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
)

// Config holds all configuration for the application. Every field can be set from the
// YAML file and overridden by its environment variable.
type Config struct {
	Debug        bool             `yaml:"debug" env:"DEBUG"`
	ErrorLogPath string           `yaml:"error_log_path" env:"ERROR_LOG_PATH"`
	Server       ServerConfig     `yaml:"server"`
	Storage      StorageConfig    `yaml:"storage"`
	Completion   CompletionConfig `yaml:"completion"`
	Auth         AuthConfig       `yaml:"auth"`
	Secrets      SecretsConfig    `yaml:"secrets"`
	Search       SearchConfig     `yaml:"search"`
	Import       ImportConfig     `yaml:"import"`
	Identity     IdentityConfig   `yaml:"identity"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects and configures the storage driver.
type StorageConfig struct {
	Driver        string `yaml:"driver" env:"STORAGE_DRIVER"`
	MongoURI      string `yaml:"mongo_uri" env:"MONGODB_URI"`
	MongoUsername string `yaml:"mongo_username" env:"MONGODB_USERNAME"`
	MongoPassword string `yaml:"mongo_password" env:"MONGODB_PASSWORD"`
	MongoHost     string `yaml:"mongo_host" env:"MONGODB_HOST"`
	MongoDatabase string `yaml:"mongo_database" env:"MONGODB_DATABASE"`
	SQLitePath    string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

// CompletionConfig holds completion service settings.
type CompletionConfig struct {
	APIKey  string        `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model   string        `yaml:"model" env:"OPENAI_MODEL"`
	BaseURL string        `yaml:"base_url" env:"OPENAI_BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"COMPLETION_TIMEOUT"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	Domain        string `yaml:"domain" env:"AUTH0_DOMAIN"`
	Audience      string `yaml:"audience" env:"AUTH0_AUDIENCE"`
	SigningKey    string `yaml:"signing_key" env:"AUTH_SIGNING_KEY"`
	PublicKeyPath string `yaml:"public_key_path" env:"AUTH_PUBLIC_KEY_PATH"`
}

// Configured reports whether a verification key is set.
func (a AuthConfig) Configured() bool {
	return a.SigningKey != "" || a.PublicKeyPath != ""
}

// SecretsConfig controls the startup secrets bootstrap.
type SecretsConfig struct {
	Enabled  bool   `yaml:"enabled" env:"SECRETS_ENABLED"`
	Name     string `yaml:"name" env:"AWS_SECRET_NAME"`
	Region   string `yaml:"region" env:"AWS_REGION"`
	Endpoint string `yaml:"endpoint" env:"AWS_ENDPOINT_URL"`
}

// SearchConfig holds entry search settings.
type SearchConfig struct {
	IndexPath    string `yaml:"index_path" env:"SEARCH_INDEX_PATH"`
	DefaultLimit int    `yaml:"default_limit" env:"SEARCH_DEFAULT_LIMIT"`
}

// ImportConfig holds the import inbox settings.
type ImportConfig struct {
	Directory  string   `yaml:"directory" env:"IMPORT_DIR"`
	UserID     string   `yaml:"user_id" env:"IMPORT_USER_ID"`
	Extensions []string `yaml:"extensions"`
	Recursive  *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *ImportConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// IdentityConfig bounds external id generation.
type IdentityConfig struct {
	MaxAttempts int `yaml:"max_attempts" env:"IDENTITY_MAX_ATTEMPTS"`
}

// Load reads the config file at path when it exists, then applies environment overrides,
// defaults and path expansion. Without a file the configuration comes from the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	configDir := "."
	if path != "" {
		configDir = filepath.Dir(path)
	}

	if _, statErr := os.Stat(path); path != "" && statErr == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	ApplyDefaults(&cfg)

	cfg.Storage.SQLitePath = expandPath(cfg.Storage.SQLitePath, configDir)
	cfg.Search.IndexPath = expandPath(cfg.Search.IndexPath, configDir)
	cfg.Import.Directory = expandPath(cfg.Import.Directory, configDir)
	if cfg.ErrorLogPath != "" {
		cfg.ErrorLogPath = expandPath(cfg.ErrorLogPath, configDir)
	}
	if cfg.Auth.PublicKeyPath != "" {
		cfg.Auth.PublicKeyPath = expandPath(cfg.Auth.PublicKeyPath, configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMongo:
		if c.Storage.MongoURI == "" {
			errs = append(errs, errors.New("storage: MONGODB_URI or MONGODB_HOST is required for the mongo driver"))
		}
	case DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: port %d out of range", c.Server.Port))
	}
	if c.Completion.Timeout < 0 {
		errs = append(errs, errors.New("completion: timeout must not be negative"))
	}
	if c.Identity.MaxAttempts < 0 {
		errs = append(errs, errors.New("identity: max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// composeMongoURI builds an SRV connection string from its parts.
func composeMongoURI(username, password, host string) string {
	u := url.URL{
		Scheme:   "mongodb+srv",
		Host:     host,
		Path:     "/",
		RawQuery: "retryWrites=true&w=majority",
	}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String()
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// "~/" and other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}
