// Package config loads the CELERIX_* environment shared by the CLI and the daemon.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the process configuration. CLI flags override individual fields.
type Config struct {
	Store      string   `env:"CELERIX_STORE" envDefault:"memory" validate:"oneof=memory sqlite"`
	DataDir    string   `env:"CELERIX_DATA_DIR" envDefault:"./data" validate:"required"`
	SQLitePath string   `env:"CELERIX_SQLITE_PATH"`
	Modules    []string `env:"CELERIX_MODULES" envSeparator:","`

	ArchiveBackend string `env:"CELERIX_ARCHIVE" envDefault:"dir" validate:"oneof=dir badger"`
	ArchiveDir     string `env:"CELERIX_ARCHIVE_DIR"`

	Dangling       string `env:"CELERIX_DANGLING" envDefault:"keep" validate:"oneof=keep null drop"`
	SealExports    bool   `env:"CELERIX_SEAL_EXPORTS"`
	SealPassphrase string `env:"CELERIX_SEAL_PASSPHRASE" validate:"required_if=SealExports true"`

	HTTPAddr        string        `env:"CELERIX_HTTP_ADDR" envDefault:":7002" validate:"required"`
	ShutdownTimeout time.Duration `env:"CELERIX_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// ControlAddr enables the line protocol listener when set.
	ControlAddr     string `env:"CELERIX_CONTROL_ADDR"`
	ControlMaxConns int    `env:"CELERIX_CONTROL_MAX_CONNS" envDefault:"100" validate:"min=1"`
	ControlTLSCert  string `env:"CELERIX_CONTROL_TLS_CERT" validate:"required_with=ControlTLSKey"`
	ControlTLSKey   string `env:"CELERIX_CONTROL_TLS_KEY" validate:"required_with=ControlTLSCert"`

	LogLevel  string `env:"CELERIX_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"CELERIX_LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints. Call it again after applying flag overrides.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ArchivePath returns the archive location, defaulting to a directory under DataDir.
func (c Config) ArchivePath() string {
	if c.ArchiveDir != "" {
		return c.ArchiveDir
	}
	return filepath.Join(c.DataDir, "snapshots")
}

// EnabledModules returns the module allow-list, or nil when every module is enabled.
func (c Config) EnabledModules() []string {
	if len(c.Modules) == 0 {
		return nil
	}
	return c.Modules
}
