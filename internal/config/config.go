// Package config loads the taskflow configuration from YAML and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

const (
	// DefaultAddr is the default operator API listen address.
	DefaultAddr = ":8080"

	// DefaultDataDir holds the event log and the SQLite database.
	DefaultDataDir = "data"

	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the complete process configuration. Engine sections sit at the
// top level of the YAML document next to log, repository and http.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Repository RepositoryConfig `yaml:"repository"`
	HTTP       HTTPConfig       `yaml:"http"`

	Engine taskflow.Config `yaml:",inline"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

type RepositoryConfig struct {
	Backend string `yaml:"backend"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// URL is the Postgres connection string.
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// APIKey enables bearer authentication of the operator API when set.
	APIKey          string        `yaml:"api_key"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration that runs out of DefaultDataDir with the
// embedded SQLite store.
func Default() Config {
	cfg := Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Repository: RepositoryConfig{
			Backend: BackendSQLite,
		},
		HTTP: HTTPConfig{
			Addr:            DefaultAddr,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: taskflow.DefaultConfig(""),
	}
	cfg.SetDataDir(DefaultDataDir)
	return cfg
}

// SetDataDir places the event log and the SQLite file under dir.
func (c *Config) SetDataDir(dir string) {
	c.Engine.EventLog.Dir = filepath.Join(dir, "wal")
	c.Repository.Path = filepath.Join(dir, "taskflow.db")
}

// Load overlays the YAML file at path onto Default. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the process sections and then the engine configuration.
func (c Config) Validate() error {
	switch c.Log.Format {
	case "json", "text":
	default:
		return domain.NewConfigValidationError("log.format", "must be json or text")
	}

	switch c.Repository.Backend {
	case BackendSQLite:
		if c.Repository.Path == "" {
			return domain.NewConfigValidationError("repository.path", "is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Repository.URL == "" {
			return domain.NewConfigValidationError("repository.url", "is required for the postgres backend")
		}
		if c.Repository.MinConns > c.Repository.MaxConns && c.Repository.MaxConns > 0 {
			return domain.NewConfigValidationError("repository.min_conns", "must not exceed max_conns")
		}
	default:
		return domain.NewConfigValidationError("repository.backend",
			fmt.Sprintf("must be %s or %s", BackendSQLite, BackendPostgres))
	}

	if c.HTTP.Addr == "" {
		return domain.NewConfigValidationError("http.addr", "is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return domain.NewConfigValidationError("http.shutdown_timeout", "must be positive")
	}

	return c.Engine.Validate()
}

// ErrUnknownBackend is returned by callers that switch on the backend name.
var ErrUnknownBackend = errors.New("unknown repository backend")
