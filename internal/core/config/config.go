package config

import (
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/connectivity"
	"github.com/vietddude/relay/internal/infra/store"
	"github.com/vietddude/relay/internal/processor"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig             `yaml:"server"`
	Logging      LoggingConfig            `yaml:"logging"`
	Store        StoreConfig              `yaml:"store"`
	Connectivity connectivity.ProbeConfig `yaml:"connectivity"`
	API          processor.APIConfig      `yaml:"api"`
	Outbox       OutboxConfig             `yaml:"outbox"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// StoreConfig selects and configures the durable backend.
type StoreConfig struct {
	Backend  string               `yaml:"backend"` // memory, file, redis, postgres
	FilePath string               `yaml:"file_path"`
	Redis    store.RedisConfig    `yaml:"redis"`
	Postgres store.PostgresConfig `yaml:"postgres"`
}

// OutboxConfig holds queue behavior settings.
type OutboxConfig struct {
	Policy       domain.RetryPolicy `yaml:"policy"`
	TickInterval time.Duration      `yaml:"tick_interval"` // periodic drain re-check
}
