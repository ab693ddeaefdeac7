package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/relay/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if len(cfg.Connectivity.URLs) == 0 {
		cfg.Connectivity.URLs = []string{
			"https://www.gstatic.com/generate_204",
			"https://cp.cloudflare.com/generate_204",
		}
	}
	if cfg.Outbox.Policy.MaxAttempts == 0 {
		cfg.Outbox.Policy = domain.DefaultRetryPolicy
	}
	if cfg.Outbox.Policy.BaseDelay == 0 {
		cfg.Outbox.Policy.BaseDelay = domain.DefaultRetryPolicy.BaseDelay
	}
	if cfg.Outbox.Policy.MaxDelay == 0 {
		cfg.Outbox.Policy.MaxDelay = domain.DefaultRetryPolicy.MaxDelay
	}
	if cfg.Outbox.Policy.BackoffMultiple == 0 {
		cfg.Outbox.Policy.BackoffMultiple = domain.DefaultRetryPolicy.BackoffMultiple
	}
	if cfg.Outbox.TickInterval == 0 {
		cfg.Outbox.TickInterval = 30 * time.Second
	}

	if err := cfg.Outbox.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbox policy: %w", err)
	}

	return &cfg, nil
}
