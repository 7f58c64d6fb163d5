// Package kernelconfig provides configuration loading for the kernel
// worker and HTTP service processes.
// Configuration sources (in priority order): env vars > config file > defaults.
package kernelconfig

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/andrewbusc/legatorkernel/internal/contract"
)

// Config holds all process-level configuration for a kernel worker or
// HTTP service instance.
type Config struct {
	// Listen address for the HTTP service (default ":8080").
	ListenAddr string `yaml:"listen_addr"`
	// Content Store driver ("sqlite", "postgres", "mysql").
	StoreDriver string `yaml:"store_driver"`
	// Content Store DSN (a filesystem path for sqlite).
	StoreDSN string `yaml:"store_dsn"`
	// Root directory under which per-project workspaces are created.
	WorkspaceDir string `yaml:"workspace_dir"`

	// Worker node identity and capabilities.
	NodeID       string   `yaml:"node_id"`
	WorkerRole   string   `yaml:"worker_role"`
	Capabilities []string `yaml:"capabilities"`

	// Job lease duration granted on claim, in seconds.
	LeaseSeconds int `yaml:"lease_seconds"`
	// Orphan lease sweep schedule: a Go duration ("30s") or a standard
	// cron expression.
	SweepSchedule string `yaml:"sweep_schedule"`

	// Default execution profile for runs that don't request one.
	DefaultProfile contract.Profile `yaml:"default_profile"`

	// Log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// OTLP gRPC collector endpoint; empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		StoreDriver:    "sqlite",
		StoreDSN:       "/var/lib/legatork/kernel.db",
		WorkspaceDir:   "/var/lib/legatork/workspaces",
		WorkerRole:     "worker",
		LeaseSeconds:   90,
		SweepSchedule:  "30s",
		DefaultProfile: contract.ProfileFull,
		LogLevel:       "info",
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("LEGATOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LEGATOR_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("LEGATOR_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("LEGATOR_WORKSPACE_DIR"); v != "" {
		cfg.WorkspaceDir = v
	}
	if v := os.Getenv("LEGATOR_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("LEGATOR_WORKER_ROLE"); v != "" {
		cfg.WorkerRole = v
	}
	if v := os.Getenv("LEGATOR_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseSeconds = n
		}
	}
	if v := os.Getenv("LEGATOR_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("LEGATOR_DEFAULT_PROFILE"); v != "" {
		cfg.DefaultProfile = contract.Profile(v)
	}
	if v := os.Getenv("LEGATOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LEGATOR_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
