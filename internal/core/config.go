// Package core assembles the orchestration engine: configuration, secrets,
// capability registration, and run persistence.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bioflow-dev/bioflow/internal/backends/boltz"
	"github.com/bioflow-dev/bioflow/internal/backends/nim"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

// Config is the YAML configuration for bioflow.
type Config struct {
	Batch struct {
		Workers int `yaml:"workers"`
	} `yaml:"batch"`

	Thresholds validate.Thresholds `yaml:"thresholds"`

	Artifacts struct {
		Dir string `yaml:"dir"`
	} `yaml:"artifacts"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	NIM struct {
		nim.Config    `yaml:",inline"`
		MaxConcurrent int `yaml:"max_concurrent"`
	} `yaml:"nim"`

	Boltz boltz.Config `yaml:"boltz"`

	Bioio struct {
		Binary string `yaml:"binary"`
	} `yaml:"bioio"`

	Timeouts struct {
		CloudSeconds    int `yaml:"cloud_seconds"`
		LocalSeconds    int `yaml:"local_seconds"`
		MetadataSeconds int `yaml:"metadata_seconds"`
	} `yaml:"timeouts"`

	Remote struct {
		Host       string `yaml:"host"`
		User       string `yaml:"user"`
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
		Dir        string `yaml:"dir"`
	} `yaml:"remote"`

	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// DefaultConfig returns the working defaults for a fresh install.
func DefaultConfig() Config {
	var cfg Config
	cfg.Batch.Workers = 1
	cfg.Thresholds = validate.DefaultThresholds()
	cfg.Artifacts.Dir = filepath.Join(dataDir(), "artifacts")
	cfg.Store.Path = filepath.Join(dataDir(), "runs.db")
	cfg.NIM.MaxConcurrent = 4
	cfg.NIM.RequestsPerSecond = 1
	cfg.NIM.MaxRetries = 2
	cfg.NIM.Timeout = 5 * time.Minute
	cfg.Boltz.MinFreeVRAMGB = 8
	cfg.Boltz.MaxResidues = 2000
	cfg.Timeouts.CloudSeconds = 300
	cfg.Timeouts.LocalSeconds = 3600
	cfg.Timeouts.MetadataSeconds = 60
	cfg.Telemetry.Enabled = true
	return cfg
}

// LoadConfig reads YAML configuration. An empty path resolves
// $XDG_CONFIG_HOME/bioflow/config.yaml (or ~/.config/bioflow/config.yaml);
// a missing default file yields DefaultConfig, while a missing explicit
// path is an error. Credentials are merged from secrets.env and the
// environment afterwards.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	cfg := DefaultConfig()
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			mergeSecrets(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	mergeSecrets(&cfg)
	return cfg, nil
}

// mergeSecrets pulls credentials from secrets.env and the environment so
// tokens never live in the YAML file.
func mergeSecrets(cfg *Config) {
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("NVIDIA_API_KEY"); v != "" {
		secrets["NVIDIA_API_KEY"] = v
	}
	if key, ok := secrets["NVIDIA_API_KEY"]; ok && key != "" {
		cfg.NIM.APIKey = key
	}
}

// WriteDefault writes the default config and a secrets template, refusing
// to overwrite existing files.
func WriteDefault() (string, error) {
	dir := configDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mkdir config dir: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config already exists: %s", path)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	secretsPath := filepath.Join(dir, "secrets.env")
	if _, err := os.Stat(secretsPath); os.IsNotExist(err) {
		template := "# KEY=VALUE pairs, one per line\n# NVIDIA_API_KEY=\n"
		if err := os.WriteFile(secretsPath, []byte(template), 0o600); err != nil {
			return "", fmt.Errorf("write secrets template: %w", err)
		}
	}
	return path, nil
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "bioflow")
}

func dataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "bioflow")
}
