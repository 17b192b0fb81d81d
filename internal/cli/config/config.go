package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultServer = "localhost:5080"
	DefaultOutput = "table"
)

// CLIConfig is the configuration for memscope-cli.
type CLIConfig struct {
	Server string `yaml:"server"`
	Output string `yaml:"output"` // table, json, yaml

	// KnownHosts maps a bastion "host:port" to its trusted SHA256
	// fingerprint.
	KnownHosts map[string]string `yaml:"known_hosts,omitempty"`
}

// Default returns the default CLI configuration.
func Default() *CLIConfig {
	return &CLIConfig{
		Server:     DefaultServer,
		Output:     DefaultOutput,
		KnownHosts: make(map[string]string),
	}
}

// DefaultPath returns the default CLI config file path.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".memscope", "cli.yaml")
	}
	return filepath.Join(homeDir, ".memscope", "cli.yaml")
}

// Load reads the config at path. A missing file yields the defaults.
func Load(path string) (*CLIConfig, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.KnownHosts == nil {
		cfg.KnownHosts = make(map[string]string)
	}
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.Output == "" {
		cfg.Output = DefaultOutput
	}
	return cfg, nil
}

// Save writes cfg to path with owner-only permissions.
func Save(cfg *CLIConfig, path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Fingerprint returns the trusted fingerprint for a bastion address.
func (c *CLIConfig) Fingerprint(addr string) string {
	return c.KnownHosts[addr]
}

// Trust records fp as the fingerprint of a bastion address.
func (c *CLIConfig) Trust(addr, fp string) {
	if c.KnownHosts == nil {
		c.KnownHosts = make(map[string]string)
	}
	c.KnownHosts[addr] = fp
}
