// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Swarm       SwarmConfig       `yaml:"swarm"`
	Registry    RegistryConfig    `yaml:"registry"`
	StatsMirror StatsMirrorConfig `yaml:"stats_mirror"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	ListenHost      string `yaml:"listen_host"`
	Port            int    `yaml:"port"`
	Hostname        string `yaml:"hostname"`
	DetectPublicIP  bool   `yaml:"detect_public_ip"`
	TLSCert         string `yaml:"tls_cert"`
	TLSKey          string `yaml:"tls_key"`
	WriterDir       string `yaml:"writer_dir"`
}

// SwarmConfig holds discovery/transport settings for internal/swarm.
type SwarmConfig struct {
	Mode        string `yaml:"mode"` // "hyperswarm" (default, out of scope primitive) or "quic-direct"
	DirectAddr  string `yaml:"direct_addr"`
	TopicSeed   string `yaml:"topic_seed"`
}

// RegistryConfig holds optional Postgres audit-trail settings.
type RegistryConfig struct {
	DSN string `yaml:"dsn"`
}

// StatsMirrorConfig holds optional Redis mirror settings.
type StatsMirrorConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	Channel  string        `yaml:"channel"`
	TTL      time.Duration `yaml:"ttl"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads a YAML config file, applies environment overrides, fills in
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	c.applyEnvOverrides()
	c.setDefaults()

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &c, nil
}

// applyEnvOverrides mirrors spec.md §6: GATEWAY_PORT, GATEWAY_HOSTNAME,
// GATEWAY_LISTEN_HOST, GATEWAY_DETECT_PUBLIC_IP override the loaded file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_HOSTNAME"); v != "" {
		c.Server.Hostname = v
	}
	if v := os.Getenv("GATEWAY_LISTEN_HOST"); v != "" {
		c.Server.ListenHost = v
	}
	if v := os.Getenv("GATEWAY_DETECT_PUBLIC_IP"); v != "" {
		c.Server.DetectPublicIP = v == "1" || v == "true"
	}
}

func (c *Config) setDefaults() {
	if c.Server.ListenHost == "" {
		c.Server.ListenHost = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8443
	}
	if c.Server.WriterDir == "" {
		c.Server.WriterDir = "./writer-dir"
	}

	if c.Swarm.Mode == "" {
		c.Swarm.Mode = "hyperswarm"
	}
	if c.Swarm.TopicSeed == "" {
		c.Swarm.TopicSeed = "hypertuna-relay-network"
	}

	if c.StatsMirror.Key == "" {
		c.StatsMirror.Key = "hypertuna:gateway:network_stats"
	}
	if c.StatsMirror.Channel == "" {
		c.StatsMirror.Channel = "gateway:stats"
	}
	if c.StatsMirror.TTL == 0 {
		c.StatsMirror.TTL = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 10
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Swarm.Mode != "hyperswarm" && c.Swarm.Mode != "quic-direct" {
		return fmt.Errorf("invalid swarm mode: %s", c.Swarm.Mode)
	}
	if c.Swarm.Mode == "quic-direct" && c.Swarm.DirectAddr == "" {
		return fmt.Errorf("swarm.direct_addr is required in quic-direct mode")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}

// Default returns a ready-to-edit default configuration, used by the CLI's
// --gen-config flag.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// WriteFile marshals a config struct to a YAML file.
func WriteFile(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
