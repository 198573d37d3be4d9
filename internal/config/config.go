// Package config provides configuration parsing and validation for Diglett.
package config

import (
	"fmt"
	"os"

	"github.com/postalsys/diglett/internal/transport"
	"gopkg.in/yaml.v3"
)

// LogConfig contains logging settings shared by agent and server.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// AgentConfig is the configuration for the agent process.
type AgentConfig struct {
	// Gateway is the address of the public gateway to dial.
	Gateway string `yaml:"gateway"`

	// Backend is the address of the local service to expose.
	Backend string `yaml:"backend"`

	// Name is the domain name to register with the gateway.
	Name string `yaml:"name"`

	// Token is the authentication token sent at login. May be empty.
	Token string `yaml:"token"`

	Transport transport.Config `yaml:"transport"`
	Log       LogConfig        `yaml:"log"`
}

// ServerConfig is the configuration for the gateway process.
type ServerConfig struct {
	// Listen is the address agents connect to.
	Listen string `yaml:"listen"`

	// MetricsListen serves Prometheus metrics over HTTP when set.
	MetricsListen string `yaml:"metrics_listen"`

	Transport transport.Config `yaml:"transport"`
	Log       LogConfig        `yaml:"log"`
}

// DefaultAgentConfig returns an agent configuration with defaults applied.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Gateway: "127.0.0.1:20000",
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultServerConfig returns a server configuration with defaults applied.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen: ":20000",
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadServer reads and validates a server configuration file.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks the agent configuration for missing or invalid fields.
func (c *AgentConfig) Validate() error {
	if c.Gateway == "" {
		return fmt.Errorf("gateway address is required")
	}
	if c.Backend == "" {
		return fmt.Errorf("backend address is required")
	}
	if c.Name == "" {
		return fmt.Errorf("domain name is required")
	}
	return c.Transport.Validate()
}

// Validate checks the server configuration for missing or invalid fields.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	return c.Transport.Validate()
}
