// Package config provides configuration management for robocore.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for robocore.
type Config struct {
	Web     WebConfig     `mapstructure:"web"`
	TCP     TCPConfig     `mapstructure:"tcp"`
	NATS    NATSConfig    `mapstructure:"nats"`
	LLM     LLMConfig     `mapstructure:"llm"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// WebConfig holds the web console HTTP server configuration.
type WebConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// TCPConfig holds the TCP console configuration.
type TCPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory bus driver.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LLMConfig holds the chat-completions backend configuration.
type LLMConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"apiKey"`
	Model  string `mapstructure:"model"`
}

// MCPConfig holds the MCP tool server configuration.
type MCPConfig struct {
	ServerAddr string `mapstructure:"serverAddr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// detectDefaultLogFormat returns "json" for production environments and
// the human-readable console format for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ROBOCORE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Web console defaults
	v.SetDefault("web.host", "0.0.0.0")
	v.SetDefault("web.port", 8080)

	// TCP console defaults
	v.SetDefault("tcp.host", "0.0.0.0")
	v.SetDefault("tcp.port", 9000)

	// NATS defaults - empty URL means use the in-memory bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "robocore")
	v.SetDefault("nats.maxReconnects", 10)

	// LLM backend defaults (LM Studio compatible)
	v.SetDefault("llm.url", "http://localhost:1234")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "default")

	// MCP tool server defaults
	v.SetDefault("mcp.serverAddr", "127.0.0.1:9001")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ROBOCORE_ with snake_case naming;
// the legacy LMSTUDIO_* and ROBOT_MCP_SERVER_ADDR variables are honored as well.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ROBOCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names predate the ROBOCORE_ prefix.
	_ = v.BindEnv("llm.url", "LMSTUDIO_URL", "ROBOCORE_LLM_URL")
	_ = v.BindEnv("llm.apiKey", "LMSTUDIO_API_KEY", "ROBOCORE_LLM_API_KEY")
	_ = v.BindEnv("llm.model", "LMSTUDIO_MODEL", "ROBOCORE_LLM_MODEL")
	_ = v.BindEnv("mcp.serverAddr", "ROBOT_MCP_SERVER_ADDR", "ROBOCORE_MCP_SERVER_ADDR")

	v.SetConfigName("robocore")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/robocore/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
		return fmt.Errorf("invalid web console port: %d", cfg.Web.Port)
	}
	if cfg.TCP.Port <= 0 || cfg.TCP.Port > 65535 {
		return fmt.Errorf("invalid tcp console port: %d", cfg.TCP.Port)
	}
	if cfg.LLM.URL == "" {
		return fmt.Errorf("llm.url must not be empty")
	}
	if cfg.MCP.ServerAddr == "" {
		return fmt.Errorf("mcp.serverAddr must not be empty")
	}
	return nil
}
