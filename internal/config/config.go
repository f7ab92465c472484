// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultHistoryLimit = 50

// Config holds all application configuration.
type Config struct {
	Homeserver     string         `yaml:"homeserver"`
	Username       string         `yaml:"username"`
	RoomID         string         `yaml:"room_id"`
	Web            WebConfig      `yaml:"web"`
	MessageHistory HistoryConfig  `yaml:"message_history"`
	Store          StoreConfig    `yaml:"store"`
	Database       DatabaseConfig `yaml:"database"`
}

// WebConfig configures the HTTP listener and its optional header auth.
type WebConfig struct {
	Host string      `yaml:"host"`
	Port string      `yaml:"port"`
	Auth *AuthConfig `yaml:"auth"`
}

// AuthConfig gates API access behind a shared header value. Only the
// SHA-256 of the expected value lives in the config file; generate it
// with the hash-tool binary.
type AuthConfig struct {
	HeaderName      string `yaml:"header_name"`
	HeaderValueHash string `yaml:"header_value_hash"`
}

// HistoryConfig bounds the in-memory message history.
type HistoryConfig struct {
	Limit int `yaml:"limit"`
}

// StoreConfig locates the Matrix engine's local state database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig locates the credential vault database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Load reads configuration from the first config file found in the default
// locations, then applies environment variable overrides. MATRIX_WEB_CONFIG
// pins an explicit file path.
func Load() (*Config, error) {
	if path := os.Getenv("MATRIX_WEB_CONFIG"); path != "" {
		return LoadFile(path)
	}

	for _, path := range defaultLocations() {
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("no config file found in default locations (tried: %s)",
		strings.Join(defaultLocations(), ", "))
}

// LoadFile reads configuration from the given YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: "8080",
		},
		MessageHistory: HistoryConfig{Limit: defaultHistoryLimit},
		Store:          StoreConfig{Path: "./data/matrix-store.db"},
		Database:       DatabaseConfig{Path: "./data/credentials.db"},
	}
}

func defaultLocations() []string {
	locations := []string{"/config.yaml", "./config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".config", "matrix-web", "config.yaml"))
	}
	return append(locations, "/etc/matrix-web/config.yaml")
}

// applyEnv overrides file values from environment variables.
func (c *Config) applyEnv() {
	c.Homeserver = getEnv("MATRIX_WEB_HOMESERVER", c.Homeserver)
	c.Username = getEnv("MATRIX_WEB_USERNAME", c.Username)
	c.RoomID = getEnv("MATRIX_WEB_ROOM_ID", c.RoomID)
	c.Web.Host = getEnv("MATRIX_WEB_HOST", c.Web.Host)
	c.Web.Port = getEnv("MATRIX_WEB_PORT", c.Web.Port)
	c.Store.Path = getEnv("MATRIX_WEB_STORE_PATH", c.Store.Path)
	c.Database.Path = getEnv("MATRIX_WEB_DB_PATH", c.Database.Path)
	c.MessageHistory.Limit = getEnvInt("MATRIX_WEB_HISTORY_LIMIT", c.MessageHistory.Limit)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("homeserver cannot be empty")
	}
	if c.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if c.RoomID == "" {
		return fmt.Errorf("room_id cannot be empty")
	}
	if c.Web.Port == "" {
		return fmt.Errorf("web.port cannot be empty")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if c.MessageHistory.Limit <= 0 {
		return fmt.Errorf("message_history.limit must be > 0")
	}
	if c.Web.Auth != nil {
		if c.Web.Auth.HeaderName == "" {
			return fmt.Errorf("web.auth.header_name cannot be empty")
		}
		if c.Web.Auth.HeaderValueHash == "" {
			return fmt.Errorf("web.auth.header_value_hash cannot be empty")
		}
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Web.Host + ":" + c.Web.Port
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
