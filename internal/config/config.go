// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	Server struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`

	Database struct {
		Path string `json:"path"`
	} `json:"database"`

	Environment string `json:"environment"` // development, production
	LogLevel    string `json:"log_level"`   // debug, info, warn, error

	Refresh struct {
		DelayMS      int `json:"delay_ms"`
		RetryDelayMS int `json:"retry_delay_ms"`
	} `json:"refresh"`

	Cache struct {
		ContentItems int `json:"content_items"`
		BaseItems    int `json:"base_items"`
	} `json:"cache"`

	Ignore []string `json:"ignore"`

	Compression struct {
		MinSize int `json:"min_size"`
		Level   int `json:"level"`
	} `json:"compression"`
}

func Default() *Config {
	var c Config
	c.Server.Host = "localhost"
	c.Server.Port = 8080
	c.Database.Path = ".clsync/db"
	c.Environment = "development"
	c.LogLevel = "info"
	c.Refresh.DelayMS = 300
	c.Refresh.RetryDelayMS = 1000
	c.Cache.ContentItems = 1000
	c.Cache.BaseItems = 256
	c.Compression.MinSize = 1024
	c.Compression.Level = 2
	return &c
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Refresh.DelayMS <= 0 {
		return fmt.Errorf("refresh delay must be positive")
	}
	if c.Refresh.RetryDelayMS <= 0 {
		return fmt.Errorf("refresh retry delay must be positive")
	}
	if c.Cache.ContentItems <= 0 || c.Cache.BaseItems <= 0 {
		return fmt.Errorf("cache sizes must be positive")
	}
	if c.Compression.MinSize < 0 {
		return fmt.Errorf("compression min size cannot be negative")
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

func (c *Config) RefreshDelay() time.Duration {
	return time.Duration(c.Refresh.DelayMS) * time.Millisecond
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Refresh.RetryDelayMS) * time.Millisecond
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getConfigPath() string {
	env := os.Getenv("CLSYNC_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return config, nil
}

// FromEnv loads the file selected by CLSYNC_ENV, or the defaults when
// there is none.
func FromEnv() (*Config, error) {
	config, err := Load(getConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return config, err
}
