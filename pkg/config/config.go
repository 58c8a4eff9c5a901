package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/thordlink/internal/session"
	"github.com/srg/thordlink/internal/store"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DeviceName     string        `yaml:"device_name" default:"THORD"`
	Address        string        `yaml:"address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	HistoryLimit   int           `yaml:"history_limit" default:"4096"`
	QueueSize      uint32        `yaml:"queue_size" default:"256"`
	Reassemble     bool          `yaml:"reassemble" default:"false"`
	MIDIOutPort    string        `yaml:"midi_out_port"`
	LogLevel       string        `yaml:"log_level" default:"info"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DeviceName == "" && c.Address == "" {
		errs = append(errs, errors.New("device_name or address is required"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("history_limit must not be negative, got %d", c.HistoryLimit))
	}
	if c.QueueSize == 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	lvl, _ := c.Level()
	logger.SetLevel(lvl)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func (c *Config) SessionOptions() session.Options {
	return session.Options{
		DeviceName:     c.DeviceName,
		Address:        c.Address,
		ConnectTimeout: c.ConnectTimeout,
		Reassemble:     c.Reassemble,
	}
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		HistoryLimit: c.HistoryLimit,
		QueueSize:    c.QueueSize,
	}
}
