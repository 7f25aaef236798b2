package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/convcache/internal/convert"
	"github.com/ChuLiYu/convcache/internal/process"
	"github.com/ChuLiYu/convcache/internal/worker"
)

const (
	DefaultIndexPath   = ".convcache/index.yaml"
	DefaultOutputDir   = ".convcache/out"
	DefaultTaskTimeout = 2 * time.Minute
	DefaultMetricsPort = 9090
	DefaultHealthPort  = 50051
)

var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Converter struct {
		Executable       string            `yaml:"executable"`
		Args             []string          `yaml:"args"`
		Command          string            `yaml:"command"`
		ToolchainVersion string            `yaml:"toolchain_version"`
		Params           map[string]string `yaml:"params"`
		Workers          int               `yaml:"workers"`
		ReadyTimeout     time.Duration     `yaml:"ready_timeout"`
		ShutdownTimeout  time.Duration     `yaml:"shutdown_timeout"`
		TaskTimeout      time.Duration     `yaml:"task_timeout"`
	} `yaml:"converter"`

	Cache struct {
		IndexPath string `yaml:"index_path"`
		OutputDir string `yaml:"output_dir"`
		OutputExt string `yaml:"output_ext"`
	} `yaml:"cache"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Converter.Command == "" {
		c.Converter.Command = convert.DefaultCommand
	}
	if c.Converter.Workers == 0 {
		c.Converter.Workers = worker.DefaultWorkers
	}
	if c.Converter.ReadyTimeout == 0 {
		c.Converter.ReadyTimeout = process.DefaultReadyTimeout
	}
	if c.Converter.ShutdownTimeout == 0 {
		c.Converter.ShutdownTimeout = process.DefaultShutdownTimeout
	}
	if c.Converter.TaskTimeout == 0 {
		c.Converter.TaskTimeout = DefaultTaskTimeout
	}
	if c.Cache.IndexPath == "" {
		c.Cache.IndexPath = DefaultIndexPath
	}
	if c.Cache.OutputDir == "" {
		c.Cache.OutputDir = DefaultOutputDir
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Converter.Executable == "" {
		errs = append(errs, errors.New("converter.executable is required"))
	}
	if c.Converter.Workers < 0 {
		errs = append(errs, fmt.Errorf("converter.workers must be positive, got %d", c.Converter.Workers))
	}
	for name, d := range map[string]time.Duration{
		"converter.ready_timeout":    c.Converter.ReadyTimeout,
		"converter.shutdown_timeout": c.Converter.ShutdownTimeout,
		"converter.task_timeout":     c.Converter.TaskTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if c.Metrics.Enabled && !validPort(c.Metrics.Port) {
		errs = append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	if c.Health.Enabled && !validPort(c.Health.Port) {
		errs = append(errs, fmt.Errorf("health.port out of range: %d", c.Health.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func (c *Config) poolConfig() worker.PoolConfig {
	return worker.PoolConfig{
		Process: process.Config{
			Executable:      c.Converter.Executable,
			Args:            c.Converter.Args,
			ShutdownTimeout: c.Converter.ShutdownTimeout,
		},
		Workers:      c.Converter.Workers,
		ReadyTimeout: c.Converter.ReadyTimeout,
	}
}

func (c *Config) convertConfig() convert.Config {
	return convert.Config{
		Command:          c.Converter.Command,
		ToolchainVersion: c.Converter.ToolchainVersion,
		Params:           c.Converter.Params,
		OutputDir:        c.Cache.OutputDir,
		OutputExt:        c.Cache.OutputExt,
		IndexPath:        c.Cache.IndexPath,
		TaskTimeout:      c.Converter.TaskTimeout,
	}
}
