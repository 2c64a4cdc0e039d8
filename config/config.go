// Package config loads and validates the server's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pool     PoolConfig     `yaml:"pool"`
	Engine   EngineConfig   `yaml:"engine"`
	Register RegisterConfig `yaml:"register"`
}

type ServerConfig struct {
	Port        int  `yaml:"port"`
	MonitorPort int  `yaml:"monitorPort"`
	Development bool `yaml:"development"`
}

type PoolConfig struct {
	MaxWorkers       int `yaml:"maxWorkers"`
	DefaultBatchSize int `yaml:"defaultBatchSize"`
}

type EngineConfig struct {
	ModelPath  string   `yaml:"modelPath"`
	NamesFile  string   `yaml:"namesFile"`
	Names      []string `yaml:"names"`
	Confidence float32  `yaml:"confidence"`
	Iou        float32  `yaml:"iou"`
	UseGPU     bool     `yaml:"useGPU"`
	InputSize  int      `yaml:"inputSize"`
}

type RegisterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			MonitorPort: 50053,
		},
		Pool: PoolConfig{
			MaxWorkers:       4,
			DefaultBatchSize: 8,
		},
		Engine: EngineConfig{
			Confidence: 0.5,
			Iou:        0.5,
			InputSize:  640,
		},
	}
}

// Load reads path, overlays it on the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first violated constraint by name. Values are
// never clamped silently.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1,65535], got %d", c.Server.Port)
	}
	if c.Server.MonitorPort < 1 || c.Server.MonitorPort > 65535 {
		return fmt.Errorf("server.monitorPort must be in [1,65535], got %d", c.Server.MonitorPort)
	}
	if c.Pool.MaxWorkers < 1 {
		return fmt.Errorf("pool.maxWorkers must be >= 1, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.DefaultBatchSize < 1 {
		return fmt.Errorf("pool.defaultBatchSize must be >= 1, got %d", c.Pool.DefaultBatchSize)
	}
	if c.Engine.Confidence < 0 || c.Engine.Confidence > 1 {
		return fmt.Errorf("engine.confidence must be between 0.0 and 1.0, got %f", c.Engine.Confidence)
	}
	if c.Engine.Iou < 0 || c.Engine.Iou > 1 {
		return fmt.Errorf("engine.iou must be between 0.0 and 1.0, got %f", c.Engine.Iou)
	}
	if c.Engine.InputSize < 1 {
		return fmt.Errorf("engine.inputSize must be >= 1, got %d", c.Engine.InputSize)
	}
	if c.Register.Enabled {
		if c.Register.Host == "" {
			return fmt.Errorf("register.host must be set when register.enabled is true")
		}
		if c.Register.Port < 1 || c.Register.Port > 65535 {
			return fmt.Errorf("register.port must be in [1,65535], got %d", c.Register.Port)
		}
	}
	return nil
}
