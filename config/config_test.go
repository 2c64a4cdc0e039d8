package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  monitorPort: 9091
pool:
  maxWorkers: 8
  defaultBatchSize: 16
engine:
  modelPath: models/det.onnx
  names: [person, car]
  confidence: 0.3
  iou: 0.45
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
	assert.Equal(t, 16, cfg.Pool.DefaultBatchSize)
	assert.Equal(t, "models/det.onnx", cfg.Engine.ModelPath)
	assert.Equal(t, []string{"person", "car"}, cfg.Engine.Names)
	assert.Equal(t, float32(0.3), cfg.Engine.Confidence)
	// unset fields keep defaults
	assert.Equal(t, 640, cfg.Engine.InputSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"zero workers", func(c *Config) { c.Pool.MaxWorkers = 0 }, "pool.maxWorkers"},
		{"zero batch", func(c *Config) { c.Pool.DefaultBatchSize = 0 }, "pool.defaultBatchSize"},
		{"bad port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"bad confidence", func(c *Config) { c.Engine.Confidence = 1.5 }, "engine.confidence"},
		{"bad iou", func(c *Config) { c.Engine.Iou = -0.1 }, "engine.iou"},
		{"bad input size", func(c *Config) { c.Engine.InputSize = 0 }, "engine.inputSize"},
		{"register without host", func(c *Config) { c.Register.Enabled = true }, "register.host"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSub)
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
