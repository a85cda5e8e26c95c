package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Name    string `yaml:"name"`
	Polling struct {
		Interval  time.Duration `yaml:"interval"`
		BatchSize int           `yaml:"batchSize"`
	} `yaml:"polling"`
	Origins []string      `yaml:"origins" env:"SAMPLE_ORIGINS"`
	Timeout time.Duration `yaml:"timeout" env:"SAMPLE_TIMEOUT"`
	Skipped string        `yaml:"skipped" env:"-"`
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: from-file
polling:
  interval: 90s
  batchSize: 10
timeout: 2s
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("POLLING_BATCHSIZE", "25")
	t.Setenv("SAMPLE_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("SAMPLE_TIMEOUT", "5m")
	t.Setenv("SKIPPED", "ignored")

	var cfg sampleConfig
	require.NoError(t, LoadConfig(&cfg))

	assert.Equal(t, "from-file", cfg.Name)
	assert.Equal(t, 90*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 25, cfg.Polling.BatchSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins)
	assert.Equal(t, 5*time.Minute, cfg.Timeout)
	assert.Empty(t, cfg.Skipped)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	require.Error(t, LoadConfig(nil))

	var notStruct int
	require.Error(t, LoadConfig(&notStruct))

	t.Setenv("SAMPLE_TIMEOUT", "soon")
	var cfg sampleConfig
	require.Error(t, LoadConfig(&cfg))
}

func TestLoaderUsesInjectedLookup(t *testing.T) {
	env := map[string]string{
		"NAME":               "from-map",
		"POLLING_INTERVAL":   "15s",
		"SAMPLE_ORIGINS":     "https://a.example",
		"UNRELATED_VARIABLE": "x",
	}
	loader := NewLoader(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	var cfg sampleConfig
	require.NoError(t, loader.Load(&cfg))
	assert.Equal(t, "from-map", cfg.Name)
	assert.Equal(t, 15*time.Second, cfg.Polling.Interval)
	assert.Equal(t, []string{"https://a.example"}, cfg.Origins)
}
