package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolbeans/graphharmony/pkg/conflict"
	"github.com/coolbeans/graphharmony/pkg/resolve"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 32, cfg.Path.DefaultMaxDepth)
	assert.Equal(t, 64, cfg.Path.MaxLength)
	assert.Equal(t, 30*time.Second, cfg.Query.Timeout)
	assert.Zero(t, cfg.Validation.Timeout)
	assert.Equal(t, 0.85, cfg.Resolver.FuzzyThreshold)
	assert.Equal(t, conflict.MostRecent, cfg.Conflict.Strategy)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"zero max depth", func(c *Config) { c.Path.DefaultMaxDepth = 0 }, true},
		{"zero max length", func(c *Config) { c.Path.MaxLength = 0 }, true},
		{"negative query timeout", func(c *Config) { c.Query.Timeout = -time.Second }, true},
		{"threshold zero", func(c *Config) { c.Resolver.FuzzyThreshold = 0 }, true},
		{"threshold above one", func(c *Config) { c.Resolver.FuzzyThreshold = 1.1 }, true},
		{"threshold one", func(c *Config) { c.Resolver.FuzzyThreshold = 1 }, false},
		{"unnamed key level", func(c *Config) {
			c.Resolver.KeyLevels = []resolve.KeyLevel{{Properties: []string{"ex:id"}}}
		}, true},
		{"key level without properties", func(c *Config) {
			c.Resolver.KeyLevels = []resolve.KeyLevel{{Name: "id"}}
		}, true},
		{"unknown strategy", func(c *Config) { c.Conflict.Strategy = conflict.Strategy(42) }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"gate threshold above one", func(c *Config) { c.Gates.Thresholds["G0.not_empty"] = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

const sampleConfig = `
path:
  default_max_depth: 8
query:
  timeout: 5s
resolver:
  fuzzy_threshold: 0.9
  key_levels:
    - name: taxId
      properties: [ex:taxId]
    - name: name
      properties: [ex:name]
conflict:
  strategy: source_priority
  source_priority: [crm, erp]
log:
  format: json
metrics:
  enabled: true
gates:
  strict: true
  thresholds:
    G1.class_coverage: 0.5
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, sampleConfig)

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Path.DefaultMaxDepth)
	assert.Equal(t, 64, cfg.Path.MaxLength, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 0.9, cfg.Resolver.FuzzyThreshold)
	require.Len(t, cfg.Resolver.KeyLevels, 2)
	assert.Equal(t, "taxId", cfg.Resolver.KeyLevels[0].Name)
	assert.Equal(t, []string{"ex:name"}, cfg.Resolver.KeyLevels[1].Properties)
	assert.Equal(t, conflict.SourcePriority, cfg.Conflict.Strategy)
	assert.Equal(t, []string{"crm", "erp"}, cfg.Conflict.SourcePriority)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Gates.StrictMode)
	assert.Equal(t, 0.5, cfg.Gates.Thresholds["G1.class_coverage"])
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "conflict:\n  strategy: coin_flip\n")
	_, err = LoadFromFile(bad)
	assert.ErrorContains(t, err, "coin_flip")
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Conflict.Strategy = conflict.Manual
	cfg.Validation.Timeout = 2 * time.Minute

	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.SaveToFile(configPath))

	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, conflict.Manual, loaded.Conflict.Strategy)
	assert.Equal(t, 2*time.Minute, loaded.Validation.Timeout)
	assert.Equal(t, cfg.Path, loaded.Path)
}

func TestMerge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Merge(&Config{
		Path:     PathConfig{MaxLength: 10},
		Conflict: ConflictConfig{Strategy: conflict.Manual},
		Log:      LogConfig{Level: "debug"},
	})

	assert.Equal(t, 32, cfg.Path.DefaultMaxDepth)
	assert.Equal(t, 10, cfg.Path.MaxLength)
	assert.Equal(t, conflict.Manual, cfg.Conflict.Strategy)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	cfg.Merge(nil)
	assert.Equal(t, 10, cfg.Path.MaxLength)
}

func TestLoader_Layers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	work := filepath.Join(project, "sub", "dir")
	require.NoError(t, os.MkdirAll(work, 0755))

	writeFile(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
path:
  default_max_depth: 10
conflict:
  strategy: manual
log:
  level: debug
`)
	// Explicit most_recent in the project file overrides the user's manual.
	writeFile(t, filepath.Join(project, ProjectConfigFile), `
path:
  max_length: 20
conflict:
  strategy: most_recent
`)

	loader := NewLoader(nil)
	loader.homeDir = home
	loader.workDir = work

	cfg, err := loader.Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Path.DefaultMaxDepth, "user layer survives project layer")
	assert.Equal(t, 20, cfg.Path.MaxLength)
	assert.Equal(t, conflict.MostRecent, cfg.Conflict.Strategy)
	assert.Equal(t, "debug", cfg.Log.Level)

	explicit := filepath.Join(t.TempDir(), "run.yaml")
	writeFile(t, explicit, "query:\n  timeout: 1s\n")
	cfg, err = loader.Load(explicit)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Query.Timeout)
	assert.Equal(t, 20, cfg.Path.MaxLength)

	_, err = loader.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_InvalidResult(t *testing.T) {
	work := t.TempDir()
	writeFile(t, filepath.Join(work, ProjectConfigFile), "resolver:\n  fuzzy_threshold: 2\n")

	loader := NewLoader(nil)
	loader.homeDir = t.TempDir()
	loader.workDir = work

	_, err := loader.Load("")
	assert.ErrorContains(t, err, "fuzzy_threshold")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
