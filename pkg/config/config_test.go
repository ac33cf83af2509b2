package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	assert.Equal(t, 200*time.Millisecond, cfg.Watch.Lull)
	assert.Equal(t, "127.0.0.1:9000", cfg.Serve.Address)
	assert.Equal(t, filepath.Join("/project", ".buildpipe", "state.db"), cfg.StatePath("/project"))
	assert.Equal(t, filepath.Join("/project", "build"), cfg.ServeRoot("/project"))
}

func TestFileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "buildpipe.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
file = "pipeline/tasks.star"

[log]
level = "debug"

[state]
disabled = true

[serve]
address = ":8080"
root = "/srv/www"
`), 0o600))

	t.Setenv("BUILDPIPE_LOG_LEVEL", "warn")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "pipeline/tasks.star", cfg.File)
	assert.Equal(t, zerolog.WarnLevel, cfg.LogLevel(), "environment overrides the file")
	assert.Equal(t, "", cfg.StatePath("/project"))
	assert.Equal(t, ":8080", cfg.Serve.Address)
	assert.Equal(t, "/srv/www", cfg.ServeRoot("/project"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"log level", func(cfg *Config) { cfg.Log.Level = "loud" }},
		{"lull", func(cfg *Config) { cfg.Watch.Lull = -time.Second }},
		{"address", func(cfg *Config) { cfg.Serve.Address = "" }},
		{"state path", func(cfg *Config) { cfg.State.Path = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, loader := Loader(filepath.Join(t.TempDir(), "missing.toml"))
			require.NoError(t, loader.Load())
			require.NoError(t, cfg.Validate())

			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
