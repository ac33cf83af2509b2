package config

import (
	"path/filepath"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultFile is the config file looked up in the working directory
const DefaultFile = "buildpipe.toml"

// Config describes all configuration options
type Config struct {
	File string `usage:"Pipeline file to load (default: search for tasks.star or tasks.yml)"`
	Root string `usage:"Project root (default: the directory containing the pipeline file)"`
	Log  struct {
		Level string `default:"info" usage:"Minimum log level (debug, info, warn, error)"`
		File  string `usage:"Write logs to this file instead of stderr"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	State struct {
		Path     string `default:".buildpipe/state.db" usage:"Task state database, relative to the project root"`
		Disabled bool   `default:"false" usage:"Always run every task"`
	}
	Cache struct {
		Path     string `default:".buildpipe/tasks.cache" usage:"Parsed pipeline cache, relative to the project root"`
		Disabled bool   `default:"false"`
	}
	Watch struct {
		Lull time.Duration `default:"200ms" usage:"Quiet period before file changes are processed"`
	}
	Serve struct {
		Address string `default:"127.0.0.1:9000" usage:"Address the dev server listens on"`
		Root    string `default:"build" usage:"Directory served by the dev server, relative to the project root"`
	}
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Values
// are read from the passed files (or buildpipe.toml) and BUILDPIPE_* environment variables.
// Flags are handled by the CLI.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	if len(files) == 0 {
		files = []string{DefaultFile}
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "BUILDPIPE",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads and validates the configuration
func Load(files ...string) (*Config, error) {
	cfg, loader := Loader(files...)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Watch.Lull < 0 {
		return eris.Errorf(`Invalid value for watch.lull: %s (must not be negative)`, cfg.Watch.Lull)
	}

	if cfg.Serve.Address == "" {
		return eris.New(`serve.address must not be empty`)
	}

	if !cfg.State.Disabled && cfg.State.Path == "" {
		return eris.New(`state.path must not be empty unless state.disabled is set`)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// StatePath returns the absolute path of the state database or "" if it's disabled
func (cfg *Config) StatePath(root string) string {
	if cfg.State.Disabled {
		return ""
	}
	return resolve(root, cfg.State.Path)
}

// CachePath returns the absolute path of the pipeline cache or "" if it's disabled
func (cfg *Config) CachePath(root string) string {
	if cfg.Cache.Disabled || cfg.Cache.Path == "" {
		return ""
	}
	return resolve(root, cfg.Cache.Path)
}

func (cfg *Config) ServeRoot(root string) string {
	return resolve(root, cfg.Serve.Root)
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}
