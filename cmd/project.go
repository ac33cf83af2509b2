package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/ngld/buildpipe/pkg/config"
	"github.com/ngld/buildpipe/pkg/stages"
	"github.com/ngld/buildpipe/pkg/state"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// project bundles everything a command needs to work with the loaded pipeline
type project struct {
	cfg      *config.Config
	logger   zerolog.Logger
	file     string
	root     string
	pipeline *buildsys.Config
	orch     *buildsys.Orchestrator
	store    *state.Store
	closers  []io.Closer
}

func (p *project) Close() {
	for idx := len(p.closers) - 1; idx >= 0; idx-- {
		p.closers[idx].Close()
	}
	p.closers = nil
}

// splitArgs separates KEY=VALUE options from task names
func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

func loadSettings() (*config.Config, error) {
	files := []string{}
	if flags.config != "" {
		if _, err := os.Stat(flags.config); err != nil {
			return nil, eris.Wrapf(err, "failed to open config file %s", flags.config)
		}
		files = append(files, flags.config)
	}

	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}

	if flags.file != "" {
		cfg.File = flags.file
	}
	if flags.root != "" {
		cfg.Root = flags.root
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.json {
		cfg.Log.JSON = true
	}
	if flags.noState {
		cfg.State.Disabled = true
	}
	if flags.noCache {
		cfg.Cache.Disabled = true
	}

	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	if cfg.Log.JSON {
		zerolog.ErrorMarshalFunc = func(err error) interface{} {
			return eris.ToJSON(err, debugOutput())
		}
	} else {
		zerolog.ErrorMarshalFunc = func(err error) interface{} {
			return eris.ToString(err, debugOutput())
		}
	}

	var out io.Writer = os.Stderr
	var closer io.Closer
	color := true
	if cfg.Log.File != "" {
		logFile, err := os.Create(cfg.Log.File)
		if err != nil {
			return zerolog.Nop(), nil, eris.Wrap(err, "failed to open log file")
		}

		out = logFile
		closer = logFile
		color = false
	}

	if !cfg.Log.JSON {
		out = NewConsoleWriter(out, color)
	}

	return zerolog.New(out).Level(cfg.LogLevel()).With().Timestamp().Logger(), closer, nil
}

// loadProject reads the configuration, evaluates the pipeline file and builds the orchestrator
func loadProject(cmd *cobra.Command, options map[string]string, observer func(buildsys.TaskEvent)) (*project, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	p := &project{cfg: cfg, logger: logger}
	if logCloser != nil {
		p.closers = append(p.closers, logCloser)
	}

	if err := p.load(cmd.Context(), options, observer); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *project) load(ctx context.Context, options map[string]string, observer func(buildsys.TaskEvent)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = buildsys.WithLogger(ctx, &p.logger)

	var err error
	p.file = p.cfg.File
	if p.file == "" {
		wd, err := os.Getwd()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve the current working directory")
		}

		p.file, err = buildsys.FindPipelineFile(wd)
		if err != nil {
			return err
		}
	}

	p.file, err = filepath.Abs(p.file)
	if err != nil {
		return eris.Wrap(err, "failed to resolve pipeline path")
	}

	p.root = p.cfg.Root
	if p.root == "" {
		p.root = filepath.Dir(p.file)
	}
	p.root, err = filepath.Abs(p.root)
	if err != nil {
		return eris.Wrap(err, "failed to resolve project root")
	}

	if cacheFile := p.cfg.CachePath(p.root); cacheFile != "" {
		p.pipeline, err = buildsys.LoadConfigCached(ctx, p.file, p.root, options, cacheFile)
	} else {
		p.pipeline, err = buildsys.LoadConfig(ctx, p.file, p.root, options)
	}
	if err != nil {
		return eris.Wrapf(err, "failed to load %s", p.file)
	}

	if statePath := p.cfg.StatePath(p.root); statePath != "" {
		p.store, err = state.Open(ctx, statePath)
		if err != nil {
			return err
		}
		p.closers = append(p.closers, p.store)
	}

	reg, err := stages.NewRegistry()
	if err != nil {
		return err
	}

	opts := buildsys.Options{
		Logger:   &p.logger,
		Observer: observer,
	}
	// a nil *state.Store must not end up as a non-nil interface
	if p.store != nil {
		opts.Store = p.store
	}

	p.orch, err = buildsys.NewFromConfig(p.pipeline, reg, opts)
	return err
}

// recordRun stores a run summary; failures are only logged
func (p *project) recordRun(ctx context.Context, result *buildsys.RunResult) {
	if p.store == nil || result == nil {
		return
	}

	if _, err := p.store.RecordRun(ctx, result); err != nil {
		p.logger.Warn().Err(err).Msg("failed to record run")
	}
}

// internalExcludes returns root relative patterns for buildpipe's own files
func (p *project) internalExcludes() []string {
	excludes := []string{}
	for _, path := range []string{p.cfg.StatePath(p.root), p.cfg.CachePath(p.root)} {
		if path == "" {
			continue
		}

		rel, err := filepath.Rel(p.root, filepath.Dir(path))
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		excludes = append(excludes, filepath.ToSlash(rel)+"/**")
	}
	return excludes
}
