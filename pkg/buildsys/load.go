package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// PipelineFiles lists the file names that are searched for, in order of preference
var PipelineFiles = []string{"tasks.star", "tasks.yml", "tasks.yaml"}

// FindPipelineFile searches dir and its parents for one of PipelineFiles
func FindPipelineFile(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		for _, name := range PipelineFiles {
			candidate := filepath.Join(path, name)
			_, err := os.Stat(candidate)
			if err == nil {
				return candidate, nil
			}
			if !eris.Is(err, os.ErrNotExist) {
				return "", eris.Wrapf(err, "failed to check %s", candidate)
			}
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", eris.Errorf("no %s file found", strings.Join(PipelineFiles, " or "))
		}
		path = parent
	}
}

// LoadConfig evaluates a pipeline file. The format is picked based on the file extension.
func LoadConfig(ctx context.Context, file, projectRoot string, options map[string]string) (*Config, error) {
	cfg, _, err := loadConfig(ctx, file, projectRoot, options)
	return cfg, err
}

func loadConfig(ctx context.Context, file, projectRoot string, options map[string]string) (*Config, []string, error) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".star":
		cfg, _, files, err := runScript(ctx, file, projectRoot, options, true)
		return cfg, files, err
	case ".yml", ".yaml":
		if len(options) > 0 {
			log(ctx).Warn().Msg("options are ignored for YAML pipelines")
		}

		cfg, err := ParseYAML(file, projectRoot)
		if err != nil {
			return nil, nil, err
		}

		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, nil, err
		}
		return cfg, []string{abs}, nil
	default:
		return nil, nil, eris.Errorf("unsupported pipeline file %s", file)
	}
}

// LoadConfigCached works like LoadConfig but reuses the result stored in cacheFile if neither the
// pipeline file, the files it read nor the options changed.
func LoadConfigCached(ctx context.Context, file, projectRoot string, options map[string]string, cacheFile string) (*Config, error) {
	if options == nil {
		options = map[string]string{}
	}

	header, cfg, err := ReadCache(cacheFile)
	if err == nil && header.Fresh(options) {
		log(ctx).Debug().Str("path", cacheFile).Msg("using cached pipeline")
		return cfg, nil
	}

	cfg, files, err := loadConfig(ctx, file, projectRoot, options)
	if err != nil {
		return nil, err
	}

	stamps, err := stampFiles(files)
	if err != nil {
		return nil, eris.Wrap(err, "failed to stat pipeline files")
	}

	err = os.MkdirAll(filepath.Dir(cacheFile), 0770)
	if err == nil {
		err = WriteCache(cacheFile, &CacheHeader{
			Version: Version,
			Options: options,
			Files:   stamps,
		}, cfg)
	}

	if err != nil {
		log(ctx).Warn().Err(err).Msg("failed to write pipeline cache")
	}

	return cfg, nil
}
