package buildsys

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

type yamlStage struct {
	Plugin       string                 `yaml:"plugin"`
	ID           string                 `yaml:"id,omitempty"`
	RequireInput bool                   `yaml:"require_input,omitempty"`
	Options      map[string]interface{} `yaml:"options,omitempty"`
}

type yamlTask struct {
	Name   string            `yaml:"name"`
	Desc   string            `yaml:"desc,omitempty"`
	Hidden bool              `yaml:"hidden,omitempty"`
	Src    []string          `yaml:"src,omitempty"`
	Stages []yamlStage       `yaml:"stages,omitempty"`
	Dest   string            `yaml:"dest,omitempty"`
	Deps   []string          `yaml:"deps,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
}

type yamlWatch struct {
	Name     string   `yaml:"name,omitempty"`
	Patterns []string `yaml:"patterns"`
	Tasks    []string `yaml:"tasks"`
}

type yamlPipeline struct {
	Requires string      `yaml:"requires,omitempty"`
	Tasks    []yamlTask  `yaml:"tasks"`
	Watch    []yamlWatch `yaml:"watch,omitempty"`
}

// ParseYAML reads a tasks.yml file. Paths inside the file are relative to the project root.
func ParseYAML(filename, projectRoot string) (*Config, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", filename)
	}

	var doc yamlPipeline
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", filename)
	}

	if doc.Requires != "" {
		if err := CheckVersion(doc.Requires); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Root:     projectRoot,
		Tasks:    make([]TaskDef, 0, len(doc.Tasks)),
		Watches:  make([]WatchRule, 0, len(doc.Watch)),
		Options:  map[string]string{},
		Requires: doc.Requires,
	}

	for _, t := range doc.Tasks {
		def := TaskDef{
			Name:   t.Name,
			Desc:   t.Desc,
			Hidden: t.Hidden,
			Src:    make([]string, len(t.Src)),
			Stages: make([]StageSpec, len(t.Stages)),
			Dest:   yamlPath(t.Dest),
			Deps:   t.Deps,
			Env:    t.Env,
		}

		if def.Deps == nil {
			def.Deps = []string{}
		}
		if def.Env == nil {
			def.Env = map[string]string{}
		}

		for idx, pat := range t.Src {
			def.Src[idx] = yamlPath(pat)
		}

		for idx, s := range t.Stages {
			spec := StageSpec{
				Plugin:       s.Plugin,
				ID:           s.ID,
				RequireInput: s.RequireInput,
				Options:      make(map[string]interface{}, len(s.Options)),
			}

			for key, raw := range s.Options {
				value, err := plainOption(raw)
				if err != nil {
					return nil, eris.Wrapf(err, "task %s, stage %d: option %s", t.Name, idx, key)
				}
				spec.Options[key] = value
			}

			def.Stages[idx] = spec
		}

		cfg.Tasks = append(cfg.Tasks, def)
	}

	for idx, w := range doc.Watch {
		rule := WatchRule{
			Name:     w.Name,
			Patterns: make([]string, len(w.Patterns)),
			Tasks:    w.Tasks,
		}

		if rule.Name == "" {
			rule.Name = fmt.Sprintf("watch#%d", idx)
		}

		for i, pat := range w.Patterns {
			rule.Patterns[i] = yamlPath(pat)
		}

		cfg.Watches = append(cfg.Watches, rule)
	}

	return cfg, nil
}

// yamlPath strips the optional "//" root marker
func yamlPath(path string) string {
	prefix := ""
	if strings.HasPrefix(path, "!") {
		prefix = "!"
		path = path[1:]
	}
	return prefix + strings.TrimPrefix(filepath.ToSlash(path), "//")
}

// plainOption converts decoded YAML values to the types used by StageOptions
func plainOption(raw interface{}) (interface{}, error) {
	switch value := raw.(type) {
	case string, bool, int64:
		return value, nil
	case int:
		return int64(value), nil
	case float64:
		if value == float64(int64(value)) {
			return int64(value), nil
		}
		return nil, eris.Errorf("floating point values are not supported: %v", value)
	case []interface{}:
		result := make([]string, len(value))
		for idx, item := range value {
			str, ok := item.(string)
			if !ok {
				return nil, eris.Errorf("lists may only contain strings but item %d is %v", idx, item)
			}
			result[idx] = str
		}
		return result, nil
	case nil:
		return "", nil
	default:
		return nil, eris.Errorf("unsupported value %v", value)
	}
}
