package buildsys

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Plugin is implemented by every stage that can be used in a task's pipeline
type Plugin interface {
	Name() string
	Options() []OptionSpec
	// Transform receives every item of the task and returns the items for the next stage.
	// It must not modify the passed items; use Item.Clone() if necessary.
	Transform(ctx context.Context, req *StageRequest) ([]*Item, error)
}

type OptionKind int

const (
	OptionString OptionKind = iota
	OptionBool
	OptionInt
	OptionList
)

func (k OptionKind) String() string {
	switch k {
	case OptionString:
		return "string"
	case OptionBool:
		return "bool"
	case OptionInt:
		return "int"
	case OptionList:
		return "list"
	default:
		return fmt.Sprintf("OptionKind(%d)", int(k))
	}
}

// OptionSpec describes a single option accepted by a stage
type OptionSpec struct {
	Name     string
	Kind     OptionKind
	Default  interface{}
	Required bool
	Help     string
}

// StageOptions holds the normalized option values of a stage. Strings are stored as string,
// bools as bool, ints as int64 and lists as []string.
type StageOptions map[string]interface{}

func (o StageOptions) String(name string) string {
	value, _ := o[name].(string)
	return value
}

func (o StageOptions) Bool(name string) bool {
	value, _ := o[name].(bool)
	return value
}

func (o StageOptions) Int(name string) int64 {
	value, _ := o[name].(int64)
	return value
}

func (o StageOptions) List(name string) []string {
	value, _ := o[name].([]string)
	return value
}

// Has returns true if the option was set or has a default value
func (o StageOptions) Has(name string) bool {
	_, ok := o[name]
	return ok
}

// StageRequest is passed to Plugin.Transform
type StageRequest struct {
	Task    string
	Stage   string
	Root    string
	Env     map[string]string
	Options StageOptions
	Items   []*Item
	Logger  zerolog.Logger
	// Match reports whether the slash separated path matches the glob pattern
	Match func(pattern, path string) (bool, error)
}

// StageRegistry maps plugin names to their implementation
type StageRegistry struct {
	lock    sync.RWMutex
	plugins map[string]Plugin
}

// NewStageRegistry creates a registry containing the passed plugins
func NewStageRegistry(plugins ...Plugin) (*StageRegistry, error) {
	r := &StageRegistry{
		plugins: make(map[string]Plugin),
	}

	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *StageRegistry) Register(p Plugin) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	name := p.Name()
	if name == "" {
		return eris.New("stage plugins need a name")
	}

	if _, ok := r.plugins[name]; ok {
		return eris.Errorf("stage %s is already registered", name)
	}

	r.plugins[name] = p
	return nil
}

func (r *StageRegistry) Get(name string) (Plugin, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	p, ok := r.plugins[name]
	return p, ok
}

func (r *StageRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the sorted list of registered plugins
func (r *StageRegistry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStageOptions validates raw against the options of plugin and fills in defaults
func NewStageOptions(plugin Plugin, raw map[string]interface{}) (StageOptions, error) {
	return normalizeOptions("", StageSpec{Plugin: plugin.Name(), ID: plugin.Name(), Options: raw}, plugin)
}

// normalizeOptions validates the options of spec against the plugin's option list and fills in
// defaults.
func normalizeOptions(task string, spec StageSpec, plugin Plugin) (StageOptions, error) {
	known := make(map[string]OptionSpec)
	for _, opt := range plugin.Options() {
		known[opt.Name] = opt
	}

	result := make(StageOptions, len(known))
	for name, raw := range spec.Options {
		opt, ok := known[name]
		if !ok {
			return nil, &InvalidStageOptionError{Task: task, Stage: spec.ID, Option: name, Reason: "is not supported"}
		}

		value, err := normalizeOption(opt.Kind, raw)
		if err != nil {
			return nil, &InvalidStageOptionError{Task: task, Stage: spec.ID, Option: name, Reason: err.Error()}
		}
		result[name] = value
	}

	for name, opt := range known {
		if _, ok := result[name]; ok {
			continue
		}

		if opt.Required {
			return nil, &InvalidStageOptionError{Task: task, Stage: spec.ID, Option: name, Reason: "is required"}
		}

		if opt.Default != nil {
			value, err := normalizeOption(opt.Kind, opt.Default)
			if err != nil {
				return nil, eris.Wrapf(err, "stage %s has an invalid default for %s", plugin.Name(), name)
			}
			result[name] = value
		}
	}

	return result, nil
}

func normalizeOption(kind OptionKind, raw interface{}) (interface{}, error) {
	switch kind {
	case OptionString:
		switch value := raw.(type) {
		case string:
			return value, nil
		}
	case OptionBool:
		switch value := raw.(type) {
		case bool:
			return value, nil
		case string:
			parsed, err := strconv.ParseBool(value)
			if err == nil {
				return parsed, nil
			}
		}
	case OptionInt:
		switch value := raw.(type) {
		case int:
			return int64(value), nil
		case int32:
			return int64(value), nil
		case int64:
			return value, nil
		case uint:
			return int64(value), nil
		case uint64:
			if value <= math.MaxInt64 {
				return int64(value), nil
			}
		case float64:
			if value == math.Trunc(value) {
				return int64(value), nil
			}
		case string:
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err == nil {
				return parsed, nil
			}
		}
	case OptionList:
		switch value := raw.(type) {
		case string:
			return []string{value}, nil
		case []string:
			return append([]string{}, value...), nil
		case []interface{}:
			result := make([]string, len(value))
			for idx, item := range value {
				str, ok := item.(string)
				if !ok {
					return nil, eris.Errorf("must only contain strings but item %d is a %T", idx, item)
				}
				result[idx] = str
			}
			return result, nil
		}
	}

	return nil, eris.Errorf("expects a %s but got %T", kind, raw)
}
