package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

type ScriptOption struct {
	DefaultValue string
	Help         string
}

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	readFiles    []string
	filepath     string
	projectRoot  string
	tasks        []*TaskDef
	watches      []WatchRule
	requires     string
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if input == nil {
		return []string{}, nil
	}
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// taskRefs converts a list of task names and task() results to task names
func taskRefs(input *starlark.List, field string) ([]string, error) {
	if input == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case *TaskDef:
			result = append(result, value.Name)
		default:
			return nil, eris.Errorf("expected all items in %s to be task names or tasks but found %s", field, item.Type())
		}
	}
	return result, nil
}

func starlarkToOption(value starlark.Value) (interface{}, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		return string(value), nil
	case starlark.Bool:
		return bool(value), nil
	case starlark.Int:
		i, ok := value.Int64()
		if !ok {
			return nil, eris.Errorf("integer %s is too large", value.String())
		}
		return i, nil
	case starlarkIterable:
		return starlarkIterable2stringSlice(value, "list")
	default:
		return nil, eris.Errorf("unsupported option type %s", value.Type())
	}
}

func info(thread *starlark.Thread, msg string) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, msg)
}

func warn(thread *starlark.Thread, msg string) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, msg)
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue string
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return starlark.String(defaultValue), nil
}

func requireVersion(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var constraint string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &constraint)
	if err != nil {
		return nil, err
	}

	if err := CheckVersion(constraint); err != nil {
		return nil, err
	}

	getCtx(thread).requires = constraint
	return starlark.None, nil
}

// starStage is the value returned by stage()
type starStage struct {
	spec StageSpec
}

func (s *starStage) String() string {
	return "<Stage " + s.spec.Plugin + ">"
}

func (s *starStage) Type() string {
	return "stage"
}

func (s *starStage) Freeze() {}

func (s *starStage) Truth() starlark.Bool {
	return starlark.True
}

func (s *starStage) Hash() (uint32, error) {
	return 0, eris.New("stage is not a hashable type")
}

func stage(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 1 {
		return nil, eris.Errorf("%s: expected the plugin name as the only positional argument", fn.Name())
	}

	plugin, ok := args[0].(starlark.String)
	if !ok {
		return nil, eris.Errorf("%s: plugin name must be a string, not %s", fn.Name(), args[0].Type())
	}

	result := &starStage{
		spec: StageSpec{
			Plugin:  plugin.GoString(),
			Options: make(map[string]interface{}),
		},
	}

	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))

		switch key {
		case "id":
			id, ok := kv[1].(starlark.String)
			if !ok {
				return nil, eris.Errorf("%s: id must be a string, not %s", fn.Name(), kv[1].Type())
			}
			result.spec.ID = id.GoString()
		case "require_input":
			result.spec.RequireInput = bool(kv[1].Truth())
		default:
			value, err := starlarkToOption(kv[1])
			if err != nil {
				return nil, eris.Wrapf(err, "%s: option %s", fn.Name(), key)
			}
			result.spec.Options[key] = value
		}
	}

	return result, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var src *starlark.List
	var stages *starlark.List
	var env *starlark.Dict
	var dest starlark.Value

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("tasks can only be declared inside configure()")
	}

	task := new(TaskDef)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name??", &task.Name, "desc?", &task.Desc,
		"hidden?", &task.Hidden, "src?", &src, "stages?", &stages, "dest?", &dest, "deps?", &deps,
		"env?", &env)
	if err != nil {
		return nil, err
	}

	if task.Name == "" {
		task.Hidden = true
		task.Name = "auto#" + nanoid.New()
	}

	if task.Name == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	patterns, err := starlarkIterable2stringSlice(src, "src")
	if err != nil {
		return nil, err
	}

	task.Src = make([]string, len(patterns))
	for idx, pat := range patterns {
		task.Src[idx] = rootRelPattern(ctx, pat)
	}

	switch value := dest.(type) {
	case nil, starlark.NoneType:
	case starlark.String:
		task.Dest = rootRelPattern(ctx, value.GoString())
	case StarlarkPath:
		task.Dest = rootRelPattern(ctx, string(value))
	default:
		return nil, eris.Errorf("%s: dest must be a string or path, not %s", fn.Name(), dest.Type())
	}

	task.Deps, err = taskRefs(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.Env = map[string]string{}
	if env != nil {
		for _, rawKey := range env.Keys() {
			key, ok := rawKey.(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", rawKey.Type())
			}

			rawValue, _, err := env.Get(rawKey)
			if err != nil {
				return nil, err
			}

			switch value := rawValue.(type) {
			case starlark.String:
				task.Env[key.GoString()] = value.GoString()
			case StarlarkPath:
				task.Env[key.GoString()] = string(value)
			default:
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", rawValue.Type(), key.GoString())
			}
		}
	}

	task.Stages = make([]StageSpec, 0)
	if stages != nil {
		iter := stages.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			switch value := item.(type) {
			case *starStage:
				task.Stages = append(task.Stages, value.spec)
			case starlark.String:
				task.Stages = append(task.Stages, StageSpec{Plugin: value.GoString(), Options: map[string]interface{}{}})
			default:
				return nil, eris.Errorf("%s: unexpected type %s in stages. Only stage() results and strings are valid", fn.Name(), item.Type())
			}
		}
	}

	if len(task.Src) > 0 && len(task.Stages) == 0 && task.Dest == "" {
		warn(thread, fn.Name()+": found sources but no stages or destination")
	}

	ctx.tasks = append(ctx.tasks, task)
	return task, nil
}

func watch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var patterns *starlark.List
	var tasks *starlark.List

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("watch rules can only be declared inside configure()")
	}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "patterns", &patterns, "tasks", &tasks, "name?", &name)
	if err != nil {
		return nil, err
	}

	rule := WatchRule{Name: name}
	rawPatterns, err := starlarkIterable2stringSlice(patterns, "patterns")
	if err != nil {
		return nil, err
	}

	for _, pat := range rawPatterns {
		rule.Patterns = append(rule.Patterns, rootRelPattern(ctx, pat))
	}

	rule.Tasks, err = taskRefs(tasks, "tasks")
	if err != nil {
		return nil, err
	}

	if len(rule.Tasks) == 0 || len(rule.Patterns) == 0 {
		return nil, eris.Errorf("%s: needs at least one pattern and one task", fn.Name())
	}

	if rule.Name == "" {
		rule.Name = rule.Tasks[0]
		for _, existing := range ctx.watches {
			if existing.Name == rule.Name {
				rule.Name += "#" + nanoid.New()
				break
			}
		}
	}

	ctx.watches = append(ctx.watches, rule)
	return starlark.None, nil
}

// RunScript executes a starlark script and returns the declared options. If doConfigure is true, the script's
// configure function is called and the declared tasks and watch rules are returned.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (*Config, map[string]ScriptOption, error) {
	cfg, optionDefs, _, err := runScript(ctx, filename, projectRoot, options, doConfigure)
	return cfg, optionDefs, err
}

func runScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (*Config, map[string]ScriptOption, []string, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, nil, err
	}

	if options == nil {
		options = map[string]string{}
	}

	builtins := starlark.StringDict{
		"OS":              starlark.String(runtime.GOOS),
		"ARCH":            starlark.String(runtime.GOARCH),
		"info":            starlark.NewBuiltin("info", starInfo),
		"warn":            starlark.NewBuiltin("warn", starWarn),
		"error":           starlark.NewBuiltin("error", starError),
		"resolve_path":    starlark.NewBuiltin("resolve_path", resolvePath),
		"option":          starlark.NewBuiltin("option", option),
		"require_version": starlark.NewBuiltin("require_version", requireVersion),
		"getenv":          starlark.NewBuiltin("getenv", getenv),
		"setenv":          starlark.NewBuiltin("setenv", setenv),
		"prepend_path":    starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":       starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":           starlark.NewBuiltin("isdir", starIsdir),
		"isfile":          starlark.NewBuiltin("isfile", starIsfile),
		"execute":         starlark.NewBuiltin("execute", starExec),
		"task":            starlark.NewBuiltin("task", task),
		"stage":           starlark.NewBuiltin("stage", stage),
		"watch":           starlark.NewBuiltin("watch", watch),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*TaskDef, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, nil, eris.Wrapf(err, "failed to read file")
	}

	globals, err := starlark.ExecFile(thread, simplifyPath(&threadCtx, filename), script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, nil, eris.Errorf("failed to execute %s:\n%s", simplifyPath(&threadCtx, filename), evalError.Backtrace())
		}
		return nil, nil, nil, eris.Wrap(err, "failed to execute")
	}

	cfg := &Config{
		Root:     projectRoot,
		Tasks:    []TaskDef{},
		Watches:  []WatchRule{},
		Options:  make(map[string]string),
		Requires: threadCtx.requires,
	}

	for name, opt := range threadCtx.options {
		value, ok := options[name]
		if !ok {
			value = opt.DefaultValue
		}
		cfg.Options[name] = value
	}

	if doConfigure {
		configure, ok := globals["configure"]
		if !ok {
			return nil, nil, nil, eris.Errorf("%s did not declare a configure function", simplifyPath(&threadCtx, filename))
		}

		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", simplifyPath(&threadCtx, filename))
		}

		threadCtx.initPhase = false
		_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, nil, nil, eris.New(evalError.Backtrace())
			}
			return nil, nil, nil, eris.Wrapf(err, "failed configure call in %s", simplifyPath(&threadCtx, filename))
		}

		for _, task := range threadCtx.tasks {
			for name, value := range threadCtx.envOverrides {
				if _, present := task.Env[name]; !present {
					task.Env[name] = value
				}
			}

			cfg.Tasks = append(cfg.Tasks, *task)
		}
		cfg.Watches = append(cfg.Watches, threadCtx.watches...)
	}

	return cfg, threadCtx.options, append([]string{filename}, threadCtx.readFiles...), nil
}

// rootRelPattern resolves a path or glob pattern like normalizePath and returns it relative to
// the project root. A leading "!" is preserved.
func rootRelPattern(ctx *parserCtx, pat string) string {
	prefix := ""
	if strings.HasPrefix(pat, "!") {
		prefix = "!"
		pat = pat[1:]
	}

	abs := normalizePath(ctx, pat)
	rel, err := filepath.Rel(ctx.projectRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return prefix + filepath.ToSlash(abs)
	}
	return prefix + filepath.ToSlash(rel)
}
