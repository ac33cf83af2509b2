package buildsys

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// StateStore persists the outcome of task executions. It's used to skip tasks whose inputs
// didn't change since their last successful run.
type StateStore interface {
	// LoadTask returns nil (and no error) if the task was never recorded
	LoadTask(ctx context.Context, name string) (*TaskRecord, error)
	SaveTask(ctx context.Context, record *TaskRecord) error
}

// Options configures an Orchestrator. All fields are optional.
type Options struct {
	Logger *zerolog.Logger
	Store  StateStore
	// Observer is called on every task state change. In watch mode it's called from multiple
	// goroutines.
	Observer func(TaskEvent)
}

// Task is a registered task
type Task struct {
	TaskDef
	index   int
	options []StageOptions
}

// Orchestrator owns the task registry and executes tasks
type Orchestrator struct {
	root     string
	stages   *StageRegistry
	logger   zerolog.Logger
	store    StateStore
	observer func(TaskEvent)
	matcher  *globMatcher
	locks    *destLocker

	lock    sync.RWMutex
	tasks   map[string]*Task
	order   []*Task
	watches []WatchRule
	frozen  bool
}

// New creates an empty orchestrator for the given project root
func New(root string, stages *StageRegistry, opts Options) (*Orchestrator, error) {
	if stages == nil {
		return nil, eris.New("a stage registry is required")
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve project root %s", root)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Orchestrator{
		root:     root,
		stages:   stages,
		logger:   logger,
		store:    opts.Store,
		observer: opts.Observer,
		matcher:  newGlobMatcher(),
		locks:    newDestLocker(),
		tasks:    make(map[string]*Task),
	}, nil
}

// NewFromConfig creates an orchestrator, registers all tasks and watch rules from cfg and
// validates the result.
func NewFromConfig(cfg *Config, stages *StageRegistry, opts Options) (*Orchestrator, error) {
	if cfg.Requires != "" {
		if err := CheckVersion(cfg.Requires); err != nil {
			return nil, err
		}
	}

	o, err := New(cfg.Root, stages, opts)
	if err != nil {
		return nil, err
	}

	for _, def := range cfg.Tasks {
		if err := o.Register(def); err != nil {
			return nil, err
		}
	}

	for _, rule := range cfg.Watches {
		if err := o.AddWatchRule(rule); err != nil {
			return nil, err
		}
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Root returns the absolute project root
func (o *Orchestrator) Root() string {
	return o.root
}

// Register adds a task to the registry. Stages and their options are checked immediately;
// prerequisites are checked by Validate since they may be registered later.
func (o *Orchestrator) Register(def TaskDef) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.frozen {
		return ErrFrozen
	}

	if def.Name == "" {
		return eris.New("tasks need a name")
	}

	if _, ok := o.tasks[def.Name]; ok {
		return &DuplicateTaskError{Name: def.Name}
	}

	for _, dep := range def.Deps {
		if dep == def.Name {
			return &CyclicDependencyError{Path: []string{def.Name, def.Name}}
		}
	}

	task := &Task{
		TaskDef: copyTaskDef(def),
		index:   len(o.order),
		options: make([]StageOptions, len(def.Stages)),
	}

	for idx := range task.Stages {
		spec := &task.Stages[idx]
		if spec.ID == "" {
			spec.ID = fmt.Sprintf("%s#%d", spec.Plugin, idx)
		}

		plugin, ok := o.stages.Get(spec.Plugin)
		if !ok {
			return &UnknownStageError{Task: def.Name, Plugin: spec.Plugin}
		}

		options, err := normalizeOptions(def.Name, *spec, plugin)
		if err != nil {
			return err
		}
		task.options[idx] = options
	}

	o.tasks[def.Name] = task
	o.order = append(o.order, task)
	return nil
}

// AddWatchRule adds a rule that's used by Watch and NewWatcher
func (o *Orchestrator) AddWatchRule(rule WatchRule) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.frozen {
		return ErrFrozen
	}

	if rule.Name == "" {
		rule.Name = fmt.Sprintf("watch#%d", len(o.watches))
	}

	if len(rule.Patterns) == 0 {
		return eris.Errorf("watch rule %s has no patterns", rule.Name)
	}

	if len(rule.Tasks) == 0 {
		return eris.Errorf("watch rule %s has no tasks", rule.Name)
	}

	for _, existing := range o.watches {
		if existing.Name == rule.Name {
			return eris.Errorf("watch rule %s is already registered", rule.Name)
		}
	}

	for _, pat := range rule.Patterns {
		if _, err := o.matcher.compile(pat); err != nil {
			return eris.Wrapf(err, "watch rule %s", rule.Name)
		}
	}

	o.watches = append(o.watches, WatchRule{
		Name:     rule.Name,
		Patterns: append([]string{}, rule.Patterns...),
		Tasks:    append([]string{}, rule.Tasks...),
	})
	return nil
}

// Validate checks that every prerequisite and watched task exists and that the dependency graph
// is acyclic. On success the registry is frozen.
func (o *Orchestrator) Validate() error {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.frozen {
		return nil
	}

	for _, task := range o.order {
		for _, dep := range task.Deps {
			if _, ok := o.tasks[dep]; !ok {
				return &UnknownPrerequisiteError{Task: task.Name, Prerequisite: dep}
			}
		}
	}

	if err := o.findCycle(); err != nil {
		return err
	}

	for _, rule := range o.watches {
		for _, name := range rule.Tasks {
			if _, ok := o.tasks[name]; !ok {
				return eris.Wrapf(&UnknownTaskError{Name: name}, "watch rule %s", rule.Name)
			}
		}
	}

	o.frozen = true
	return nil
}

// findCycle runs a depth first search over the whole graph and reports the first cycle found
func (o *Orchestrator) findCycle() error {
	const (
		unvisited = iota
		visiting
		visited
	)

	status := make(map[string]int, len(o.order))
	stack := make([]string, 0)

	var visit func(task *Task) error
	visit = func(task *Task) error {
		status[task.Name] = visiting
		stack = append(stack, task.Name)

		for _, dep := range task.Deps {
			switch status[dep] {
			case visiting:
				start := 0
				for idx, name := range stack {
					if name == dep {
						start = idx
						break
					}
				}

				path := append([]string{}, stack[start:]...)
				return &CyclicDependencyError{Path: append(path, dep)}
			case unvisited:
				if err := visit(o.tasks[dep]); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		status[task.Name] = visited
		return nil
	}

	for _, task := range o.order {
		if status[task.Name] == unvisited {
			if err := visit(task); err != nil {
				return err
			}
		}
	}
	return nil
}

// Task returns the definition of a registered task
func (o *Orchestrator) Task(name string) (TaskDef, bool) {
	o.lock.RLock()
	defer o.lock.RUnlock()

	task, ok := o.tasks[name]
	if !ok {
		return TaskDef{}, false
	}
	return copyTaskDef(task.TaskDef), true
}

// Tasks returns all registered tasks in registration order
func (o *Orchestrator) Tasks() []TaskDef {
	o.lock.RLock()
	defer o.lock.RUnlock()

	result := make([]TaskDef, len(o.order))
	for idx, task := range o.order {
		result[idx] = copyTaskDef(task.TaskDef)
	}
	return result
}

// WatchRules returns all registered watch rules
func (o *Orchestrator) WatchRules() []WatchRule {
	o.lock.RLock()
	defer o.lock.RUnlock()

	return append([]WatchRule{}, o.watches...)
}

// DestPath returns the absolute destination directory of a task or "" if it has none
func (o *Orchestrator) DestPath(def TaskDef) string {
	if def.Dest == "" {
		return ""
	}

	dest := filepath.FromSlash(def.Dest)
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(o.root, dest)
	}
	return filepath.Clean(dest)
}

func (o *Orchestrator) emit(evt TaskEvent) {
	if o.observer != nil {
		o.observer(evt)
	}
}

func copyTaskDef(def TaskDef) TaskDef {
	result := def
	result.Src = append([]string{}, def.Src...)
	result.Deps = append([]string{}, def.Deps...)
	result.Stages = make([]StageSpec, len(def.Stages))
	for idx, spec := range def.Stages {
		options := make(map[string]interface{}, len(spec.Options))
		for k, v := range spec.Options {
			options[k] = v
		}
		spec.Options = options
		result.Stages[idx] = spec
	}

	result.Env = make(map[string]string, len(def.Env))
	for k, v := range def.Env {
		result.Env[k] = v
	}
	return result
}
