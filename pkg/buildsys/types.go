package buildsys

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
)

// TaskDef contains the values passed to task() by the task script (or the tasks.yml entry)
type TaskDef struct {
	Name   string
	Desc   string
	Hidden bool
	// Src lists glob patterns relative to the project root. Patterns starting with "!" exclude
	// previously matched files.
	Src    []string
	Stages []StageSpec
	// Dest is the output directory relative to the project root. Tasks without a destination
	// only run their stages.
	Dest string
	Deps []string
	Env  map[string]string
}

// StageSpec selects a stage plugin and configures it for a single task
type StageSpec struct {
	Plugin       string
	ID           string
	Options      map[string]interface{}
	RequireInput bool
}

// WatchRule re-runs Tasks whenever a file matching one of Patterns changes
type WatchRule struct {
	Name     string
	Patterns []string
	Tasks    []string
}

// Config is the evaluated form of a pipeline file. It's never modified after loading.
type Config struct {
	Root     string
	Tasks    []TaskDef
	Watches  []WatchRule
	Options  map[string]string
	Requires string
}

// Task returns the definition of the named task
func (c *Config) Task(name string) (TaskDef, bool) {
	for _, task := range c.Tasks {
		if task.Name == name {
			return task, true
		}
	}
	return TaskDef{}, false
}

// Item is a single file flowing through a pipeline
type Item struct {
	// Path is slash separated and relative to the base of the glob that matched the file
	Path    string
	Content []byte
	Meta    map[string]string
}

// Clone returns a deep copy of the item
func (i *Item) Clone() *Item {
	meta := make(map[string]string, len(i.Meta))
	for k, v := range i.Meta {
		meta[k] = v
	}

	content := make([]byte, len(i.Content))
	copy(content, i.Content)

	return &Item{
		Path:    i.Path,
		Content: content,
		Meta:    meta,
	}
}

type TaskState int

const (
	StatePending TaskState = iota
	StateResolving
	StateExecuting
	StateCompleted
	StateUpToDate
	StateFailed
	StateSkipped
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateUpToDate:
		return "up-to-date"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// Done returns true for states a task can't leave during an invocation
func (s TaskState) Done() bool {
	return s == StateCompleted || s == StateUpToDate || s == StateFailed || s == StateSkipped
}

// TaskEvent is passed to the observer whenever a task changes its state
type TaskEvent struct {
	Task  string
	State TaskState
	// Stage, Index and Total are only set while the task is executing
	Stage string
	Index int
	Total int
	Err   error
}

// TaskRecord is the persisted outcome of a task's most recent execution
type TaskRecord struct {
	Task        string        `json:"task"`
	Fingerprint string        `json:"fingerprint"`
	Outputs     []string      `json:"outputs"`
	// Checksums holds the sha256 of each output, in the same order as Outputs
	Checksums   []string      `json:"checksums,omitempty"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Finished    time.Time     `json:"finished"`
	Duration    time.Duration `json:"duration"`
}

// Implement starlark.Value for *TaskDef so that task() results can be passed as dependencies

// String returns a string representation of the task
func (t *TaskDef) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Name, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *TaskDef) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *TaskDef) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *TaskDef) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *TaskDef) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
