package buildsys

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrFrozen is returned when tasks or watch rules are added after the registry was validated.
var ErrFrozen = eris.New("the task registry is frozen")

// DuplicateTaskError is returned when a task name is registered twice.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s is already registered", e.Name)
}

// UnknownPrerequisiteError is returned when a task depends on a task that doesn't exist.
type UnknownPrerequisiteError struct {
	Task         string
	Prerequisite string
}

func (e *UnknownPrerequisiteError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.Task, e.Prerequisite)
}

// CyclicDependencyError describes a dependency cycle. Path starts and ends with the same task.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Path, " -> ")
}

// UnknownTaskError is returned when a task is requested that was never registered.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("task %s not found", e.Name)
}

// UnknownStageError is returned when a task references a stage plugin that isn't registered.
type UnknownStageError struct {
	Task   string
	Plugin string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("task %s uses unknown stage %s", e.Task, e.Plugin)
}

type InvalidStageOptionError struct {
	Task   string
	Stage  string
	Option string
	Reason string
}

func (e *InvalidStageOptionError) Error() string {
	return fmt.Sprintf("task %s, stage %s: option %s %s", e.Task, e.Stage, e.Option, e.Reason)
}

// EmptyInputError is returned when a stage that requires input receives no items.
type EmptyInputError struct {
	Task  string
	Stage string
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("task %s: stage %s requires input but received no files", e.Task, e.Stage)
}

// StageTransformError wraps a failure reported by a stage plugin.
type StageTransformError struct {
	Task  string
	Stage string
	Path  string
	Err   error
}

func (e *StageTransformError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("task %s, stage %s failed on %s: %s", e.Task, e.Stage, e.Path, e.Err)
	}
	return fmt.Sprintf("task %s, stage %s failed: %s", e.Task, e.Stage, e.Err)
}

func (e *StageTransformError) Unwrap() error {
	return e.Err
}

// DestinationWriteError is returned when the output of a task couldn't be written.
type DestinationWriteError struct {
	Task string
	Path string
	Err  error
}

func (e *DestinationWriteError) Error() string {
	return fmt.Sprintf("task %s: failed to write %s: %s", e.Task, e.Path, e.Err)
}

func (e *DestinationWriteError) Unwrap() error {
	return e.Err
}

// DependencyFailedError marks a task that was skipped because one of its prerequisites failed.
type DependencyFailedError struct {
	Task       string
	Dependency string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("task %s skipped because %s failed", e.Task, e.Dependency)
}

// ItemError can be returned by stage plugins to point at the file that caused a failure.
type ItemError struct {
	Path string
	Err  error
}

// NewItemError builds an ItemError with a formatted message.
func NewItemError(path, format string, args ...interface{}) *ItemError {
	return &ItemError{Path: path, Err: eris.Errorf(format, args...)}
}

func (e *ItemError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
