package buildsys

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// RunOptions modifies a single invocation
type RunOptions struct {
	// Force executes tasks even if the state store says their output is up-to-date
	Force bool
	// DryRun only logs the stages each task would run
	DryRun bool
}

// TaskResult describes what happened to a single task during an invocation
type TaskResult struct {
	Task     string
	State    TaskState
	Err      error
	Items    int
	Outputs  []string
	Duration time.Duration
}

// RunResult is returned by RunTasks. Tasks contains an entry for every planned task.
type RunResult struct {
	Roots    []string
	Order    []string
	Tasks    map[string]*TaskResult
	Started  time.Time
	Duration time.Duration
}

// Get returns the result of the named task or nil if it wasn't part of the plan
func (r *RunResult) Get(name string) *TaskResult {
	return r.Tasks[name]
}

// Failed returns the names of all failed tasks in execution order
func (r *RunResult) Failed() []string {
	result := make([]string, 0)
	for _, name := range r.Order {
		if r.Tasks[name].State == StateFailed {
			result = append(result, name)
		}
	}
	return result
}

// Executed returns the names of all tasks that ran their stages, in execution order
func (r *RunResult) Executed() []string {
	result := make([]string, 0)
	for _, name := range r.Order {
		state := r.Tasks[name].State
		if state == StateCompleted || state == StateFailed {
			result = append(result, name)
		}
	}
	return result
}

// Run executes the named task and its prerequisites
func (o *Orchestrator) Run(ctx context.Context, name string) (*RunResult, error) {
	return o.RunTasks(ctx, []string{name}, RunOptions{})
}

// RunTasks executes the named tasks and their prerequisites in a single invocation. Each task
// runs at most once. If a task fails, the tasks depending on it are skipped while unrelated
// tasks still run. The returned error is the first task failure.
func (o *Orchestrator) RunTasks(ctx context.Context, names []string, opts RunOptions) (*RunResult, error) {
	plan, err := o.Plan(names...)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		Roots:   append([]string{}, names...),
		Order:   plan,
		Tasks:   make(map[string]*TaskResult, len(plan)),
		Started: time.Now(),
	}
	for _, name := range plan {
		result.Tasks[name] = &TaskResult{Task: name, State: StatePending}
	}

	o.logger.Debug().Strs("plan", plan).Msg("resolved tasks")

	var firstErr error
	for _, name := range plan {
		o.lock.RLock()
		task := o.tasks[name]
		o.lock.RUnlock()

		tr := result.Tasks[name]

		if err := ctx.Err(); err != nil {
			tr.State = StateSkipped
			tr.Err = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if dep := failedDependency(task, result); dep != "" {
			tr.State = StateSkipped
			tr.Err = &DependencyFailedError{Task: name, Dependency: dep}
			o.logger.Warn().Str("task", name).Msgf("skipped because %s failed", dep)
			o.emit(TaskEvent{Task: name, State: StateSkipped, Err: tr.Err})
			continue
		}

		o.executeTask(ctx, task, tr, opts)
		if tr.Err != nil && firstErr == nil {
			firstErr = tr.Err
		}
	}

	result.Duration = time.Since(result.Started)
	return result, firstErr
}

func failedDependency(task *Task, result *RunResult) string {
	for _, dep := range task.Deps {
		tr, ok := result.Tasks[dep]
		if ok && (tr.State == StateFailed || tr.State == StateSkipped) {
			return dep
		}
	}
	return ""
}

func (o *Orchestrator) executeTask(ctx context.Context, task *Task, tr *TaskResult, opts RunOptions) {
	start := time.Now()
	logger := o.logger.With().Str("task", task.Name).Logger()

	fail := func(err error) {
		tr.State = StateFailed
		tr.Err = err
		tr.Duration = time.Since(start)
		logger.Error().Err(err).Msg("task failed")
		o.emit(TaskEvent{Task: task.Name, State: StateFailed, Err: err})
		o.saveRecord(ctx, logger, task, tr, "", nil)
	}

	tr.State = StateResolving
	o.emit(TaskEvent{Task: task.Name, State: StateResolving})

	if opts.DryRun {
		for _, spec := range task.Stages {
			logger.Info().Str("stage", spec.ID).Msgf("would run %s", spec.Plugin)
		}
		if task.Dest != "" {
			logger.Info().Msgf("would write to %s", task.Dest)
		}

		tr.State = StateCompleted
		tr.Duration = time.Since(start)
		o.emit(TaskEvent{Task: task.Name, State: StateCompleted})
		return
	}

	dest := o.DestPath(task.TaskDef)
	if dest != "" {
		unlock, err := o.locks.Lock(ctx, dest)
		if err != nil {
			fail(err)
			return
		}
		defer unlock()
	}

	items, err := o.collectItems(task)
	if err != nil {
		fail(eris.Wrapf(err, "failed to read sources of task %s", task.Name))
		return
	}

	fingerprint := ""
	if o.store != nil {
		fingerprint = fingerprintTask(task, items)

		// tasks without inputs always run since there's nothing to compare
		if !opts.Force && len(items) > 0 {
			record, err := o.store.LoadTask(ctx, task.Name)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to load previous state")
			} else if record != nil && record.Status == StateCompleted.String() &&
				record.Fingerprint == fingerprint && o.outputsUnchanged(record) {
				logger.Info().Msg("nothing to do")

				tr.State = StateUpToDate
				tr.Outputs = o.absOutputs(record.Outputs)
				tr.Items = len(record.Outputs)
				tr.Duration = time.Since(start)
				o.emit(TaskEvent{Task: task.Name, State: StateUpToDate})
				return
			}
		}
	}

	tr.State = StateExecuting
	total := len(task.Stages)
	for idx, spec := range task.Stages {
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}

		o.emit(TaskEvent{Task: task.Name, State: StateExecuting, Stage: spec.ID, Index: idx, Total: total})

		if spec.RequireInput && len(items) == 0 {
			fail(&EmptyInputError{Task: task.Name, Stage: spec.ID})
			return
		}

		plugin, ok := o.stages.Get(spec.Plugin)
		if !ok {
			fail(&UnknownStageError{Task: task.Name, Plugin: spec.Plugin})
			return
		}

		logger.Debug().Str("stage", spec.ID).Int("items", len(items)).Msg("running stage")
		out, err := plugin.Transform(ctx, &StageRequest{
			Task:    task.Name,
			Stage:   spec.ID,
			Root:    o.root,
			Env:     task.Env,
			Options: task.options[idx],
			Items:   items,
			Logger:  logger.With().Str("stage", spec.ID).Logger(),
			Match:   o.matcher.Match,
		})
		if err != nil {
			stageErr := &StageTransformError{Task: task.Name, Stage: spec.ID, Err: err}
			var itemErr *ItemError
			if eris.As(err, &itemErr) {
				stageErr.Path = itemErr.Path
			}

			fail(stageErr)
			return
		}

		items = out
	}

	var checksums []string
	if dest != "" {
		written, failedPath, err := writeOutputs(dest, items)
		if err != nil {
			fail(&DestinationWriteError{Task: task.Name, Path: failedPath, Err: err})
			return
		}

		tr.Outputs = make([]string, len(written))
		checksums = make([]string, len(written))
		for idx, file := range written {
			tr.Outputs[idx] = file.Path
			checksums[idx] = file.Checksum
		}
	}

	tr.Items = len(items)
	tr.State = StateCompleted
	tr.Duration = time.Since(start)
	logger.Info().Int("files", tr.Items).Dur("duration", tr.Duration).Msg("done")
	o.emit(TaskEvent{Task: task.Name, State: StateCompleted})
	o.saveRecord(ctx, logger, task, tr, fingerprint, checksums)
}

func (o *Orchestrator) saveRecord(ctx context.Context, logger zerolog.Logger, task *Task, tr *TaskResult, fingerprint string, checksums []string) {
	if o.store == nil {
		return
	}

	record := &TaskRecord{
		Task:        task.Name,
		Fingerprint: fingerprint,
		Outputs:     make([]string, len(tr.Outputs)),
		Checksums:   checksums,
		Status:      tr.State.String(),
		Finished:    time.Now(),
		Duration:    tr.Duration,
	}

	for idx, output := range tr.Outputs {
		record.Outputs[idx] = o.relPath(output)
	}

	if tr.Err != nil {
		record.Error = tr.Err.Error()
	}

	if err := o.store.SaveTask(ctx, record); err != nil {
		logger.Warn().Err(err).Msg("failed to save task state")
	}
}

func (o *Orchestrator) absOutputs(outputs []string) []string {
	result := make([]string, len(outputs))
	for idx, output := range outputs {
		result[idx] = o.absPath(output)
	}
	return result
}

// outputsUnchanged checks that every recorded output still has the content the task wrote.
// Another task writing to the same destination might have replaced it.
func (o *Orchestrator) outputsUnchanged(record *TaskRecord) bool {
	if len(record.Checksums) != len(record.Outputs) {
		return false
	}

	for idx, output := range o.absOutputs(record.Outputs) {
		checksum, err := fileChecksum(output)
		if err != nil || checksum != record.Checksums[idx] {
			return false
		}
	}
	return true
}

// fingerprintTask hashes the task definition and the content of its inputs
func fingerprintTask(task *Task, items []*Item) string {
	h := sha256.New()

	writeField(h, task.Name)
	writeField(h, strings.Join(task.Src, "\x00"))
	writeField(h, task.Dest)
	writeField(h, sortedPairs(task.Env))

	for idx, spec := range task.Stages {
		writeField(h, spec.Plugin)
		writeField(h, spec.ID)
		writeField(h, fmt.Sprint(spec.RequireInput))

		options := make(map[string]string, len(task.options[idx]))
		for k, v := range task.options[idx] {
			options[k] = fmt.Sprintf("%#v", v)
		}
		writeField(h, sortedPairs(options))
	}

	for _, item := range items {
		writeField(h, item.Path)
		writeField(h, item.Meta["source"])
		writeField(h, string(item.Content))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, value string) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(value)))
	h.Write(size[:])
	h.Write([]byte(value))
}

func sortedPairs(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(values[k])
		buf.WriteByte(0)
	}
	return buf.String()
}
