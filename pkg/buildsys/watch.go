package buildsys

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cortesi/moddwatch"
	"github.com/rotisserie/eris"
)

const defaultLull = 100 * time.Millisecond

// WatchOptions configures Watch and NewWatcher
type WatchOptions struct {
	// Lull is the time the filesystem has to be quiet before a batch of changes is reported
	Lull time.Duration
	// Excludes lists additional root relative patterns that are never reported
	Excludes []string
	// OnRun is called after every run triggered by a watch rule. It's called from one goroutine
	// per rule.
	OnRun func(rule string, result *RunResult, err error)
}

// Watcher re-runs the task lists of the registered watch rules whenever it's notified about
// changed files. Each rule has its own worker and queue: every matching notification causes
// exactly one run which starts after the previous run of the same rule finished. Runs of
// different rules overlap, but tasks writing to the same destination never run concurrently.
type Watcher struct {
	o       *Orchestrator
	ctx     context.Context
	opts    WatchOptions
	workers []*ruleWorker
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

type ruleWorker struct {
	rule   WatchRule
	lock   sync.Mutex
	cond   *sync.Cond
	queue  [][]string
	closed bool
}

// NewWatcher validates the registry and starts one worker per watch rule. The workers stop
// once ctx is cancelled or Close is called.
func (o *Orchestrator) NewWatcher(ctx context.Context, opts WatchOptions) (*Watcher, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	w := &Watcher{
		o:    o,
		ctx:  ctx,
		opts: opts,
		done: make(chan struct{}),
	}

	for _, rule := range o.WatchRules() {
		worker := &ruleWorker{rule: rule}
		worker.cond = sync.NewCond(&worker.lock)
		w.workers = append(w.workers, worker)

		w.wg.Add(1)
		go w.work(worker)
	}

	go func() {
		select {
		case <-ctx.Done():
			w.stop(true)
		case <-w.done:
		}
	}()

	return w, nil
}

// Notify reports a batch of changed files. Paths can be absolute or relative to the project root.
// It returns the names of the rules that were triggered.
func (w *Watcher) Notify(paths ...string) ([]string, error) {
	rels := make([]string, len(paths))
	for idx, path := range paths {
		rels[idx] = w.o.relPath(filepath.FromSlash(path))
	}

	triggered := make([]string, 0)
	for _, worker := range w.workers {
		matched, err := w.matches(worker.rule, rels)
		if err != nil {
			return triggered, err
		}

		if !matched {
			continue
		}

		worker.lock.Lock()
		if !worker.closed {
			worker.queue = append(worker.queue, rels)
			triggered = append(triggered, worker.rule.Name)
			worker.cond.Signal()
		}
		worker.lock.Unlock()
	}

	return triggered, nil
}

func (w *Watcher) matches(rule WatchRule, paths []string) (bool, error) {
paths:
	for _, path := range paths {
		for _, excl := range w.opts.Excludes {
			excluded, err := w.o.matcher.Match(excl, path)
			if err != nil {
				return false, err
			}
			if excluded {
				continue paths
			}
		}

		for _, pat := range rule.Patterns {
			ok, err := w.o.matcher.Match(pat, path)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// Close waits for all queued runs to finish and stops the workers
func (w *Watcher) Close() {
	w.stop(false)
	w.wg.Wait()
	w.once.Do(func() { close(w.done) })
}

func (w *Watcher) stop(dropQueued bool) {
	for _, worker := range w.workers {
		worker.lock.Lock()
		worker.closed = true
		if dropQueued {
			worker.queue = nil
		}
		worker.cond.Broadcast()
		worker.lock.Unlock()
	}
}

func (w *Watcher) work(worker *ruleWorker) {
	defer w.wg.Done()
	logger := w.o.logger.With().Str("watch", worker.rule.Name).Logger()

	for {
		worker.lock.Lock()
		for len(worker.queue) == 0 && !worker.closed {
			worker.cond.Wait()
		}

		if len(worker.queue) == 0 {
			worker.lock.Unlock()
			return
		}

		changed := worker.queue[0]
		worker.queue = worker.queue[1:]
		worker.lock.Unlock()

		logger.Info().Strs("changed", changed).Msgf("running %v", worker.rule.Tasks)
		// a changed file can be read by a task without being one of its sources, so the state
		// store can't tell whether the triggered tasks are up-to-date
		result, err := w.o.RunTasks(w.ctx, worker.rule.Tasks, RunOptions{Force: true})
		if err != nil {
			logger.Error().Err(err).Msg("run failed")
		}

		if w.opts.OnRun != nil {
			w.opts.OnRun(worker.rule.Name, result, err)
		}
	}
}

// Watch watches the project root for changes to the files matched by the watch rules and runs
// the associated tasks. It blocks until ctx is cancelled and in-flight runs finished.
func (o *Orchestrator) Watch(ctx context.Context, opts WatchOptions) error {
	w, err := o.NewWatcher(ctx, opts)
	if err != nil {
		return err
	}
	defer w.Close()

	includes := make([]string, 0)
	seen := make(map[string]bool)
	for _, rule := range o.WatchRules() {
		for _, pat := range rule.Patterns {
			if !seen[pat] {
				seen[pat] = true
				includes = append(includes, pat)
			}
		}
	}

	excludes := append([]string{"**/.*.tmp-*"}, opts.Excludes...)

	lull := opts.Lull
	if lull <= 0 {
		lull = defaultLull
	}

	modChan := make(chan *moddwatch.Mod, 1024)
	watcher, err := moddwatch.Watch(o.root, includes, excludes, lull, modChan)
	if err != nil {
		w.stop(true)
		return eris.Wrapf(err, "failed to watch %s", o.root)
	}
	defer watcher.Stop()

	o.logger.Info().Strs("patterns", includes).Msg("watching for changes")

	for {
		select {
		case <-ctx.Done():
			w.stop(true)
			return nil
		case mod, ok := <-modChan:
			if !ok {
				w.stop(false)
				return nil
			}

			if mod == nil {
				continue
			}

			if _, err := w.Notify(mod.All()...); err != nil {
				o.logger.Error().Err(err).Msg("failed to match changes")
			}
		}
	}
}
