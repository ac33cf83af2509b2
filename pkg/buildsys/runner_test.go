package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUppercaseThenExclaim(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "in/hi.txt", "hi")

	log := &callLog{}
	o := newTestOrchestrator(t, root, recorder(log))

	require.NoError(t, o.Register(TaskDef{
		Name:   "A",
		Src:    []string{"in/*.txt"},
		Stages: []StageSpec{{Plugin: "record"}, {Plugin: "upper"}},
		Dest:   "out/a",
	}))
	require.NoError(t, o.Register(TaskDef{
		Name:   "B",
		Src:    []string{"out/a/*.txt"},
		Stages: []StageSpec{{Plugin: "record"}, {Plugin: "exclaim"}},
		Dest:   "out/b",
		Deps:   []string{"A"},
	}))

	result, err := o.Run(context.Background(), "B")
	require.NoError(t, err)

	assert.Equal(t, "HI", readFile(t, root, "out/a/hi.txt"))
	assert.Equal(t, "HI!", readFile(t, root, "out/b/hi.txt"))
	assert.Equal(t, []string{"A", "B"}, log.list())
	assert.Equal(t, []string{"A", "B"}, result.Order)
	assert.Equal(t, StateCompleted, result.Get("A").State)
	assert.Equal(t, StateCompleted, result.Get("B").State)
	assert.Equal(t, 1, result.Get("B").Items)
}

func TestPrerequisitesRunOnce(t *testing.T) {
	root := t.TempDir()
	log := &callLog{}
	o := newTestOrchestrator(t, root, recorder(log))

	record := []StageSpec{{Plugin: "record"}}
	require.NoError(t, o.Register(TaskDef{Name: "base", Stages: record}))
	require.NoError(t, o.Register(TaskDef{Name: "left", Stages: record, Deps: []string{"base"}}))
	require.NoError(t, o.Register(TaskDef{Name: "right", Stages: record, Deps: []string{"base"}}))
	require.NoError(t, o.Register(TaskDef{Name: "top", Stages: record, Deps: []string{"right", "left", "base"}}))

	_, err := o.RunTasks(context.Background(), []string{"top", "left"}, RunOptions{})
	require.NoError(t, err)

	// left was registered before right, so it runs first even though top lists right first
	assert.Equal(t, []string{"base", "left", "right", "top"}, log.list())
}

func TestPlanOrdersRootsByArgument(t *testing.T) {
	o := newTestOrchestrator(t, t.TempDir())

	require.NoError(t, o.Register(TaskDef{Name: "css"}))
	require.NoError(t, o.Register(TaskDef{Name: "js"}))
	require.NoError(t, o.Register(TaskDef{Name: "html", Deps: []string{"css"}}))
	require.NoError(t, o.Register(TaskDef{Name: "build", Deps: []string{"html", "js"}}))

	plan, err := o.Plan("js", "build")
	require.NoError(t, err)
	assert.Equal(t, []string{"js", "css", "html", "build"}, plan)

	_, err = o.Plan("missing")
	var unknown *UnknownTaskError
	require.True(t, eris.As(err, &unknown))
	assert.Equal(t, "missing", unknown.Name)
}

func TestSelfDependencyIsRejected(t *testing.T) {
	o := newTestOrchestrator(t, t.TempDir())

	err := o.Register(TaskDef{Name: "loop", Deps: []string{"loop"}})

	var cycle *CyclicDependencyError
	require.True(t, eris.As(err, &cycle))
	assert.Equal(t, []string{"loop", "loop"}, cycle.Path)

	_, ok := o.Task("loop")
	assert.False(t, ok)
}

func TestCycleIsDetectedBeforeExecution(t *testing.T) {
	log := &callLog{}
	o := newTestOrchestrator(t, t.TempDir(), recorder(log))

	record := []StageSpec{{Plugin: "record"}}
	require.NoError(t, o.Register(TaskDef{Name: "ok", Stages: record}))
	require.NoError(t, o.Register(TaskDef{Name: "a", Stages: record, Deps: []string{"ok", "b"}}))
	require.NoError(t, o.Register(TaskDef{Name: "b", Stages: record, Deps: []string{"c"}}))
	require.NoError(t, o.Register(TaskDef{Name: "c", Stages: record, Deps: []string{"a"}}))

	result, err := o.Run(context.Background(), "a")
	assert.Nil(t, result)

	var cycle *CyclicDependencyError
	require.True(t, eris.As(err, &cycle))
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Path)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
	assert.Empty(t, log.list())
}

func TestRegistrationErrors(t *testing.T) {
	o := newTestOrchestrator(t, t.TempDir())

	require.NoError(t, o.Register(TaskDef{Name: "dup"}))

	var dup *DuplicateTaskError
	require.True(t, eris.As(o.Register(TaskDef{Name: "dup"}), &dup))
	assert.Equal(t, "dup", dup.Name)

	var stage *UnknownStageError
	require.True(t, eris.As(o.Register(TaskDef{Name: "x", Stages: []StageSpec{{Plugin: "nope"}}}), &stage))
	assert.Equal(t, "nope", stage.Plugin)

	var option *InvalidStageOptionError
	err := o.Register(TaskDef{Name: "y", Stages: []StageSpec{{Plugin: "fail", Options: map[string]interface{}{"colour": "red"}}}})
	require.True(t, eris.As(err, &option))
	assert.Equal(t, "colour", option.Option)
	assert.Equal(t, "fail#0", option.Stage)

	err = o.Register(TaskDef{Name: "z", Stages: []StageSpec{{Plugin: "fail", Options: map[string]interface{}{"path": 42}}}})
	require.True(t, eris.As(err, &option))

	require.NoError(t, o.Register(TaskDef{Name: "orphan", Deps: []string{"ghost"}}))

	var prereq *UnknownPrerequisiteError
	require.True(t, eris.As(o.Validate(), &prereq))
	assert.Equal(t, "orphan", prereq.Task)
	assert.Equal(t, "ghost", prereq.Prerequisite)
}

func TestRegistryIsFrozenAfterValidation(t *testing.T) {
	o := newTestOrchestrator(t, t.TempDir())

	require.NoError(t, o.Register(TaskDef{Name: "a"}))
	require.NoError(t, o.Validate())

	assert.True(t, eris.Is(o.Register(TaskDef{Name: "b"}), ErrFrozen))
	assert.True(t, eris.Is(o.AddWatchRule(WatchRule{Patterns: []string{"*"}, Tasks: []string{"a"}}), ErrFrozen))
}

func TestEmptySourceSucceeds(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, root)

	require.NoError(t, o.Register(TaskDef{
		Name:   "nothing",
		Src:    []string{"missing/**/*.css", "also-missing.txt"},
		Stages: []StageSpec{{Plugin: "upper"}},
		Dest:   "out",
	}))

	result, err := o.Run(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.Get("nothing").State)
	assert.Equal(t, 0, result.Get("nothing").Items)
	assert.Empty(t, result.Get("nothing").Outputs)
}

func TestRequireInputFailsBeforeWriting(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, root)

	require.NoError(t, o.Register(TaskDef{
		Name:   "strict",
		Src:    []string{"src/*.js"},
		Stages: []StageSpec{{Plugin: "upper", ID: "shout", RequireInput: true}},
		Dest:   "out",
	}))

	result, err := o.Run(context.Background(), "strict")

	var empty *EmptyInputError
	require.True(t, eris.As(err, &empty))
	assert.Equal(t, "strict", empty.Task)
	assert.Equal(t, "shout", empty.Stage)
	assert.Equal(t, StateFailed, result.Get("strict").State)

	_, statErr := os.Stat(filepath.Join(root, "out"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFailureSkipsDependentsButNotSiblings(t *testing.T) {
	root := t.TempDir()
	log := &callLog{}
	o := newTestOrchestrator(t, root, recorder(log))

	record := StageSpec{Plugin: "record"}
	require.NoError(t, o.Register(TaskDef{
		Name:   "broken",
		Stages: []StageSpec{record, {Plugin: "fail", ID: "explode", Options: map[string]interface{}{"path": "main.css"}}},
	}))
	require.NoError(t, o.Register(TaskDef{Name: "sibling", Stages: []StageSpec{record}}))
	require.NoError(t, o.Register(TaskDef{Name: "child", Stages: []StageSpec{record}, Deps: []string{"broken"}}))
	require.NoError(t, o.Register(TaskDef{Name: "grandchild", Stages: []StageSpec{record}, Deps: []string{"child"}}))

	result, err := o.RunTasks(context.Background(), []string{"grandchild", "sibling"}, RunOptions{})

	var stageErr *StageTransformError
	require.True(t, eris.As(err, &stageErr))
	assert.Equal(t, "broken", stageErr.Task)
	assert.Equal(t, "explode", stageErr.Stage)
	assert.Equal(t, "main.css", stageErr.Path)
	assert.Contains(t, err.Error(), "broken input")

	assert.Equal(t, []string{"broken", "sibling"}, log.list())
	assert.Equal(t, StateFailed, result.Get("broken").State)
	assert.Equal(t, StateSkipped, result.Get("child").State)
	assert.Equal(t, StateSkipped, result.Get("grandchild").State)
	assert.Equal(t, StateCompleted, result.Get("sibling").State)
	assert.Equal(t, []string{"broken"}, result.Failed())

	var depErr *DependencyFailedError
	require.True(t, eris.As(result.Get("grandchild").Err, &depErr))
	assert.Equal(t, "child", depErr.Dependency)
}

func TestDestinationWriteFailureKeepsPreviousOutput(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.txt", "first")

	o := newTestOrchestrator(t, root)
	require.NoError(t, o.Register(TaskDef{
		Name: "copy",
		Src:  []string{"src/**/*.txt"},
		Dest: "out",
	}))

	_, err := o.Run(context.Background(), "copy")
	require.NoError(t, err)
	require.Equal(t, "first", readFile(t, root, "out/a.txt"))

	// "out/sub" is a file, so out/sub/b.txt can't be written
	writeFile(t, root, "out/sub", "in the way")
	writeFile(t, root, "src/a.txt", "second")
	writeFile(t, root, "src/sub/b.txt", "new")

	result, err := o.Run(context.Background(), "copy")

	var writeErr *DestinationWriteError
	require.True(t, eris.As(err, &writeErr))
	assert.Equal(t, "copy", writeErr.Task)
	assert.Equal(t, StateFailed, result.Get("copy").State)

	assert.Equal(t, "first", readFile(t, root, "out/a.txt"))
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, listFiles(t, filepath.Join(root, "out")))
}

func TestRepeatedRunsAreIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.txt", "alpha")
	writeFile(t, root, "src/nested/b.txt", "beta")

	o := newTestOrchestrator(t, root)
	require.NoError(t, o.Register(TaskDef{
		Name:   "shout",
		Src:    []string{"src/**/*.txt"},
		Stages: []StageSpec{{Plugin: "upper"}},
		Dest:   "out",
	}))

	snapshot := func() map[string]string {
		files := map[string]string{}
		for _, name := range listFiles(t, filepath.Join(root, "out")) {
			files[name] = readFile(t, root, "out/"+name)
		}
		return files
	}

	_, err := o.Run(context.Background(), "shout")
	require.NoError(t, err)
	first := snapshot()

	_, err = o.Run(context.Background(), "shout")
	require.NoError(t, err)

	assert.Equal(t, first, snapshot())
	assert.Equal(t, map[string]string{"a.txt": "ALPHA", "nested/b.txt": "BETA"}, first)
}

func TestUnchangedInputsAreUpToDate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.txt", "alpha")

	log := &callLog{}
	store := newMemoryStore()
	o, err := New(root, testRegistry(t, recorder(log)), Options{Store: store})
	require.NoError(t, err)

	require.NoError(t, o.Register(TaskDef{
		Name:   "copy",
		Src:    []string{"src/*.txt"},
		Stages: []StageSpec{{Plugin: "record"}},
		Dest:   "out",
	}))

	ctx := context.Background()
	_, err = o.Run(ctx, "copy")
	require.NoError(t, err)

	result, err := o.Run(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, StateUpToDate, result.Get("copy").State)
	assert.Equal(t, []string{"copy"}, log.list())

	_, err = o.RunTasks(ctx, []string{"copy"}, RunOptions{Force: true})
	require.NoError(t, err)
	assert.Len(t, log.list(), 2)

	writeFile(t, root, "src/a.txt", "changed")
	result, err = o.Run(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.Get("copy").State)
	assert.Len(t, log.list(), 3)

	require.NoError(t, os.Remove(filepath.Join(root, "out", "a.txt")))
	result, err = o.Run(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.Get("copy").State)
	assert.Equal(t, []string{"out/a.txt"}, store.records["copy"].Outputs)
}

func TestSharedDestinationIsNotUpToDateAfterOverwrite(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.txt", "hi")

	store := newMemoryStore()
	o, err := New(root, testRegistry(t), Options{Store: store})
	require.NoError(t, err)

	require.NoError(t, o.Register(TaskDef{
		Name:   "upper",
		Src:    []string{"src/*.txt"},
		Stages: []StageSpec{{Plugin: "upper"}},
		Dest:   "dist",
	}))
	require.NoError(t, o.Register(TaskDef{
		Name:   "bang",
		Src:    []string{"src/*.txt"},
		Stages: []StageSpec{{Plugin: "exclaim"}},
		Dest:   "dist",
	}))

	ctx := context.Background()
	_, err = o.Run(ctx, "upper")
	require.NoError(t, err)
	assert.Equal(t, "HI", readFile(t, root, "dist/a.txt"))
	require.Len(t, store.records["upper"].Checksums, 1)

	_, err = o.Run(ctx, "bang")
	require.NoError(t, err)
	assert.Equal(t, "hi!", readFile(t, root, "dist/a.txt"))

	result, err := o.Run(ctx, "upper")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.Get("upper").State)
	assert.Equal(t, "HI", readFile(t, root, "dist/a.txt"))

	result, err = o.Run(ctx, "upper")
	require.NoError(t, err)
	assert.Equal(t, StateUpToDate, result.Get("upper").State)
}

func TestDryRunDoesNotExecute(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.txt", "alpha")

	log := &callLog{}
	o := newTestOrchestrator(t, root, recorder(log))
	require.NoError(t, o.Register(TaskDef{
		Name:   "copy",
		Src:    []string{"src/*.txt"},
		Stages: []StageSpec{{Plugin: "record"}},
		Dest:   "out",
	}))

	result, err := o.RunTasks(context.Background(), []string{"copy"}, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.Get("copy").State)
	assert.Empty(t, log.list())

	_, statErr := os.Stat(filepath.Join(root, "out"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestObserverSeesStateChanges(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.txt", "alpha")

	var events []string
	o, err := New(root, testRegistry(t), Options{Observer: func(evt TaskEvent) {
		events = append(events, evt.Task+":"+evt.State.String()+":"+evt.Stage)
	}})
	require.NoError(t, err)

	require.NoError(t, o.Register(TaskDef{
		Name:   "shout",
		Src:    []string{"src/*.txt"},
		Stages: []StageSpec{{Plugin: "upper"}, {Plugin: "exclaim", ID: "bang"}},
	}))

	_, err = o.Run(context.Background(), "shout")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"shout:resolving:",
		"shout:executing:upper#0",
		"shout:executing:bang",
		"shout:completed:",
	}, events)
}

func TestCancelledContextSkipsRemainingTasks(t *testing.T) {
	o := newTestOrchestrator(t, t.TempDir())
	require.NoError(t, o.Register(TaskDef{Name: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Run(ctx, "a")
	assert.True(t, eris.Is(err, context.Canceled))
	assert.Equal(t, StateSkipped, result.Get("a").State)
}

func TestItemPathsMustStayInsideDestination(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.txt", "alpha")

	escape := &funcPlugin{
		name: "escape",
		fn: func(ctx context.Context, req *StageRequest) ([]*Item, error) {
			return []*Item{{Path: "../evil.txt", Content: []byte("x")}}, nil
		},
	}

	o := newTestOrchestrator(t, root, escape)
	require.NoError(t, o.Register(TaskDef{
		Name:   "bad",
		Src:    []string{"src/*.txt"},
		Stages: []StageSpec{{Plugin: "escape"}},
		Dest:   "out",
	}))

	_, err := o.Run(context.Background(), "bad")

	var writeErr *DestinationWriteError
	require.True(t, eris.As(err, &writeErr))
	assert.True(t, strings.Contains(err.Error(), "outside"))

	_, statErr := os.Stat(filepath.Join(root, "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
