package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	tasks, options := splitArgs([]string{"build", "mode=release", "test", "empty=", "url=a=b"})
	assert.Equal(t, []string{"build", "test"}, tasks)
	assert.Equal(t, map[string]string{"mode": "release", "empty": "", "url": "a=b"}, options)
}

func TestServedPaths(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "project", "build")
	result := &buildsys.RunResult{
		Order: []string{"css", "lint"},
		Tasks: map[string]*buildsys.TaskResult{
			"css": {
				State: buildsys.StateCompleted,
				Outputs: []string{
					filepath.Join(root, "stylesheets", "app.css"),
					filepath.Join(root, "..", "reports", "stats.json"),
				},
			},
			"lint": {State: buildsys.StateUpToDate, Outputs: []string{filepath.Join(root, "ignored.txt")}},
		},
	}

	assert.Equal(t, []string{"stylesheets/app.css"}, servedPaths(root, result))
}

func TestConsoleWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(NewConsoleWriter(&buf, false))

	logger.Info().Str("task", "css").Str("stage", "minify-css#1").Msg("done [2/3]")
	assert.Equal(t, "css [minify-css#1]: done [2/3]\n", buf.String())

	buf.Reset()
	logger.Error().Str("task", "js").Err(eris.New("boom")).Msg("task failed")
	assert.Contains(t, buf.String(), "js: Error: task failed\n")
	assert.Contains(t, buf.String(), "boom")

	buf.Reset()
	logger.Info().Bool("command", true).Msg("echo hi")
	assert.Equal(t, "$ echo hi\n", buf.String())

	_, err := NewConsoleWriter(&buf, false).Write([]byte("not json"))
	assert.Error(t, err)
}

func TestPosixHelpers(t *testing.T) {
	dir := t.TempDir()
	path := func(parts ...string) string {
		return filepath.Join(append([]string{dir}, parts...)...)
	}

	require.NoError(t, posixMkdir([]string{path("a", "b")}, true))
	assert.Error(t, posixMkdir([]string{path("x", "y")}, false))
	assert.DirExists(t, path("a", "b"))

	require.NoError(t, os.WriteFile(path("one.txt"), []byte("1"), 0o600))
	require.NoError(t, os.WriteFile(path("two.txt"), []byte("2"), 0o600))

	// into a directory
	require.NoError(t, posixMove([]string{path("one.txt"), path("two.txt")}, path("a")))
	assert.FileExists(t, path("a", "one.txt"))
	assert.FileExists(t, path("a", "two.txt"))

	// rename to a new file
	require.NoError(t, posixMove([]string{path("a", "one.txt")}, path("a", "renamed.txt")))
	assert.FileExists(t, path("a", "renamed.txt"))

	assert.Error(t, posixMove([]string{path("a", "renamed.txt"), path("a", "two.txt")}, path("missing.txt")))
	assert.Error(t, posixMove([]string{path("a", "two.txt")}, path("nope", "two.txt")))

	assert.Error(t, posixRemove([]string{path("a")}, false, false))
	assert.Error(t, posixRemove([]string{path("missing")}, false, false))
	require.NoError(t, posixRemove([]string{path("missing"), path("a")}, true, true))
	assert.NoDirExists(t, path("a"))
}
