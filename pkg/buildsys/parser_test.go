package buildsys

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScript = `
mode = option("mode", "dev", help = "build mode")
setenv("NODE_ENV", mode)

def configure():
    css = task(
        src = ["//src/css/*.css"],
        stages = [stage("minify-css", preserve_comments = mode == "dev")],
        dest = "//build/css",
    )

    task(
        name = "html",
        desc = "Copies the HTML files",
        src = ["src/*.html"],
        dest = resolve_path("build"),
    )

    task(
        name = "build",
        desc = "Builds everything",
        deps = [css, "html"],
    )

    watch(patterns = ["//src/**/*.css"], tasks = [css])
    watch(name = "markup", patterns = ["src/*.html"], tasks = ["html"])
`

const testYAML = `
tasks:
  - name: css
    hidden: true
    src: ["src/css/*.css"]
    stages:
      - plugin: minify-css
        options:
          preserve_comments: true
    dest: build/css
  - name: html
    desc: Copies the HTML files
    src: ["src/*.html"]
    dest: build
  - name: build
    desc: Builds everything
    deps: [css, html]
watch:
  - name: markup
    patterns: ["src/*.html"]
    tasks: [html]
`

func TestRunScript(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "tasks.star", testScript)

	cfg, options, err := RunScript(context.Background(), filepath.Join(root, "tasks.star"), root, map[string]string{}, true)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Options["mode"])
	assert.Equal(t, "build mode", options["mode"].Help)
	require.Len(t, cfg.Tasks, 3)

	css := cfg.Tasks[0]
	assert.True(t, css.Hidden)
	assert.True(t, strings.HasPrefix(css.Name, "auto#"))
	assert.Equal(t, []string{"src/css/*.css"}, css.Src)
	assert.Equal(t, "build/css", css.Dest)
	assert.Equal(t, "minify-css", css.Stages[0].Plugin)
	assert.Equal(t, true, css.Stages[0].Options["preserve_comments"])
	assert.Equal(t, "dev", css.Env["NODE_ENV"])

	html, ok := cfg.Task("html")
	require.True(t, ok)
	assert.Equal(t, []string{"src/*.html"}, html.Src)
	assert.Equal(t, "build", html.Dest)

	build, ok := cfg.Task("build")
	require.True(t, ok)
	assert.Equal(t, []string{css.Name, "html"}, build.Deps)

	require.Len(t, cfg.Watches, 2)
	assert.Equal(t, css.Name, cfg.Watches[0].Name)
	assert.Equal(t, []string{"src/**/*.css"}, cfg.Watches[0].Patterns)
	assert.Equal(t, WatchRule{Name: "markup", Patterns: []string{"src/*.html"}, Tasks: []string{"html"}}, cfg.Watches[1])
}

func TestRunScriptOptions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "tasks.star", testScript)

	cfg, _, err := RunScript(context.Background(), filepath.Join(root, "tasks.star"), root, map[string]string{"mode": "release"}, true)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Options["mode"])
	assert.Equal(t, false, cfg.Tasks[0].Stages[0].Options["preserve_comments"])
	assert.Equal(t, "release", cfg.Tasks[0].Env["NODE_ENV"])
}

func TestRunScriptErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		err    string
	}{
		{"missing configure", `x = 1`, "did not declare a configure function"},
		{"task outside configure", "task(name = 'a')\ndef configure():\n    pass", "inside configure()"},
		{"reserved name", "def configure():\n    task(name = 'configure')", "reserved"},
		{"error builtin", "error('custom failure')\ndef configure():\n    pass", "custom failure"},
		{"impossible version", "require_version('>= 999.0')\ndef configure():\n    pass", "requires buildpipe"},
		{"bad stage list", "def configure():\n    task(name = 'a', stages = [1])", "unexpected type int"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, root, "tasks.star", tt.script)

			_, err := LoadConfig(context.Background(), filepath.Join(root, "tasks.star"), root, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestReadYamlBuiltin(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "versions.yml", "deps:\n  jquery:\n    version: 3.6.0\n  list: [a, b]\n")
	writeFile(t, root, "tasks.star", `
version = read_yaml("versions.yml", "deps.jquery.version")
second = read_yaml("versions.yml", "deps.list.1")
fallback = read_yaml("versions.yml", "deps.missing", "none")

def configure():
    task(name = "v" + version + second + fallback)
`)

	cfg, err := LoadConfig(context.Background(), filepath.Join(root, "tasks.star"), root, nil)
	require.NoError(t, err)
	assert.Equal(t, "v3.6.0bnone", cfg.Tasks[0].Name)
}

func TestParseYAMLMatchesStarlark(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "tasks.yml", testYAML)

	cfg, err := LoadConfig(context.Background(), filepath.Join(root, "tasks.yml"), root, nil)
	require.NoError(t, err)

	require.Len(t, cfg.Tasks, 3)
	assert.Equal(t, []string{"src/css/*.css"}, cfg.Tasks[0].Src)
	assert.Equal(t, true, cfg.Tasks[0].Stages[0].Options["preserve_comments"])
	assert.Equal(t, []string{"css", "html"}, cfg.Tasks[2].Deps)
	assert.Equal(t, WatchRule{Name: "markup", Patterns: []string{"src/*.html"}, Tasks: []string{"html"}}, cfg.Watches[0])

	_, err = ParseYAML(writeTemp(t, "tasks:\n  - name: a\n    colour: red\n"), root)
	require.Error(t, err)
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	writeFile(t, dir, "tasks.yml", content)
	return filepath.Join(dir, "tasks.yml")
}

func TestLoadConfigCached(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "tasks.star", testScript)
	cacheFile := filepath.Join(root, ".buildpipe", "pipeline.cache")
	script := filepath.Join(root, "tasks.star")
	ctx := context.Background()

	first, err := LoadConfigCached(ctx, script, root, map[string]string{"mode": "dev"}, cacheFile)
	require.NoError(t, err)

	header, cached, err := ReadCache(cacheFile)
	require.NoError(t, err)
	assert.True(t, header.Fresh(map[string]string{"mode": "dev"}))
	assert.False(t, header.Fresh(map[string]string{"mode": "release"}))
	require.Len(t, cached.Tasks, len(first.Tasks))
	assert.Equal(t, first.Tasks[2].Deps, cached.Tasks[2].Deps)
	assert.Equal(t, first.Watches, cached.Watches)

	// anonymous task names are random, so an unchanged name proves the cache was used
	second, err := LoadConfigCached(ctx, script, root, map[string]string{"mode": "dev"}, cacheFile)
	require.NoError(t, err)
	assert.Equal(t, first.Tasks[0].Name, second.Tasks[0].Name)

	writeFile(t, root, "tasks.star", testScript+"\n# changed\n")
	third, err := LoadConfigCached(ctx, script, root, map[string]string{"mode": "dev"}, cacheFile)
	require.NoError(t, err)
	assert.NotEqual(t, first.Tasks[0].Name, third.Tasks[0].Name)
}

func TestFindPipelineFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "tasks.yml", testYAML)
	writeFile(t, root, "src/deep/file.txt", "")

	found, err := FindPipelineFile(filepath.Join(root, "src", "deep"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "tasks.yml"), found)
}

func TestConfigRunsEndToEnd(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "in/hi.txt", "hi")
	writeFile(t, root, "tasks.yml", `
tasks:
  - name: A
    src: ["in/*.txt"]
    stages: [{plugin: upper}]
    dest: out/a
  - name: B
    deps: [A]
    src: ["out/a/*.txt"]
    stages: [{plugin: exclaim}]
    dest: out/b
`)

	cfg, err := LoadConfig(context.Background(), filepath.Join(root, "tasks.yml"), root, nil)
	require.NoError(t, err)

	o, err := NewFromConfig(cfg, testRegistry(t), Options{})
	require.NoError(t, err)

	_, err = o.Run(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, "HI!", readFile(t, root, "out/b/hi.txt"))
}
