package buildsys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobBase(t *testing.T) {
	tests := []struct {
		pattern string
		base    string
	}{
		{"/p/src/*.css", "/p/src"},
		{"/p/src/**/*.js", "/p/src"},
		{"/p/src/app.js", "/p/src"},
		{"/p/*/style.css", "/p"},
		{"/p/src/{a,b}.txt", "/p/src"},
		{"/p/img/[ab].png", "/p/img"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.base, globBase(tt.pattern))
		})
	}
}

func TestGlobMatcher(t *testing.T) {
	m := newGlobMatcher()

	tests := []struct {
		pattern string
		path    string
		match   bool
	}{
		{"*.txt", "note.txt", true},
		{"*.txt", "sub/note.txt", false},
		{"**/*.txt", "note.txt", true},
		{"**/*.txt", "a/b/note.txt", true},
		{"src/**", "src/a/b.css", true},
		{"src/*.{css,scss}", "src/main.scss", true},
		{"src/*.{css,scss}", "src/main.js", false},
		{"./index.html", "index.html", true},
	}

	for _, tt := range tests {
		ok, err := m.Match(tt.pattern, tt.path)
		require.NoError(t, err)
		assert.Equal(t, tt.match, ok, "%s ~ %s", tt.pattern, tt.path)
	}

	// cached patterns give the same answer
	ok, err := m.Match("*.txt", "note.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCollectItems(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.css", "main")
	writeFile(t, root, "src/parts/grid.css", "grid")
	writeFile(t, root, "src/parts/vendor.css", "vendor")
	writeFile(t, root, "src/readme.md", "docs")
	writeFile(t, root, "src/.hidden.css", "hidden")

	o := newTestOrchestrator(t, root)
	task := &Task{TaskDef: TaskDef{
		Name: "css",
		Src:  []string{"src/**/*.css", "!src/parts/vendor.css", "src/main.css", "src/readme.md"},
	}}

	items, err := o.collectItems(task)
	require.NoError(t, err)

	paths := make([]string, len(items))
	sources := make([]string, len(items))
	for idx, item := range items {
		paths[idx] = item.Path
		sources[idx] = item.Meta["source"]
	}

	assert.Equal(t, []string{"main.css", "parts/grid.css", "readme.md"}, paths)
	assert.Equal(t, []string{"src/main.css", "src/parts/grid.css", "src/readme.md"}, sources)
	assert.Equal(t, "grid", string(items[1].Content))
}
