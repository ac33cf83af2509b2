package buildsys

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// collectItems reads every file matched by the task's source patterns. Items are ordered by
// pattern and then by path; files matched by multiple patterns are only read once.
func (o *Orchestrator) collectItems(task *Task) ([]*Item, error) {
	type match struct {
		abs  string
		path string
	}

	matches := make([]match, 0)
	seen := make(map[string]int)

	for _, pat := range task.Src {
		if strings.HasPrefix(pat, "!") {
			exclude := strings.TrimPrefix(pat, "!")
			kept := matches[:0]
			for _, m := range matches {
				rel := o.relPath(m.abs)
				excluded, err := o.matcher.Match(exclude, rel)
				if err != nil {
					return nil, err
				}

				if !excluded {
					kept = append(kept, m)
				}
			}
			matches = kept

			seen = make(map[string]int, len(matches))
			for idx, m := range matches {
				seen[m.abs] = idx
			}
			continue
		}

		absPattern := o.absPath(pat)
		base := globBase(absPattern)

		files, err := expandGlob(absPattern)
		if err != nil {
			return nil, err
		}

		for _, file := range files {
			if _, ok := seen[file]; ok {
				continue
			}

			rel, err := filepath.Rel(filepath.FromSlash(base), file)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to determine path of %s relative to %s", file, base)
			}

			seen[file] = len(matches)
			matches = append(matches, match{abs: file, path: filepath.ToSlash(rel)})
		}
	}

	items := make([]*Item, len(matches))
	for idx, m := range matches {
		content, err := os.ReadFile(m.abs)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", m.abs)
		}

		items[idx] = &Item{
			Path:    m.path,
			Content: content,
			Meta: map[string]string{
				"source": o.relPath(m.abs),
			},
		}
	}

	return items, nil
}

// absPath turns a root relative path into an absolute, slash separated one
func (o *Orchestrator) absPath(path string) string {
	path = filepath.ToSlash(path)
	if !filepath.IsAbs(filepath.FromSlash(path)) {
		path = filepath.ToSlash(o.root) + "/" + strings.TrimPrefix(path, "./")
	}
	return path
}

// relPath returns path relative to the project root with forward slashes. Paths outside the
// root are returned unchanged.
func (o *Orchestrator) relPath(path string) string {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(path))
	}

	rel, err := filepath.Rel(o.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
