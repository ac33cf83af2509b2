package buildsys

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shaj13/libcache"
	_ "github.com/shaj13/libcache/lru"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/pattern"
	"mvdan.cc/sh/v3/syntax"
)

const matcherCacheSize = 256

// globMatcher matches slash separated paths against shell patterns. Compiled patterns are cached.
type globMatcher struct {
	cache libcache.Cache
}

func newGlobMatcher() *globMatcher {
	return &globMatcher{
		cache: libcache.LRU.New(matcherCacheSize),
	}
}

func (m *globMatcher) compile(pat string) (*regexp.Regexp, error) {
	if cached, ok := m.cache.Load(pat); ok {
		return cached.(*regexp.Regexp), nil
	}

	expr, err := pattern.Regexp(pat, pattern.Filenames|pattern.Braces|pattern.EntireString)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid pattern %s", pat)
	}

	rx, err := regexp.Compile(expr)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid pattern %s", pat)
	}

	m.cache.Store(pat, rx)
	return rx, nil
}

// Match reports whether path matches pat. Both have to use forward slashes.
func (m *globMatcher) Match(pat, path string) (bool, error) {
	rx, err := m.compile(strings.TrimPrefix(pat, "./"))
	if err != nil {
		return false, err
	}

	return rx.MatchString(strings.TrimPrefix(path, "./")), nil
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	result := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// the file disappeared while we were listing the directory
			continue
		}
		result = append(result, info)
	}
	return result, nil
}

// globBase returns the leading part of pat which doesn't contain any glob characters
func globBase(pat string) string {
	parts := strings.Split(pat, "/")
	for idx, part := range parts {
		if pattern.HasMeta(part, 0) || strings.ContainsAny(part, "{}") {
			return strings.Join(parts[:idx], "/")
		}
	}

	// no glob characters at all; the pattern names a single file
	return strings.Join(parts[:len(parts)-1], "/")
}

// expandGlob returns all files matching the absolute, slash separated pattern. The result is sorted.
func expandGlob(pat string) ([]string, error) {
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
		NullGlob: true,
	}

	// build the word by hand to avoid word splitting on spaces in paths
	word := &syntax.Word{
		Parts: []syntax.WordPart{&syntax.Lit{Value: pat}},
	}

	matches, err := expand.Fields(&cfg, word)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve pattern %s", pat)
	}

	result := make([]string, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				// literal paths are returned even if they don't exist
				continue
			}
			return nil, eris.Wrapf(err, "failed to check %s", match)
		}

		if info.Mode().IsRegular() {
			result = append(result, filepath.Clean(match))
		}
	}

	sort.Strings(result)
	return result, nil
}
