package buildsys

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
)

type pendingFile struct {
	tmp      string
	target   string
	checksum string
}

// writtenFile is an output file that was moved into place
type writtenFile struct {
	Path     string
	Checksum string
}

// writeOutputs writes items below dest. Every file is first written to a hidden temporary file
// next to its target; the temporary files are only renamed once all of them were written
// successfully. On failure the temporary files are removed and the path that failed is returned.
func writeOutputs(dest string, items []*Item) ([]writtenFile, string, error) {
	// later items replace earlier ones with the same path
	byPath := make(map[string]int, len(items))
	ordered := make([]*Item, 0, len(items))
	for _, item := range items {
		clean, err := cleanItemPath(item.Path)
		if err != nil {
			return nil, item.Path, err
		}

		if idx, ok := byPath[clean]; ok {
			ordered[idx] = item
			continue
		}

		byPath[clean] = len(ordered)
		ordered = append(ordered, item)
	}

	pending := make([]pendingFile, 0, len(ordered))
	cleanup := func() {
		for _, file := range pending {
			os.Remove(file.tmp)
		}
	}

	for _, item := range ordered {
		clean, _ := cleanItemPath(item.Path)
		target := filepath.Join(dest, filepath.FromSlash(clean))
		dir := filepath.Dir(target)

		err := os.MkdirAll(dir, 0770)
		if err != nil {
			cleanup()
			return nil, target, eris.Wrapf(err, "failed to create directory %s", dir)
		}

		tmp := filepath.Join(dir, "."+filepath.Base(target)+".tmp-"+nanoid.New())
		err = writeFileSynced(tmp, item.Content)
		if err != nil {
			os.Remove(tmp)
			cleanup()
			return nil, target, err
		}

		pending = append(pending, pendingFile{tmp: tmp, target: target, checksum: contentChecksum(item.Content)})
	}

	outputs := make([]writtenFile, 0, len(pending))
	for idx, file := range pending {
		err := os.Rename(file.tmp, file.target)
		if err != nil {
			// only remove the files that weren't moved yet
			pending = pending[idx:]
			cleanup()
			return nil, file.target, eris.Wrapf(err, "failed to move %s into place", file.target)
		}

		outputs = append(outputs, writtenFile{Path: file.target, Checksum: file.checksum})
	}

	return outputs, "", nil
}

func contentChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// fileChecksum returns the checksum of the file's current content
func fileChecksum(file string) (string, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return contentChecksum(content), nil
}

// cleanItemPath rejects item paths which are empty, absolute or leave the destination directory
func cleanItemPath(itemPath string) (string, error) {
	slashed := filepath.ToSlash(itemPath)
	if slashed == "" || strings.HasPrefix(slashed, "/") || filepath.IsAbs(itemPath) {
		return "", eris.Errorf("invalid output path %q", itemPath)
	}

	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", eris.Errorf("output path %s points outside of the destination", itemPath)
		}
	}

	clean := path.Clean(slashed)
	if clean == "." {
		return "", eris.Errorf("invalid output path %q", itemPath)
	}
	return clean, nil
}

func writeFileSynced(file string, content []byte) error {
	handle, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", file)
	}

	_, err = handle.Write(content)
	if err == nil {
		err = handle.Sync()
	}

	closeErr := handle.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		return eris.Wrapf(err, "failed to write %s", file)
	}
	return nil
}
