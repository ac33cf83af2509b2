package buildsys

import (
	"encoding/gob"
	"os"
	"time"
)

func init() {
	gob.Register(Config{})
	gob.Register(TaskDef{})
	gob.Register(StageSpec{})
	gob.Register(WatchRule{})
}

// FileStamp identifies a specific version of a file that was read while evaluating a pipeline
type FileStamp struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// CacheHeader describes the inputs that produced a cached Config
type CacheHeader struct {
	Version string
	Options map[string]string
	Files   []FileStamp
}

func stampFiles(files []string) ([]FileStamp, error) {
	result := make([]FileStamp, len(files))
	for idx, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			return nil, err
		}

		result[idx] = FileStamp{
			Path:    file,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		}
	}
	return result, nil
}

// Fresh returns true if the header was created by this version with the same options and none
// of the recorded files changed since.
func (h *CacheHeader) Fresh(options map[string]string) bool {
	if h.Version != Version || len(h.Options) != len(options) {
		return false
	}

	for k, v := range options {
		if cached, ok := h.Options[k]; !ok || cached != v {
			return false
		}
	}

	for _, stamp := range h.Files {
		info, err := os.Stat(stamp.Path)
		if err != nil || !info.ModTime().Equal(stamp.ModTime) || info.Size() != stamp.Size {
			return false
		}
	}

	return true
}

func WriteCache(file string, header *CacheHeader, cfg *Config) error {
	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(header)
	if err != nil {
		return err
	}

	return encoder.Encode(cfg)
}

func ReadCache(file string) (*CacheHeader, *Config, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var header CacheHeader
	err = decoder.Decode(&header)
	if err != nil {
		return nil, nil, err
	}

	var result Config
	err = decoder.Decode(&result)
	if err != nil {
		return &header, nil, err
	}

	return &header, &result, nil
}
