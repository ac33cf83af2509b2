package buildsys

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
)

type funcPlugin struct {
	name string
	opts []OptionSpec
	fn   func(ctx context.Context, req *StageRequest) ([]*Item, error)
}

func (p *funcPlugin) Name() string          { return p.name }
func (p *funcPlugin) Options() []OptionSpec { return p.opts }

func (p *funcPlugin) Transform(ctx context.Context, req *StageRequest) ([]*Item, error) {
	return p.fn(ctx, req)
}

func mapContent(name string, fn func([]byte) []byte) *funcPlugin {
	return &funcPlugin{
		name: name,
		fn: func(ctx context.Context, req *StageRequest) ([]*Item, error) {
			result := make([]*Item, len(req.Items))
			for idx, item := range req.Items {
				result[idx] = item.Clone()
				result[idx].Content = fn(item.Content)
			}
			return result, nil
		},
	}
}

// callLog records the order in which tasks ran their stages
type callLog struct {
	lock  sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) list() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string{}, l.calls...)
}

func recorder(log *callLog) *funcPlugin {
	return &funcPlugin{
		name: "record",
		fn: func(ctx context.Context, req *StageRequest) ([]*Item, error) {
			log.add(req.Task)
			return req.Items, nil
		},
	}
}

func failing() *funcPlugin {
	return &funcPlugin{
		name: "fail",
		opts: []OptionSpec{{Name: "path", Kind: OptionString}},
		fn: func(ctx context.Context, req *StageRequest) ([]*Item, error) {
			if path := req.Options.String("path"); path != "" {
				return nil, NewItemError(path, "broken input")
			}
			return nil, eris.New("stage exploded")
		},
	}
}

func testRegistry(t *testing.T, extra ...Plugin) *StageRegistry {
	t.Helper()

	plugins := []Plugin{
		mapContent("upper", bytes.ToUpper),
		mapContent("exclaim", func(b []byte) []byte { return append(append([]byte{}, b...), '!') }),
		failing(),
	}

	registry, err := NewStageRegistry(append(plugins, extra...)...)
	require.NoError(t, err)
	return registry
}

func newTestOrchestrator(t *testing.T, root string, extra ...Plugin) *Orchestrator {
	t.Helper()

	o, err := New(root, testRegistry(t, extra...), Options{})
	require.NoError(t, err)
	return o
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o770))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o660))
}

func readFile(t *testing.T, root, name string) string {
	t.Helper()

	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(content)
}

// listFiles returns all files below dir relative to dir
func listFiles(t *testing.T, dir string) []string {
	t.Helper()

	result := []string{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			result = append(result, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return result
}

type memoryStore struct {
	lock    sync.Mutex
	records map[string]*TaskRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*TaskRecord)}
}

func (s *memoryStore) LoadTask(ctx context.Context, name string) (*TaskRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.records[name], nil
}

func (s *memoryStore) SaveTask(ctx context.Context, record *TaskRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.records[record.Task] = record
	return nil
}
