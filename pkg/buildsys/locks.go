package buildsys

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
)

// destLocker serializes task executions whose destinations overlap. Two destinations overlap if
// they're the same directory or one contains the other.
type destLocker struct {
	mutex sync.Mutex
	held  map[string]bool
	wake  chan struct{}
}

func newDestLocker() *destLocker {
	return &destLocker{
		held: make(map[string]bool),
		wake: make(chan struct{}),
	}
}

// Lock blocks until no overlapping destination is locked or ctx is cancelled. key must be a
// cleaned absolute path. The returned function releases the lock.
func (l *destLocker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mutex.Lock()
		if !l.overlapsHeld(key) {
			l.held[key] = true
			l.mutex.Unlock()

			return func() { l.release(key) }, nil
		}
		wake := l.wake
		l.mutex.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *destLocker) overlapsHeld(key string) bool {
	for other := range l.held {
		if pathsOverlap(key, other) {
			return true
		}
	}
	return false
}

func (l *destLocker) release(key string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	delete(l.held, key)
	close(l.wake)
	l.wake = make(chan struct{})
}

func pathsOverlap(a, b string) bool {
	return a == b || isParentDir(a, b) || isParentDir(b, a)
}

func isParentDir(parent, child string) bool {
	prefix := parent
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(child, prefix)
}
