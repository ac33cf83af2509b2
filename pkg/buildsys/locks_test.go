package buildsys

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathsOverlap(t *testing.T) {
	build := filepath.FromSlash("/project/build")

	tests := []struct {
		other   string
		overlap bool
	}{
		{"/project/build", true},
		{"/project/build/stylesheets", true},
		{"/project", true},
		{"/project/build-docs", false},
		{"/project/dist", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.overlap, pathsOverlap(build, filepath.FromSlash(tt.other)), tt.other)
	}
}

func TestNestedDestinationsAreSerialized(t *testing.T) {
	locker := newDestLocker()
	ctx := context.Background()

	build := filepath.FromSlash("/project/build")
	styles := filepath.FromSlash("/project/build/stylesheets")
	dist := filepath.FromSlash("/project/dist")

	unlock, err := locker.Lock(ctx, build)
	require.NoError(t, err)

	// unrelated destinations don't wait
	unlockDist, err := locker.Lock(ctx, dist)
	require.NoError(t, err)
	unlockDist()

	acquired := make(chan func(), 1)
	go func() {
		unlockStyles, err := locker.Lock(ctx, styles)
		if err == nil {
			acquired <- unlockStyles
		}
	}()

	select {
	case <-acquired:
		t.Fatal("nested destination was locked while its parent was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case unlockStyles := <-acquired:
		unlockStyles()
	case <-time.After(2 * time.Second):
		t.Fatal("nested destination wasn't locked after its parent was released")
	}
}

func TestLockHonoursCancellation(t *testing.T) {
	locker := newDestLocker()
	build := filepath.FromSlash("/project/build")

	unlock, err := locker.Lock(context.Background(), build)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locker.Lock(ctx, filepath.Join(build, "js"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
