package rbac

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallSeed), 0o644))

	var reloads atomic.Int32
	w, err := NewSeedWatcher(path, 100*time.Millisecond, func(ctx context.Context) error {
		reloads.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(smallSeed), 0o644))
	}

	select {
	case <-w.Reloaded():
	case <-time.After(3 * time.Second):
		t.Fatal("seed was not reloaded")
	}
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load(), "a burst of writes reloads once")
}

func TestSeedWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallSeed), 0o644))

	var reloads atomic.Int32
	w, err := NewSeedWatcher(path, 20*time.Millisecond, func(ctx context.Context) error {
		reloads.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("unrelated"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), reloads.Load())
}

func TestSeedWatcher_FailedReloadKeepsWatching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallSeed), 0o644))

	var calls atomic.Int32
	w, err := NewSeedWatcher(path, 20*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("broken yaml")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("modules: ["), 0o644))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(smallSeed), 0o644))
	select {
	case <-w.Reloaded():
	case <-time.After(3 * time.Second):
		t.Fatal("watcher stopped after a failed reload")
	}
}

func TestNewSeedWatcher_MissingDirectory(t *testing.T) {
	_, err := NewSeedWatcher(filepath.Join(t.TempDir(), "missing", "catalog.yaml"), time.Millisecond, func(context.Context) error { return nil }, nil)
	assert.Error(t, err)
}
