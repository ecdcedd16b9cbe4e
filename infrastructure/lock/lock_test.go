package lock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x-agent-manager/infrastructure/configuration"
)

func TestFileLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", LockfileName)
	l := NewFileLocker(path)

	release, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = NewFileLocker(path).Acquire(ctx)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))
	assert.NoFileExists(t, path)

	release, err = l.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestFileLocker_ReplacesStaleLockfile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), LockfileName)
	b, err := json.Marshal(LockfileData{PID: 999999999, StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))

	release, err := NewFileLocker(path).Acquire(ctx)
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var lf LockfileData
	require.NoError(t, json.Unmarshal(raw, &lf))
	assert.Equal(t, os.Getpid(), lf.PID)
}

func TestFileLocker_ReplacesUnreadableLockfile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), LockfileName)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	release, err := NewFileLocker(path).Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-1))
}

func TestNew_SelectsBackend(t *testing.T) {
	cfg := &configuration.Config{
		Storage: configuration.Storage{Root: t.TempDir()},
		Lock:    configuration.Lock{Backend: configuration.LockBackendNone},
	}
	l, closeFn, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, NoopLocker{}, l)
	require.NoError(t, closeFn())

	cfg.Lock.Backend = configuration.LockBackendFile
	l, _, err = New(context.Background(), cfg)
	require.NoError(t, err)
	fl, ok := l.(*FileLocker)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(cfg.StateDir(), LockfileName), fl.path)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("XAM_TEST_REDIS_ADDRESS")
	if addr == "" {
		t.Skip("XAM_TEST_REDIS_ADDRESS not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	key := "xam:test:" + t.Name()
	a := NewRedisLocker(rdb, key, 5*time.Second)
	b := NewRedisLocker(rdb, key, 5*time.Second)

	release, err := a.Acquire(ctx)
	require.NoError(t, err)
	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, release(ctx))

	release, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestFileLocker_ClearStaleKeepsFreshLock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, LockfileName)
	stale, err := json.Marshal(LockfileData{PID: 999999999, StartedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	l := NewFileLocker(path)
	release, err := l.Acquire(ctx)
	require.NoError(t, err)
	fresh, err := os.ReadFile(path)
	require.NoError(t, err)

	// Another process inspected the old stale contents before this lock was taken.
	err = NewFileLocker(path).clearStale(stale)
	assert.ErrorIs(t, err, ErrLocked)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, release(ctx))
}

func TestFileLocker_ClearStaleRemovesMatchingContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockfileName)
	stale := []byte(`{"pid":999999999}`)
	require.NoError(t, os.WriteFile(path, stale, 0o600))

	require.NoError(t, NewFileLocker(path).clearStale(stale))
	assert.NoFileExists(t, path)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
