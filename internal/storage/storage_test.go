package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]FileStore {
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return map[string]FileStore{
		"local":  local,
		"memory": NewMemoryStore(),
	}
}

func TestFileStores(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Write(ctx, "sess/events/0.json", []byte(`{"id":0}`)))
			require.NoError(t, s.Write(ctx, "sess/events/1.json", []byte(`{"id":1}`)))
			require.NoError(t, s.Write(ctx, "sess/event_cache/0-25.json", []byte(`[]`)))

			data, err := s.Read(ctx, "sess/events/1.json")
			require.NoError(t, err)
			assert.Equal(t, `{"id":1}`, string(data))

			_, err = s.Read(ctx, "sess/events/9.json")
			assert.ErrorIs(t, err, ErrNotFound)

			names, err := s.List(ctx, "sess/events")
			require.NoError(t, err)
			assert.Equal(t, []string{"0.json", "1.json"}, names)

			names, err = s.List(ctx, "sess")
			require.NoError(t, err)
			assert.Equal(t, []string{"event_cache", "events"}, names)

			names, err = s.List(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, names)

			require.NoError(t, s.Delete(ctx, "sess"))
			names, err = s.List(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestNewFileStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(ctx, &Config{Root: MemoryRoot})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	dir := filepath.Join(t.TempDir(), "root")
	s, err = NewFileStore(ctx, &Config{Root: dir})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, s)
	_, err = os.Stat(dir)
	assert.NoError(t, err)

	_, err = NewFileStore(ctx, nil)
	assert.Error(t, err)
}

func TestLocalStoreRejectsRoot(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Write(context.Background(), "/", []byte("x")))
}

func TestSessionLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sess")

	lockPath, err := AcquireSessionLock(dir, "test")
	require.NoError(t, err)
	assert.FileExists(t, lockPath)
	assert.True(t, IsSessionLocked(dir))

	lock, err := ReadSessionLock(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)

	// Same process may re-acquire.
	_, err = AcquireSessionLock(dir, "test")
	require.NoError(t, err)

	require.NoError(t, ReleaseSessionLock(lockPath))
	assert.False(t, IsSessionLocked(dir))
	assert.NoError(t, ReleaseSessionLock(lockPath))
}
