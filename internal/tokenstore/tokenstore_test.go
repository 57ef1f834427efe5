package tokenstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreNotifiesSiblingsOnly(t *testing.T) {
	a := NewMemoryStore()
	b := a.Sibling()

	var fromA, fromB []Change
	a.Subscribe(func(c Change) { fromA = append(fromA, c) })
	unsubscribe := b.Subscribe(func(c Change) { fromB = append(fromB, c) })

	require.NoError(t, a.Save("tok-1"))
	assert.Empty(t, fromA, "a handle must not observe its own writes")
	require.Len(t, fromB, 1)
	assert.Equal(t, Change{Present: true, Token: "tok-1"}, fromB[0])

	token, ok, err := b.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok-1", token)

	unsubscribe()
	require.NoError(t, a.Clear())
	assert.Len(t, fromB, 1, "unsubscribed handler must not fire")

	_, ok, err = b.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token")
	s, err := NewFileStore(path, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save("secret"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	token, ok, err := s.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret", token)

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear(), "clearing twice is not an error")
	_, ok, err = s.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreObservesOtherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	watcher, err := NewFileStore(path, nil)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	writer, err := NewFileStore(path, nil)
	require.NoError(t, err)
	defer func() { _ = writer.Close() }()

	changes := make(chan Change, 16)
	watcher.Subscribe(func(c Change) { changes <- c })
	own := make(chan Change, 16)
	writer.Subscribe(func(c Change) { own <- c })

	require.NoError(t, writer.Save("from-cli"))
	got := waitForChange(t, changes)
	assert.Equal(t, Change{Present: true, Token: "from-cli"}, got)

	require.NoError(t, writer.Clear())
	got = waitForChange(t, changes)
	assert.False(t, got.Present)

	select {
	case c := <-own:
		t.Fatalf("writer observed its own change: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitForChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for token change")
		return Change{}
	}
}
