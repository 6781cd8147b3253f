package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)

	blob := []byte(`{"version":1,"state":[]}`)
	require.NoError(t, store.Put("ws_1", "terminal.state", blob))

	got, err := store.Get("ws_1", "terminal.state")
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestGetAbsentReturnsNil(t *testing.T) {
	store := openTestStore(t)

	got, err := store.Get("ws_1", "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestScopesAreIsolated(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("ws_a", "k", []byte("a")))
	require.NoError(t, store.Put("ws_b", "k", []byte("b")))

	got, err := store.Get("ws_a", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	got, err = store.Get("ws_b", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("ws_1", "k", []byte("v")))
	require.NoError(t, store.Delete("ws_1", "k"))
	require.NoError(t, store.Delete("ws_1", "k"))
	require.NoError(t, store.Delete("other", "k"))

	got, err := store.Get("ws_1", "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLargeBlobCompresses(t *testing.T) {
	store := openTestStore(t)

	big := make([]byte, 1<<20)
	for i := range big {
		big[i] = byte('a' + i%4)
	}
	require.NoError(t, store.Put("ws_1", "replay", big))

	got, err := store.Get("ws_1", "replay")
	require.NoError(t, err)
	assert.Equal(t, big, got)
}
