package syncengine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// exerciseStore runs the contract every Store implementation must meet.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v1"))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)

	require.NoError(t, s.Set(ctx, "k", "v2"))
	v, _, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v2", v)

	require.NoError(t, s.Set(ctx, "empty", ""))
	v, ok, err = s.Get(ctx, "empty")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, v)

	require.NoError(t, s.Remove(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.Remove(ctx, "k"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestChunkedStoreContract(t *testing.T) {
	exerciseStore(t, NewChunkedStore(NewMemoryStore(), 4))
}

func TestChunkedStoreSplitsLargeValues(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s := NewChunkedStore(inner, 4)

	require.NoError(t, s.Set(ctx, "k", "abcdefghij"))
	header, _, err := inner.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "CHUNKED:3", header)
	part, _, err := inner.Get(ctx, "k_chunk_2")
	require.NoError(t, err)
	require.Equal(t, "ij", part)

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abcdefghij", v)

	// Shrinking drops the chunks that are no longer referenced.
	require.NoError(t, s.Set(ctx, "k", "abcde"))
	require.Equal(t, 3, inner.Len())
	v, _, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abcde", v)

	require.NoError(t, s.Set(ctx, "k", "ab"))
	require.Equal(t, 1, inner.Len())

	require.NoError(t, s.Set(ctx, "k", strings.Repeat("x", 9)))
	require.NoError(t, s.Remove(ctx, "k"))
	require.Zero(t, inner.Len())
}

func TestChunkedStoreMissingChunk(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s := NewChunkedStore(inner, 2)
	require.NoError(t, s.Set(ctx, "k", "abcd"))
	require.NoError(t, inner.Remove(ctx, "k_chunk_1"))

	_, _, err := s.Get(ctx, "k")
	require.ErrorContains(t, err, "chunk 1 of k missing")
}

func TestChunkedStoreDefaultLimit(t *testing.T) {
	s := NewChunkedStore(NewMemoryStore(), 0)
	require.Equal(t, DefaultChunkSize, s.limit)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sync.db")
	s, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)

	// Values survive reopening the file.
	require.NoError(t, s.Set(ctx, "persisted", "yes"))
	require.NoError(t, s.Close())
	reopened, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	v, ok, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "yes", v)
}

func TestOpenSQLiteStoreRequiresPath(t *testing.T) {
	_, err := OpenSQLiteStore(context.Background(), "  ")
	require.Error(t, err)
}

func TestSQLStoreBind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	require.Equal(t, "SELECT v FROM t WHERE k = $1 AND x = $2", pg.bind("SELECT v FROM t WHERE k = ? AND x = ?"))
	lite := &SQLStore{dialect: DialectSQLite}
	require.Equal(t, "k = ?", lite.bind("k = ?"))
}

func TestQueueSurvivesSQLiteRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")
	s, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)

	q, err := NewQueue(Config{StoreChunkSize: 256}, nil, WithStore(s))
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := q.Enqueue(ctx, QueuedOperation{ID: id, Target: "ratings/" + id, Payload: []byte(`{"stars":4}`)})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s2, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	restored, err := NewQueue(Config{StoreChunkSize: 256}, nil, WithStore(s2))
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))
	require.Equal(t, 5, restored.Len())
}
