package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agriboost/agriboost-web/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backends returns every Store implementation that can run without external
// services.
func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": newTestSQLite(t),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "dev-1", KeyAccess)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "dev-1", KeyAccess, "tok-a"))
			require.NoError(t, s.Set(ctx, "dev-1", KeyAccess, "tok-b"))

			v, err := s.Get(ctx, "dev-1", KeyAccess)
			require.NoError(t, err)
			assert.Equal(t, "tok-b", v, "last write wins")

			require.NoError(t, s.Delete(ctx, "dev-1", KeyAccess))
			_, err = s.Get(ctx, "dev-1", KeyAccess)
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, s.Delete(ctx, "dev-1", KeyAccess), "deleting an absent key is not an error")
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStoreNamespacesAreIsolated(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, "dev-1", KeyRefresh, "r1"))
			require.NoError(t, s.Set(ctx, "dev-2", KeyRefresh, "r2"))

			v, err := s.Get(ctx, "dev-1", KeyRefresh)
			require.NoError(t, err)
			assert.Equal(t, "r1", v)

			require.NoError(t, s.Delete(ctx, "dev-2", KeyRefresh))
			v, err = s.Get(ctx, "dev-1", KeyRefresh)
			require.NoError(t, err)
			assert.Equal(t, "r1", v)
		})
	}
}

func TestBucketLookupAndClear(t *testing.T) {
	ctx := context.Background()
	b := NewBucket(NewMemory(), "dev-1")
	assert.Equal(t, "dev-1", b.Namespace())

	_, ok, err := b.Lookup(ctx, KeyAccess)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, KeyAccess, ""))
	_, ok, err = b.Lookup(ctx, KeyAccess)
	require.NoError(t, err)
	assert.False(t, ok, "empty value counts as absent")

	for _, k := range AllKeys {
		require.NoError(t, b.Set(ctx, k, "v-"+k))
	}
	require.NoError(t, b.Clear(ctx))
	for _, k := range AllKeys {
		_, ok, err := b.Lookup(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok, k)
	}
}

type failingStore struct {
	*MemoryStore
	failKey string
	deleted []string
}

func (f *failingStore) Delete(ctx context.Context, namespace, key string) error {
	f.deleted = append(f.deleted, key)
	if key == f.failKey {
		return errors.New("boom")
	}
	return f.MemoryStore.Delete(ctx, namespace, key)
}

func TestBucketClearAttemptsEveryKey(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{MemoryStore: NewMemory(), failKey: KeyAccess}
	b := NewBucket(fs, "dev-1")
	require.NoError(t, b.Set(ctx, KeyRefresh, "r"))
	require.NoError(t, b.Set(ctx, KeyUser, "{}"))

	err := b.Clear(ctx)
	require.Error(t, err)
	assert.Equal(t, AllKeys, fs.deleted)

	_, ok, _ := b.Lookup(ctx, KeyRefresh)
	assert.False(t, ok)
	_, ok, _ = b.Lookup(ctx, KeyUser)
	assert.False(t, ok)
}

func TestSQLitePurgeStale(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	require.NoError(t, s.Set(ctx, "dev-1", KeyAccess, "a"))

	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET updated_at = ? WHERE namespace = ?`,
		time.Now().Add(-2*time.Hour).Unix(), "dev-1")
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "dev-2", KeyAccess, "b"))

	n, err := s.PurgeStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "dev-1", KeyAccess)
	assert.ErrorIs(t, err, ErrNotFound)
	v, err := s.Get(ctx, "dev-2", KeyAccess)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestSQLitePurgeStaleKeepsPartlyFreshBucket(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	for _, key := range AllKeys {
		require.NoError(t, s.Set(ctx, "dev-1", key, "old-"+key))
		require.NoError(t, s.Set(ctx, "dev-2", key, "old-"+key))
	}
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET updated_at = ?`,
		time.Now().Add(-2*time.Hour).Unix())
	require.NoError(t, err)

	// A token refresh rewrites only the access key.
	require.NoError(t, s.Set(ctx, "dev-1", KeyAccess, "new-access"))

	n, err := s.PurgeStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "only the untouched bucket is purged")

	for _, key := range AllKeys {
		_, err := s.Get(ctx, "dev-1", key)
		assert.NoError(t, err, key)
		_, err = s.Get(ctx, "dev-2", key)
		assert.ErrorIs(t, err, ErrNotFound, key)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "dev-1", KeyUser, `{"email":"a@b.c"}`))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "dev-1", KeyUser)
	require.NoError(t, err)
	assert.Equal(t, `{"email":"a@b.c"}`, v)
}

func TestOpen(t *testing.T) {
	cfg := config.Default()
	cfg.CredentialStore = config.StoreMemory
	s, err := Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	cfg.CredentialStore = config.StoreSQLite
	cfg.DBPath = filepath.Join(t.TempDir(), "open.db")
	s, err = Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	cfg.CredentialStore = "etcd"
	_, err = Open(cfg)
	assert.Error(t, err)
}
