package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/mickaelvieira/octoauth-go-client/internal/database"
)

// testStoreContract runs the behaviour every Store must share.
func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "codeVerifier")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "codeVerifier", "v1"))
	v, err := s.Get(ctx, "codeVerifier")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Set(ctx, "codeVerifier", "v2"))
	v, err = s.Get(ctx, "codeVerifier")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	// keys are independent
	require.NoError(t, s.Set(ctx, "savedState", "s1"))
	require.NoError(t, s.Delete(ctx, "codeVerifier"))
	_, err = s.Get(ctx, "codeVerifier")
	assert.ErrorIs(t, err, ErrNotFound)
	v, err = s.Get(ctx, "savedState")
	require.NoError(t, err)
	assert.Equal(t, "s1", v)

	// deleting an absent key is fine
	assert.NoError(t, s.Delete(ctx, "codeVerifier"))
	assert.NoError(t, s.Delete(ctx, "never-set"))
}

func TestMemory(t *testing.T) {
	t.Parallel()
	testStoreContract(t, NewMemory())
}

func TestMemory_ZeroValue(t *testing.T) {
	t.Parallel()
	testStoreContract(t, &Memory{})
}

func TestSQL(t *testing.T) {
	t.Parallel()

	db, err := database.Init(filepath.Join(t.TempDir(), "octoauth.db"))
	require.NoError(t, err)

	testStoreContract(t, NewSQL(db))
}

func TestFile(t *testing.T) {
	t.Parallel()

	f, err := NewFile(filepath.Join(t.TempDir(), "nested", "credentials.json"))
	require.NoError(t, err)

	testStoreContract(t, f)
}

func TestFile_SharedBetweenInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	a, err := NewFile(path)
	require.NoError(t, err)
	b, err := NewFile(path)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "refreshToken", "R1"))
	v, err := b.Get(ctx, "refreshToken")
	require.NoError(t, err)
	assert.Equal(t, "R1", v)

	require.NoError(t, b.Set(ctx, "refreshToken", "R2"))
	v, err = a.Get(ctx, "refreshToken")
	require.NoError(t, err)
	assert.Equal(t, "R2", v)
}

func TestFile_ConcurrentWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, err := NewFile(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.Set(ctx, k, k))
		}()
	}
	wg.Wait()

	for _, k := range keys {
		v, err := f.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, k, v)
	}
}

func TestRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedis(client, "")
	testStoreContract(t, s)

	require.NoError(t, s.Set(context.Background(), "accessToken", "T1"))
	v, err := mr.Get(DefaultRedisPrefix + "accessToken")
	require.NoError(t, err)
	assert.Equal(t, "T1", v)
}

func TestRedisFromURL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := NewRedisFromURL(context.Background(), "redis://"+mr.Addr(), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	testStoreContract(t, s)

	_, err = NewRedisFromURL(context.Background(), "not a url", "")
	assert.Error(t, err)
}

func TestKeyring(t *testing.T) {
	keyring.MockInit()

	testStoreContract(t, NewKeyring(""))
	assert.True(t, IsKeyringAvailable(""))
}

func TestOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Type: TypeMemory}, false},
		{"sqlite", Config{Type: TypeSQLite, Path: filepath.Join(dir, "a.db")}, false},
		{"default is sqlite", Config{Path: filepath.Join(dir, "b.db")}, false},
		{"file", Config{Type: TypeFile, Path: filepath.Join(dir, "c.json")}, false},
		{"unknown", Config{Type: "etcd"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, closeFn, err := Open(ctx, tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			testStoreContract(t, s)
			assert.NoError(t, closeFn())
		})
	}
}
