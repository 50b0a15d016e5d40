package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type storageFactory func(t *testing.T) Storage

func storages() map[string]storageFactory {
	factories := map[string]storageFactory{
		"memory": func(t *testing.T) Storage {
			return NewMemStorage()
		},
		"sqlite-memory": func(t *testing.T) Storage {
			s, err := NewSQLiteStorage("")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite-file": func(t *testing.T) Storage {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	// redis needs a live server
	if addr := os.Getenv("OFFLINE_CACHE_TEST_REDIS"); addr != "" {
		factories["redis"] = func(t *testing.T) Storage {
			client := goredis.NewClient(&goredis.Options{Addr: addr})
			s, err := NewRedisStorage(RedisConfig{
				Client:      client,
				Namespace:   fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano()),
				CloseClient: true,
			})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return factories
}

func forEachStorage(t *testing.T, test func(t *testing.T, s Storage)) {
	for name, factory := range storages() {
		t.Run(name, func(t *testing.T) {
			test(t, factory(t))
		})
	}
}

func entry(key, body string) Entry {
	return Entry{Key: key, StoredAt: time.Now(), Bytes: []byte(body)}
}

func TestOpenCreatesOnce(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		has, err := s.Has(ctx, "v1")
		require.NoError(t, err)
		require.False(t, has)

		_, err = s.Open(ctx, "v1")
		require.NoError(t, err)
		_, err = s.Open(ctx, "v1")
		require.NoError(t, err)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"v1"}, names)
		has, err = s.Has(ctx, "v1")
		require.NoError(t, err)
		require.True(t, has)
	})
}

func TestPutMatchAndReplace(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		g, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		require.Equal(t, "v1", g.Name())

		require.NoError(t, g.Put(ctx, entry("GET:/", "one")))
		require.NoError(t, g.Put(ctx, entry("GET:/", "two")))

		e, ok, err := g.Match(ctx, "GET:/")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "two", string(e.Bytes))

		keys, err := g.Keys(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"GET:/"}, keys)

		_, ok, err = g.Match(ctx, "GET:/missing.png")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestPutAllAndDeleteEntry(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		g, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, g.PutAll(ctx, []Entry{
			entry("GET:/b", "b"),
			entry("GET:/a", "a"),
		}))

		keys, err := g.Keys(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"GET:/a", "GET:/b"}, keys)

		deleted, err := g.Delete(ctx, "GET:/a")
		require.NoError(t, err)
		require.True(t, deleted)
		deleted, err = g.Delete(ctx, "GET:/a")
		require.NoError(t, err)
		require.False(t, deleted)
	})
}

func TestMatchAcrossGenerations(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		v1, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		v2, err := s.Open(ctx, "v2")
		require.NoError(t, err)
		require.NoError(t, v1.Put(ctx, entry("GET:/", "old")))
		require.NoError(t, v2.Put(ctx, entry("GET:/", "new")))
		require.NoError(t, v2.Put(ctx, entry("GET:/app.js", "js")))

		// oldest generation wins
		e, ok, err := s.Match(ctx, "GET:/")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "old", string(e.Bytes))

		e, ok, err = s.Match(ctx, "GET:/app.js")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "js", string(e.Bytes))

		deleted, err := s.Delete(ctx, "v1")
		require.NoError(t, err)
		require.True(t, deleted)

		e, ok, err = s.Match(ctx, "GET:/")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "new", string(e.Bytes))

		names, err := s.Names(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"v2"}, names)
	})
}

func TestDeletedGenerationIsDetached(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		g, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, g.Put(ctx, entry("GET:/", "body")))

		deleted, err := s.Delete(ctx, "v1")
		require.NoError(t, err)
		require.True(t, deleted)
		deleted, err = s.Delete(ctx, "v1")
		require.NoError(t, err)
		require.False(t, deleted)

		require.ErrorIs(t, g.Put(ctx, entry("GET:/late", "late")), ErrGenerationDeleted)
		_, ok, err := g.Match(ctx, "GET:/")
		require.NoError(t, err)
		require.False(t, ok)

		// a new generation with the same name starts empty
		g2, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		keys, err := g2.Keys(ctx)
		require.NoError(t, err)
		require.Empty(t, keys)
	})
}

func TestNamesInCreationOrder(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		for _, name := range []string{"c", "a", "b"} {
			_, err := s.Open(ctx, name)
			require.NoError(t, err)
		}
		names, err := s.Names(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"c", "a", "b"}, names)
	})
}

func TestConcurrentPuts(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		g, err := s.Open(ctx, "v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- g.Put(ctx, entry(fmt.Sprintf("GET:/%02d", i), "x"))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		keys, err := g.Keys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 20)
	})
}

func TestStoredBytesAreNotShared(t *testing.T) {
	s := NewMemStorage()
	ctx := context.Background()
	g, _ := s.Open(ctx, "v1")
	e := entry("GET:/", "body")
	require.NoError(t, g.Put(ctx, e))
	e.Bytes[0] = 'X'

	stored, ok, err := g.Match(ctx, "GET:/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "body", string(stored.Bytes))
}

func TestNilRedisClient(t *testing.T) {
	_, err := NewRedisStorage(RedisConfig{})
	require.ErrorIs(t, err, ErrNilClient)
}
