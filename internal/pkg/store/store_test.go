package store

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sort"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/config"
)

func newRedisStoreForTest(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	s := NewRedisStoreWithClient(client, "tg_test")
	t.Cleanup(func() { _ = s.Close() })
	return m, s
}

func newSQLiteStoreForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Runs the same contract against every backend.
func backends(t *testing.T) map[string]Store {
	_, rs := newRedisStoreForTest(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
		"sqlite": newSQLiteStoreForTest(t),
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
				t.Fatalf("expected ErrNotFound for a missing key, got %v", err)
			}

			if err := s.Set(ctx, "task:a:1", "one"); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := s.Get(ctx, "task:a:1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got != "one" {
				t.Errorf("expected 'one', got %q", got)
			}

			// Overwrite keeps a single value.
			if err := s.Set(ctx, "task:a:1", "uno"); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ = s.Get(ctx, "task:a:1")
			if got != "uno" {
				t.Errorf("expected overwritten value 'uno', got %q", got)
			}

			s.Set(ctx, "task:a:2", "two")
			s.Set(ctx, "task:A:3", "three")
			s.Set(ctx, "task:b:1", "four")
			s.Set(ctx, "task:a_x:1", "five")

			keys, err := s.Keys(ctx, "task:a:")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "task:a:1" || keys[1] != "task:a:2" {
				t.Errorf("expected [task:a:1 task:a:2], got %v", keys)
			}

			all, _ := s.Keys(ctx, "")
			if len(all) != 5 {
				t.Errorf("expected 5 keys with empty prefix, got %d (%v)", len(all), all)
			}

			if err := s.Delete(ctx, "task:a:1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Get(ctx, "task:a:1"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("expected deleted key to be gone, got %v", err)
			}
			if err := s.Delete(ctx, "task:a:1"); err != nil {
				t.Errorf("expected deleting a missing key to succeed, got %v", err)
			}
		})
	}
}

func TestRedisStoreNamespacesKeys(t *testing.T) {
	m, s := newRedisStoreForTest(t)
	ctx := context.Background()

	if err := s.Set(ctx, "task:s:k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !m.Exists("tg_test:task:s:k") {
		t.Errorf("expected the raw key to carry the prefix, keys: %v", m.Keys())
	}

	// Keys outside the prefix are invisible.
	m.Set("other:task:s:k", "x")
	keys, _ := s.Keys(ctx, "task:")
	if len(keys) != 1 || keys[0] != "task:s:k" {
		t.Errorf("expected only the namespaced key, got %v", keys)
	}
}

func TestRedisStoreGlobCharactersInPrefix(t *testing.T) {
	_, s := newRedisStoreForTest(t)
	ctx := context.Background()

	s.Set(ctx, "task:a*:1", "literal")
	s.Set(ctx, "task:ab:1", "other")

	keys, err := s.Keys(ctx, "task:a*:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "task:a*:1" {
		t.Errorf("expected glob characters to match literally, got %v", keys)
	}
}

func TestRedisStoreSurfacesBackendErrors(t *testing.T) {
	m, s := newRedisStoreForTest(t)
	m.Close()

	if err := s.Set(context.Background(), "k", "v"); err == nil {
		t.Error("expected an error when redis is down")
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, "task:s:sig", "payload"); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "task:s:sig")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got != "payload" {
		t.Errorf("expected 'payload', got %q", got)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, &config.Config{StoreBackend: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", s)
	}

	s, err = Open(ctx, &config.Config{StoreBackend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("expected *SQLiteStore, got %T", s)
	}

	m := miniredis.RunT(t)
	host, port, _ := net.SplitHostPort(m.Addr())
	s, err = Open(ctx, &config.Config{StoreBackend: "redis", RedisHost: host, RedisPort: port})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*RedisStore); !ok {
		t.Errorf("expected *RedisStore, got %T", s)
	}

	if _, err := Open(ctx, &config.Config{StoreBackend: "indexeddb"}); err == nil {
		t.Error("expected an error for an unknown backend")
	}
}
