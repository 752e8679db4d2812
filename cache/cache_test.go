package cache

import (
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	level, err := NewLevelDBCache(filepath.Join(t.TempDir(), "leveldb"))
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Provider{
		"memory":  NewMemCache(),
		"sqlite":  sqlite,
		"leveldb": level,
	}
}

func TestPutGetOverwrite(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			key := Key("static-v1", "GET:/index.html")
			storedAt := time.Unix(1700000000, 0)

			if _, ok, err := p.Get(key); ok || err != nil {
				t.Fatalf("unexpected entry before put (ok=%v err=%v)", ok, err)
			}
			if err := p.Put(Entry{Key: key, StoredAt: storedAt, Bytes: []byte("one")}); err != nil {
				t.Fatal(err)
			}
			if !p.Has(key) {
				t.Fatal("Has is false after put")
			}
			if err := p.Put(Entry{Key: key, StoredAt: storedAt, Bytes: []byte("two")}); err != nil {
				t.Fatal(err)
			}
			entry, ok, err := p.Get(key)
			if err != nil || !ok {
				t.Fatalf("get failed (ok=%v err=%v)", ok, err)
			}
			if string(entry.Bytes) != "two" {
				t.Fatalf("entry is %s", entry.Bytes)
			}
			if !entry.StoredAt.Equal(storedAt) {
				t.Fatalf("storedAt is %s", entry.StoredAt)
			}
		})
	}
}

func TestPurgePrefixIsRegionScoped(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			keep := []string{
				Key("static-v10", "GET:/index.html"),
				Key("dynamic-data-v1", "GET:/api/templates"),
			}
			drop := []string{
				Key("static-v1", "GET:/index.html"),
				Key("static-v1", "GET:/app_v1.js"),
			}
			for _, key := range append(keep, drop...) {
				if err := p.Put(Entry{Key: key, StoredAt: time.Now(), Bytes: []byte("x")}); err != nil {
					t.Fatal(err)
				}
			}

			if err := p.PurgePrefix(RegionPrefix("static-v1")); err != nil {
				t.Fatal(err)
			}

			for _, key := range drop {
				if p.Has(key) {
					t.Fatalf("key %q survived purge", key)
				}
			}
			// "static-v1" as a prefix must not swallow "static-v10"
			for _, key := range keep {
				if !p.Has(key) {
					t.Fatalf("key %q purged by mistake", key)
				}
			}
		})
	}
}

func TestAllKeysPrefix(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			keys := []string{
				Key("static-v1", "GET:/a"),
				Key("static-v1", "GET:/b"),
				Key("dynamic-data-v1", "GET:/api/plans"),
			}
			for _, key := range keys {
				if err := p.Put(Entry{Key: key, StoredAt: time.Now(), Bytes: []byte("x")}); err != nil {
					t.Fatal(err)
				}
			}

			var got []string
			p.AllKeys(RegionPrefix("static-v1"), func(key string) {
				got = append(got, key)
			})
			sort.Strings(got)
			want := []string{Key("static-v1", "GET:/a"), Key("static-v1", "GET:/b")}
			if len(got) != len(want) {
				t.Fatalf("got %d keys: %v", len(got), got)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("key %d is %q, want %q", i, got[i], want[i])
				}
			}
		})
	}
}

func TestPurgeSingleKey(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			key := Key("dynamic-data-v1", "GET:/api/unit_plans?week=3")
			other := Key("dynamic-data-v1", "GET:/api/unit_plans?week=4")
			for _, k := range []string{key, other} {
				if err := p.Put(Entry{Key: k, StoredAt: time.Now(), Bytes: []byte("x")}); err != nil {
					t.Fatal(err)
				}
			}
			if err := p.Purge(key); err != nil {
				t.Fatal(err)
			}
			if p.Has(key) {
				t.Fatal("key survived purge")
			}
			if !p.Has(other) {
				t.Fatal("unrelated key purged")
			}
		})
	}
}
