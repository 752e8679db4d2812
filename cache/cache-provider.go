package cache

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is the storage for captured responses.
// Keys are region-prefixed request signatures (see Key), and values are the
// HTTP/1.1 wire representation of the captured response.
//
// Implementations must be thread-safe. Single-key reads and writes must be
// atomic: the gateway relies on that instead of doing its own locking.
type Provider interface {
	// Get returns the entry stored under the given key, if it exists.
	Get(key string) (Entry, bool, error)
	// Put stores the given entry, overwriting any previous entry with the
	// same key.
	Put(Entry) error
	// Has checks if the given key exists, without reading the body bytes.
	Has(key string) bool
	// AllKeys calls the given callback for each key with the given prefix.
	// It uses a callback so that very large key sets stay processable.
	AllKeys(prefix string, cb func(string))
	// Purge removes the entry for the given key.
	Purge(key string) error
	// PurgePrefix removes every entry whose key has the given prefix.
	// This is how a retired region generation is deleted.
	PurgePrefix(prefix string) error
	// Close releases the underlying store.
	Close() error
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type memEntry struct {
	storedAt time.Time
	bytes    []byte
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]memEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memEntry),
	}
}

func (m MemCache) Get(key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Key: key, StoredAt: entry.storedAt, Bytes: entry.bytes}, true, nil
}

func (m MemCache) Put(e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[e.Key] = memEntry{e.StoredAt, e.Bytes}
	return nil
}

func (m MemCache) Has(key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[key]
	return ok
}

func (m MemCache) AllKeys(prefix string, cb func(string)) {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
}

func (m MemCache) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemCache) PurgePrefix(prefix string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			delete(m.db, key)
		}
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		stored_at INTEGER,
		bytes BLOB
	)`)
	if err != nil {
		return SQLiteCache{}, err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return SQLiteCache{}, err
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Get(key string) (Entry, bool, error) {
	var storedAt int64
	var bytes []byte
	err := s.db.QueryRow("SELECT stored_at, bytes FROM cache WHERE key = ?", key).
		Scan(&storedAt, &bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: time.Unix(storedAt, 0), Bytes: bytes}, true, nil
}

func (s SQLiteCache) Put(e Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (key, stored_at, bytes) VALUES (?, ?, ?)",
		e.Key, e.StoredAt.Unix(), e.Bytes)
	return err
}

func (s SQLiteCache) Has(key string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM cache WHERE key = ?", key).Scan(&one)
	return err == nil
}

func (s SQLiteCache) AllKeys(prefix string, cb func(string)) {
	rows, err := s.db.Query(
		`SELECT key FROM cache WHERE key LIKE ? ESCAPE '\'`, likePattern(prefix))
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return
		}
		cb(key)
	}
}

func (s SQLiteCache) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s SQLiteCache) PurgePrefix(prefix string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`DELETE FROM cache WHERE key LIKE ? ESCAPE '\'`, likePattern(prefix))
	return err
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

// likePattern escapes LIKE wildcards in the prefix. Signatures contain paths
// and query strings, and "%" or "_" in those must not widen the match.
func likePattern(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
