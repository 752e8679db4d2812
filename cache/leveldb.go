package cache

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBCache is a Provider backed by a LevelDB directory.
// An alternative to SQLite for deployments that prefer a log-structured
// store over a single db file.
type LevelDBCache struct {
	db *leveldb.DB
}

type levelDBEntry struct {
	StoredAt int64
	Bytes    []byte
}

func NewLevelDBCache(path string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBCache{db: db}, nil
}

func (l *LevelDBCache) Get(key string) (Entry, bool, error) {
	b, err := l.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent levelDBEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&ent); err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: time.Unix(ent.StoredAt, 0), Bytes: ent.Bytes}, true, nil
}

func (l *LevelDBCache) Put(e Entry) error {
	buf := &bytes.Buffer{}
	ent := levelDBEntry{StoredAt: e.StoredAt.Unix(), Bytes: e.Bytes}
	if err := gob.NewEncoder(buf).Encode(ent); err != nil {
		return err
	}
	return l.db.Put([]byte(e.Key), buf.Bytes(), nil)
}

func (l *LevelDBCache) Has(key string) bool {
	ok, err := l.db.Has([]byte(key), nil)
	return err == nil && ok
}

func (l *LevelDBCache) AllKeys(prefix string, cb func(string)) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		cb(string(it.Key()))
	}
}

func (l *LevelDBCache) Purge(key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l *LevelDBCache) PurgePrefix(prefix string) error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte{}, it.Key()...))
	}
	if err := it.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}
