// Package queue is the durable store for mutations that failed due to
// connectivity loss. Records are immutable once written and are only ever
// deleted, one by one, after confirmed delivery. Replay order is FIFO by the
// store-assigned id.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SchemaVersion is stamped into the store when it is opened. Bump when the
// record layout changes; the install step owns migrations.
const SchemaVersion = 1

// Record is one captured mutation awaiting replay.
type Record struct {
	ID       int64
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	QueuedAt time.Time
}

// Queue is the durable write-ahead queue.
//
// Implementations must be thread-safe and must never reorder or coalesce
// records.
type Queue interface {
	// Append adds a record and returns its assigned id. Ids are monotonic
	// in insertion order.
	Append(Record) (int64, error)
	// All returns every pending record in FIFO (id) order.
	All() ([]Record, error)
	// Delete removes the record with the given id after confirmed delivery.
	Delete(id int64) error
	// Len returns the number of pending records.
	Len() (int, error)
	// Close releases the underlying store.
	Close() error
}

type SQLiteQueue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteQueue opens (or creates) the queue in the given db file.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteQueue(filename string) (SQLiteQueue, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteQueue{}, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		method TEXT,
		url TEXT,
		header BLOB,
		body BLOB,
		queued_at INTEGER
	)`)
	if err != nil {
		return SQLiteQueue{}, err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS queued_at_idx ON mutations (queued_at)")
	if err != nil {
		return SQLiteQueue{}, err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return SQLiteQueue{}, err
	}
	if _, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return SQLiteQueue{}, err
	}
	return SQLiteQueue{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (q SQLiteQueue) Append(r Record) (int64, error) {
	header, err := json.Marshal(r.Header)
	if err != nil {
		return 0, err
	}
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	result, err := q.db.Exec(
		"INSERT INTO mutations (method, url, header, body, queued_at) VALUES (?, ?, ?, ?, ?)",
		r.Method, r.URL, header, r.Body, r.QueuedAt.Unix())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (q SQLiteQueue) All() ([]Record, error) {
	rows, err := q.db.Query(
		"SELECT id, method, url, header, body, queued_at FROM mutations ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var header []byte
		var queuedAt int64
		if err := rows.Scan(&rec.ID, &rec.Method, &rec.URL, &header, &rec.Body, &queuedAt); err != nil {
			return records, err
		}
		if err := json.Unmarshal(header, &rec.Header); err != nil {
			return records, err
		}
		rec.QueuedAt = time.Unix(queuedAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (q SQLiteQueue) Delete(id int64) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec("DELETE FROM mutations WHERE id = ?", id)
	return err
}

func (q SQLiteQueue) Len() (int, error) {
	var count int
	err := q.db.QueryRow("SELECT COUNT(*) FROM mutations").Scan(&count)
	return count, err
}

func (q SQLiteQueue) Close() error {
	return q.db.Close()
}

type MemQueue struct {
	mutex  *sync.Mutex
	nextID *int64
	db     map[int64]Record
}

func NewMemQueue() MemQueue {
	var id int64
	return MemQueue{
		mutex:  &sync.Mutex{},
		nextID: &id,
		db:     make(map[int64]Record),
	}
}

func (m MemQueue) Append(r Record) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	*m.nextID++
	r.ID = *m.nextID
	m.db[r.ID] = r
	return r.ID, nil
}

func (m MemQueue) All() ([]Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	records := make([]Record, 0, len(m.db))
	for _, rec := range m.db {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (m MemQueue) Delete(id int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, id)
	return nil
}

func (m MemQueue) Len() (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.db), nil
}

func (m MemQueue) Close() error {
	return nil
}
