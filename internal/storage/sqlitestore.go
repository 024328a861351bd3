package storage

import (
	"database/sql"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"assembly/client/internal/util"
)

// sqlitePollInterval is the fallback cadence for tailing the change log
// when filesystem notifications are unavailable or unreliable.
const sqlitePollInterval = 500 * time.Millisecond

// keep this many change-log rows around for late tailers.
const sqliteLogKeep = 512

// SQLiteStore is a file-backed KV for client instances sharing one
// machine. Writes append to a change log; watchers tail the log, woken
// by fsnotify on the database file with an interval poll as fallback.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	origin string
	quota  int

	mu      sync.Mutex
	subs    map[int]func(Event)
	nextID  int
	lastSeq int64
	tailing bool
	localCh chan struct{}
	stopCh  chan struct{}
	closed  sync.Once
}

// NewSQLiteStore opens (creating if needed) the database at path.
// quotaBytes <= 0 means unbounded.
func NewSQLiteStore(path string, quotaBytes int) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv_log (
			seq     INTEGER PRIMARY KEY AUTOINCREMENT,
			origin  TEXT NOT NULL,
			key     TEXT NOT NULL,
			value   TEXT NOT NULL,
			removed INTEGER NOT NULL DEFAULT 0,
			at      TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{
		db:      db,
		path:    path,
		origin:  util.NewID("sql"),
		quota:   quotaBytes,
		subs:    make(map[int]func(Event)),
		localCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}, nil
}

func (s *SQLiteStore) Origin() string { return s.origin }

func (s *SQLiteStore) GetItem(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		log.Printf("storage: sqlite get %s: %v", key, err)
		return "", false
	}
	return value, true
}

func (s *SQLiteStore) SetItem(key, value string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.quota > 0 {
		var used int
		if err := tx.QueryRow(`SELECT COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0) FROM kv`).Scan(&used); err != nil {
			return fmt.Errorf("sqlite set %s: %w", key, err)
		}
		var prevLen sql.NullInt64
		_ = tx.QueryRow(`SELECT LENGTH(key) + LENGTH(value) FROM kv WHERE key = ?`, key).Scan(&prevLen)
		if prevLen.Valid {
			used -= int(prevLen.Int64)
		}
		if used+len(key)+len(value) > s.quota {
			return ErrQuotaExceeded
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	if err := s.appendLog(tx, key, value, false); err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}

	s.wake()
	return nil
}

func (s *SQLiteStore) RemoveItem(key string) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("storage: sqlite remove %s: %v", key, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		log.Printf("storage: sqlite remove %s: %v", key, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return
	}
	if err := s.appendLog(tx, key, "", true); err != nil {
		log.Printf("storage: sqlite remove %s: %v", key, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("storage: sqlite remove %s: %v", key, err)
		return
	}

	s.wake()
}

func (s *SQLiteStore) appendLog(tx *sql.Tx, key, value string, removed bool) error {
	flag := 0
	if removed {
		flag = 1
	}
	if _, err := tx.Exec(
		`INSERT INTO kv_log (origin, key, value, removed, at) VALUES (?, ?, ?, ?, ?)`,
		s.origin, key, value, flag, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	_, err := tx.Exec(
		`DELETE FROM kv_log WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM kv_log) - ?`,
		sqliteLogKeep)
	return err
}

// wake nudges the tail loop so local writes are dispatched without
// waiting for the poll interval.
func (s *SQLiteStore) wake() {
	select {
	case s.localCh <- struct{}{}:
	default:
	}
}

// Watch subscribes fn to committed writes, including this handle's own
// (filter on Event.Origin for foreign-only). The tail loop starts with
// the first watcher.
func (s *SQLiteStore) Watch(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	if !s.tailing {
		s.tailing = true
		if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM kv_log`).Scan(&s.lastSeq); err != nil {
			s.lastSeq = 0
		}
		go s.tail()
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *SQLiteStore) tail() {
	// Watch the directory: WAL writes land in sibling -wal/-shm files,
	// and atomic replacements would miss a file-level watch.
	var fsEvents chan fsnotify.Event
	base := filepath.Base(s.path)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(filepath.Dir(s.path)); err == nil {
			defer watcher.Close()
			fsEvents = make(chan fsnotify.Event, 16)
			go func() {
				defer close(fsEvents)
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if strings.HasPrefix(filepath.Base(ev.Name), base) {
							select {
							case fsEvents <- ev:
							default:
							}
						}
					case <-s.stopCh:
						return
					}
				}
			}()
		} else {
			_ = watcher.Close()
		}
	}

	ticker := time.NewTicker(sqlitePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.localCh:
		case <-fsEvents:
		case <-ticker.C:
		}
		s.drain()
	}
}

func (s *SQLiteStore) drain() {
	s.mu.Lock()
	since := s.lastSeq
	s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT seq, origin, key, value, removed FROM kv_log WHERE seq > ? ORDER BY seq`, since)
	if err != nil {
		log.Printf("storage: sqlite tail: %v", err)
		return
	}
	var events []Event
	last := since
	for rows.Next() {
		var (
			seq     int64
			ev      Event
			removed int
		)
		if err := rows.Scan(&seq, &ev.Origin, &ev.Key, &ev.NewValue, &removed); err != nil {
			log.Printf("storage: sqlite tail scan: %v", err)
			break
		}
		ev.Removed = removed != 0
		events = append(events, ev)
		last = seq
	}
	_ = rows.Close()
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	if last > s.lastSeq {
		s.lastSeq = last
	}
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Close stops the tail loop and closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.stopCh)
		err = s.db.Close()
	})
	return err
}
