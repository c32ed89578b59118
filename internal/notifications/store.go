// Package notifications implements the session notification store.
//
// The store is a deduplicated, ordered collection of notification records
// with read/unread state. Records arrive from the push channel and from the
// periodic REST fetch; the same logical notification commonly arrives through
// both, so insertion is keyed on the record id and a repeated id is a no-op.
//
// Backing storage is an in-memory SQLite database that lives as long as the
// Store. Nothing is persisted beyond the session.
package notifications

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/observable"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Origin tells insert observers where a record came from.
type Origin string

const (
	OriginPush  Origin = "push"
	OriginFetch Origin = "fetch"
)

// InsertHandler is called once for every record that was newly inserted.
type InsertHandler func(n models.Notification, origin Origin)

// Summary is published after every change.
type Summary struct {
	Total  int `json:"total"`
	Unread int `json:"unread"`
}

// Store holds the notifications of the current session.
type Store struct {
	log zerolog.Logger
	db  *sql.DB

	// mu serializes writes so seq follows insertion order.
	mu  sync.Mutex
	seq int64

	handlersMu sync.RWMutex
	handlers   map[int]InsertHandler
	nextID     int

	summary *observable.Value[Summary]
}

// Open creates an empty store.
func Open(log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open notification db: %w", err)
	}

	// Every connection to :memory: is a separate database; keep exactly one
	// and never recycle it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create notification tables: %w", err)
	}

	log = log.With().Str("component", "notifications").Logger()
	return &Store{
		log:      log,
		db:       db,
		handlers: make(map[int]InsertHandler),
		summary:  observable.NewValue(Summary{}).WithPanicHandler(observable.LogPanics(log)),
	}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		title      TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		is_read    INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_order ON notifications(created_at DESC, seq DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// Close releases the database. The store must not be used afterwards.
func (s *Store) Close() error {
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// insertLocked inserts n unless its id exists. Caller holds s.mu.
func (s *Store) insertLocked(ex execer, n models.Notification) (bool, error) {
	s.seq++
	res, err := ex.Exec(`
		INSERT OR IGNORE INTO notifications (id, seq, kind, title, message, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, s.seq, string(n.Kind), n.Title, n.Message, n.CreatedAt.UnixNano(), n.Read)
	if err != nil {
		return false, fmt.Errorf("insert notification %s: %w", n.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Ingest adds a record that arrived over the push channel. A record whose id
// already exists is ignored and the stored copy, read state included, is
// kept. It reports whether the record was new.
func (s *Store) Ingest(n models.Notification) (bool, error) {
	if n.ID == "" {
		return false, fmt.Errorf("ingest notification: empty id")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	s.mu.Lock()
	inserted, err := s.insertLocked(s.db, n)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	if !inserted {
		s.log.Debug().Str("id", n.ID).Msg("duplicate notification ignored")
		return false, nil
	}

	s.log.Debug().Str("id", n.ID).Str("kind", string(n.Kind)).Msg("notification ingested")
	s.notifyInsert(n, OriginPush)
	s.publish()
	return true, nil
}

// Merge adds a batch of records from a REST fetch in one transaction and
// returns how many were new.
func (s *Store) Merge(batch []models.Notification) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	inserted, err := s.mergeLocked(batch)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	for _, n := range inserted {
		s.notifyInsert(n, OriginFetch)
	}
	if len(inserted) > 0 {
		s.publish()
	}

	s.log.Debug().Int("fetched", len(batch)).Int("new", len(inserted)).Msg("notifications merged")
	return len(inserted), nil
}

func (s *Store) mergeLocked(batch []models.Notification) ([]models.Notification, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	var inserted []models.Notification
	for _, n := range batch {
		if n.ID == "" {
			continue
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		ok, err := s.insertLocked(tx, n)
		if err != nil {
			return nil, err
		}
		if ok {
			inserted = append(inserted, n)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	return inserted, nil
}

// MarkRead marks a record read. It is idempotent and reports whether the
// record changed. Unknown ids are a no-op.
func (s *Store) MarkRead(id string) (bool, error) {
	s.mu.Lock()
	res, err := s.db.Exec(`UPDATE notifications SET is_read = 1 WHERE id = ? AND is_read = 0`, id)
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("mark notification %s read: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	s.publish()
	return true, nil
}

// ClearAll removes every record. Later ingestion, including of ids seen
// before, works as usual.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	_, err := s.db.Exec(`DELETE FROM notifications`)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}

	s.log.Info().Msg("notifications cleared")
	s.publish()
	return nil
}

// List returns all records, newest first. Records with the same timestamp
// are ordered by insertion, later first.
func (s *Store) List() ([]models.Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, title, message, created_at, is_read
		FROM notifications
		ORDER BY created_at DESC, seq DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Get returns a single record.
func (s *Store) Get(id string) (models.Notification, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, title, message, created_at, is_read
		FROM notifications WHERE id = ?
	`, id)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, false, nil
	}
	if err != nil {
		return models.Notification{}, false, err
	}
	return n, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(sc scanner) (models.Notification, error) {
	var (
		n         models.Notification
		kind      string
		createdAt int64
		read      int
	)
	if err := sc.Scan(&n.ID, &kind, &n.Title, &n.Message, &createdAt, &read); err != nil {
		return n, err
	}
	n.Kind = models.Kind(kind)
	n.CreatedAt = time.Unix(0, createdAt)
	n.Read = read != 0
	return n, nil
}

// Summary returns the current totals.
func (s *Store) Summary() Summary {
	return s.summary.Get()
}

// Len returns the number of records.
func (s *Store) Len() int { return s.summary.Get().Total }

// UnreadCount returns the number of unread records.
func (s *Store) UnreadCount() int { return s.summary.Get().Unread }

// Subscribe registers fn for summary changes.
func (s *Store) Subscribe(fn func(Summary)) (unsubscribe func()) {
	return s.summary.Subscribe(fn)
}

// publish recounts inside the observable's update so concurrent writers
// cannot store an older count after a newer one.
func (s *Store) publish() {
	s.summary.Update(func(prev Summary) Summary {
		var sum Summary
		err := s.db.QueryRow(`
			SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0)
			FROM notifications
		`).Scan(&sum.Total, &sum.Unread)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to count notifications")
			return prev
		}
		return sum
	})
}

// OnInsert registers h for newly inserted records. Duplicates never reach
// it.
func (s *Store) OnInsert(h InsertHandler) (unsubscribe func()) {
	s.handlersMu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers[id] = h
	s.handlersMu.Unlock()

	return func() {
		s.handlersMu.Lock()
		delete(s.handlers, id)
		s.handlersMu.Unlock()
	}
}

func (s *Store) notifyInsert(n models.Notification, origin Origin) {
	s.handlersMu.RLock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	s.handlersMu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		s.handlersMu.RLock()
		h, ok := s.handlers[id]
		s.handlersMu.RUnlock()
		if ok {
			s.safeCall(func() { h(n, origin) })
		}
	}
}

func (s *Store) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("insert handler panicked")
		}
	}()
	fn()
}
