// Package store persists the active outbound queue in SQLite.
//
// Every mutation runs in an IMMEDIATE transaction under the store's writer
// lock, so identifier assignment and status updates are serialized even when
// producers enqueue concurrently with the relay loop. Delivered messages
// leave the store through Archive, which is replayable after a crash at any
// step.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

var (
	// ErrCorrupt means the database or one of its records cannot be
	// trusted. It is fatal; the queue is never deleted automatically.
	ErrCorrupt = errors.New("store: corrupt")
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("store: closed")
)

const schemaVersion = 1

// Archiver receives delivered messages before they are removed from the
// active queue. Append must be idempotent by message id.
type Archiver interface {
	Append(msgs []message.Message) error
}

// Config holds the parameters for opening a Store.
type Config struct {
	Path     string
	Archive  Archiver
	Clock    clock.Clock
	Logger   *log.Logger
	PoolSize int // defaults to 2
}

// Stats summarizes the active queue.
type Stats struct {
	Pending       int   `json:"pending"`
	Sent          int   `json:"sent"`
	Delivered     int   `json:"delivered"`
	MaxIdentifier int64 `json:"max_identifier"`
}

// Store is the single-writer active queue.
type Store struct {
	pool    *sqlitex.Pool
	archive Archiver
	clock   clock.Clock
	logger  *log.Logger
	path    string

	// mu is the writer lock. It is never held across network I/O.
	mu     sync.Mutex
	closed bool
}

// Open creates the database if needed, applies the schema and verifies
// integrity. A database that fails the integrity check yields ErrCorrupt.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: Path is required")
	}
	if cfg.Archive == nil {
		return nil, errors.New("store: Archive is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("store: opening %s: %w", cfg.Path, err))
	}

	s := &Store{
		pool:    pool,
		archive: cfg.Archive,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		path:    cfg.Path,
	}
	if err := s.init(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	s.logger.Info("queue store opened at %s", cfg.Path)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO meta(key, value) VALUES ('max_identifier', 0);
	CREATE TABLE IF NOT EXISTS active_messages (
		id           INTEGER PRIMARY KEY,
		kind         TEXT NOT NULL,
		topic        TEXT NOT NULL DEFAULT '',
		payload      TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		delivered_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_active_status ON active_messages(status, id);
`

func (s *Store) init() (err error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return classify(fmt.Errorf("store: take: %w", err))
	}
	defer s.pool.Put(conn)

	if err := checkIntegrity(conn); err != nil {
		return err
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return classify(fmt.Errorf("store: begin transaction: %w", err))
	}
	defer endTransaction(&err)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return classify(fmt.Errorf("store: applying schema: %w", err))
	}
	return sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', ?)`,
		&sqlitex.ExecOptions{Args: []any{schemaVersion}})
}

func checkIntegrity(conn *sqlite.Conn) error {
	var result string
	err := sqlitex.ExecuteTransient(conn, "PRAGMA quick_check", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if result == "" {
				result = stmt.ColumnText(0)
			}
			return nil
		},
	})
	if err != nil {
		return classify(fmt.Errorf("store: integrity check: %w", err))
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check reported %q", ErrCorrupt, result)
	}
	return nil
}

// classify maps SQLite corruption results onto ErrCorrupt. The message
// check covers errors that lost their result code while being wrapped by
// the pool.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultCorrupt, sqlite.ResultNotADB:
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "file is not a database") || strings.Contains(msg, "disk image is malformed") {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// IsOpen reports whether Close has not been called.
func (s *Store) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// write runs fn in an IMMEDIATE transaction under the writer lock.
func (s *Store) write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return classify(fmt.Errorf("store: begin transaction: %w", err))
	}
	defer endTransaction(&err)

	return classify(fn(conn))
}

// read runs fn on a pooled connection inside a deferred transaction so
// that meta and rows are read from one snapshot.
func (s *Store) read(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction := sqlitex.Transaction(conn)
	defer endTransaction(&err)

	return classify(fn(conn))
}

// Close closes the connection pool. Later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("queue store closed")
	return nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
