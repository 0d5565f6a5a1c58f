// Package store persists bandwidth deltas in SQLite and answers windowed
// questions over them.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	// pure Go driver, registers "sqlite"
	_ "modernc.org/sqlite"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store: closed")

const schema = `
CREATE TABLE IF NOT EXISTS bandwidth_records (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	time           INTEGER NOT NULL,
	pid            INTEGER NOT NULL,
	process_name   TEXT    NOT NULL,
	tx_bytes       INTEGER NOT NULL,
	rx_bytes       INTEGER NOT NULL,
	protocol       TEXT    NOT NULL,
	remote_address TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_time ON bandwidth_records(time);
CREATE INDEX IF NOT EXISTS idx_records_process ON bandwidth_records(process_name, time);
CREATE INDEX IF NOT EXISTS idx_records_pid ON bandwidth_records(pid);

CREATE TABLE IF NOT EXISTS ip_bandwidth (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	time           INTEGER NOT NULL,
	pid            INTEGER NOT NULL,
	process_name   TEXT    NOT NULL,
	remote_address TEXT    NOT NULL,
	tx_bytes       INTEGER NOT NULL,
	rx_bytes       INTEGER NOT NULL,
	protocol       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ip_time ON ip_bandwidth(time);
CREATE INDEX IF NOT EXISTS idx_ip_process ON ip_bandwidth(process_name, time);
CREATE INDEX IF NOT EXISTS idx_ip_remote ON ip_bandwidth(remote_address, time);

CREATE TABLE IF NOT EXISTS hourly_stats (
	hour_start   INTEGER NOT NULL,
	process_name TEXT    NOT NULL,
	total_tx     INTEGER NOT NULL DEFAULT 0,
	total_rx     INTEGER NOT NULL DEFAULT 0,
	tcp_tx       INTEGER NOT NULL DEFAULT 0,
	tcp_rx       INTEGER NOT NULL DEFAULT 0,
	udp_tx       INTEGER NOT NULL DEFAULT 0,
	udp_rx       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (hour_start, process_name)
);
`

// Store is safe for concurrent use. Times are stored as unix nanoseconds.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
	closed atomic.Bool
}

// Open opens (creating if needed) the database at path in WAL mode, so
// readers see a consistent snapshot while the collector's batch transaction
// is in flight, and migrates the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("store opened", zap.String("path", path))
	return s, nil
}

// New wraps an already open database. The schema is not touched.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("store"), now: time.Now}
}

// Migrate creates any missing table or index.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n) }
