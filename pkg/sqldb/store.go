// Package sqldb backs the scripts' optional sql table with a SQLite file.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crystal-mush/luahost/pkg/vars"
)

// ErrNotConfigured is returned after Close or a failed Reconnect.
var ErrNotConfigured = errors.New("sqldb: not configured")

// Store manages a SQLite3 database connection for script SQL access.
type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	path       string
	queryLimit int
	timeout    time.Duration
}

// Open opens a SQLite3 database, sets WAL mode and busy timeout.
// queryLimit caps the rows returned by a single Query; 0 means no cap.
func Open(path string, queryLimit int, timeout time.Duration) (*Store, error) {
	s := &Store{path: path, queryLimit: queryLimit, timeout: timeout}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func (s *Store) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open %s: %w", s.path, err)
	}
	// Set WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqldb: setting WAL mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", s.timeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqldb: setting busy timeout: %w", err)
	}
	return db, nil
}

// Close closes the SQLite3 database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the filesystem path of the SQLite database.
func (s *Store) Path() string { return s.path }

// Checkpoint forces a WAL checkpoint to flush all writes to the main database file.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotConfigured
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Query runs a statement that returns rows. Each row becomes a map keyed by
// column name. At most queryLimit rows are returned.
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]vars.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotConfigured
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, strings.TrimSpace(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []vars.Map
	for rows.Next() {
		if s.queryLimit > 0 && len(out) >= s.queryLimit {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(vars.Map, len(cols))
		for i, c := range cols {
			row[c] = column(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Exec runs a statement that does not return rows and reports the number
// of affected rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrNotConfigured
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, strings.TrimSpace(query), args...)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// column converts a scanned SQLite value.
func column(v any) vars.Value {
	switch x := v.(type) {
	case nil:
		return vars.Nil{}
	case int64:
		return vars.Number(x)
	case float64:
		return vars.Number(x)
	case bool:
		return vars.Bool(x)
	case []byte:
		return vars.String(x)
	case string:
		return vars.String(x)
	case time.Time:
		return vars.String(x.Format(time.RFC3339))
	default:
		return vars.String(fmt.Sprint(x))
	}
}

// Reconnect closes and reopens the database connection.
func (s *Store) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	s.db = db
	return nil
}
