package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const createTenantsDDL = `
CREATE TABLE IF NOT EXISTS tenants (
	key         TEXT PRIMARY KEY,
	record_json TEXT NOT NULL
);
`

// SQLStore persists tenant records in a modernc.org/sqlite database, one
// row per tenant holding the full JSON-encoded record. Writes are
// serialized by an internal mutex since the driver is given a single
// connection.
type SQLStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tenant sqlstore: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("tenant sqlstore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(createTenantsDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) LoadAll(ctx context.Context) (map[Key]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Key]*Record{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out[rec.Key] = &rec
	}
	return out, rows.Err()
}

func (s *SQLStore) Save(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (key, record_json)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET record_json = excluded.record_json
	`, string(rec.Key), string(raw))
	if err != nil {
		if isUniqueConstraint(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE key = ?`, string(key))
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }

func isUniqueConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
