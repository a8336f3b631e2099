// Package persistence implements the SQLite-backed delivery history.
// Job state itself is never persisted, the history is an audit trail of
// callback delivery attempts for inspection and debugging.
package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound returned when a requested row doesn't exist
var ErrNotFound = errors.New("not found")

// Attempt is one recorded callback delivery attempt
type Attempt struct {
	ID         int64     `json:"id"`
	Token      string    `json:"message_token"`
	Service    string    `json:"service_name"`
	URL        string    `json:"url"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// attemptRow mirrors the table layout, timestamps stored as unix seconds
type attemptRow struct {
	ID         int64  `db:"id"`
	Token      string `db:"token"`
	Service    string `db:"service"`
	URL        string `db:"url"`
	Method     string `db:"method"`
	StatusCode int    `db:"status_code"`
	OK         bool   `db:"ok"`
	Error      string `db:"error"`
	CreatedAt  int64  `db:"created_at"`
}

func (r attemptRow) toAttempt() Attempt {
	return Attempt{
		ID:         r.ID,
		Token:      r.Token,
		Service:    r.Service,
		URL:        r.URL,
		Method:     r.Method,
		StatusCode: r.StatusCode,
		OK:         r.OK,
		Error:      r.Error,
		CreatedAt:  time.Unix(r.CreatedAt, 0),
	}
}

// SQLiteStore implements delivery history persistence using SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the history database and initializes the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to init schema: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT NOT NULL,
			service TEXT NOT NULL,
			url TEXT,
			method TEXT,
			status_code INTEGER,
			ok BOOLEAN,
			error TEXT,
			created_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_token ON delivery_attempts(token)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_created_at ON delivery_attempts(created_at)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// RecordAttempt saves one delivery attempt
func (s *SQLiteStore) RecordAttempt(a Attempt) error {
	ts := a.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO delivery_attempts (token, service, url, method, status_code, ok, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Token, a.Service, a.URL, a.Method, a.StatusCode, a.OK, a.Error, ts.Unix())
	if err != nil {
		return fmt.Errorf("failed to record attempt for %s: %w", a.Token, err)
	}
	return nil
}

// GetAttempts returns delivery attempts for the token, newest first
func (s *SQLiteStore) GetAttempts(token string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []attemptRow
	err := s.db.Select(&rows, `SELECT id, token, service, url, method, status_code, ok, error, created_at
		FROM delivery_attempts WHERE token = ? ORDER BY created_at DESC, id DESC LIMIT ?`, token, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts for %s: %w", token, err)
	}
	res := make([]Attempt, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toAttempt())
	}
	return res, nil
}

// LastAttempt returns the most recent attempt for the token, ErrNotFound if none recorded
func (s *SQLiteStore) LastAttempt(token string) (Attempt, error) {
	attempts, err := s.GetAttempts(token, 1)
	if err != nil {
		return Attempt{}, err
	}
	if len(attempts) == 0 {
		return Attempt{}, ErrNotFound
	}
	return attempts[0], nil
}

// CleanupOld removes attempts older than maxAge, returns the number removed
func (s *SQLiteStore) CleanupOld(maxAge time.Duration) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM delivery_attempts WHERE created_at < ?`, time.Now().Add(-maxAge).Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
