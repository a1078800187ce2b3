package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postbot/pkg/logx"
)

const seenSchema = `
CREATE TABLE IF NOT EXISTS seen (
    id         TEXT PRIMARY KEY,
    first_seen INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seen_first_seen ON seen(first_seen);
`

type sqliteSeen struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (SeenStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(seenSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteSeen{db: db, log: log}, nil
}

func (s *sqliteSeen) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteSeen) Has(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if id == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteSeen) Add(ctx context.Context, id string, seenAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if id == "" {
		return nil
	}
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(id, first_seen) VALUES(?,?)
		 ON CONFLICT(id) DO NOTHING`,
		id, seenAt.UnixMilli(),
	)
	return err
}

func (s *sqliteSeen) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE first_seen < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
