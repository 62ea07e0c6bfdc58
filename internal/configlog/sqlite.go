package configlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentfleet/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type sqliteLog struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Log, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("config_log.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configlog: sqlite migrate: %w", err)
	}
	return &sqliteLog{db: db, log: log}, nil
}

func (s *sqliteLog) Append(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	at := r.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config_log(at, path, actor, line) VALUES(?,?,?,?)`,
		at.Format(time.RFC3339Nano), r.Path, r.Actor, string(b),
	)
	return err
}

func (s *sqliteLog) Replay(ctx context.Context, fn ReplayFunc) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, line FROM config_log ORDER BY seq`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq  int64
			line string
		)
		if err := rows.Scan(&seq, &line); err != nil {
			return err
		}
		if err := replayLine(s.log, []byte(line), fn); err != nil {
			return fmt.Errorf("configlog: replay seq %d: %w", seq, err)
		}
	}
	return rows.Err()
}

func (s *sqliteLog) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
