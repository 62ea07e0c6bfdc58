package configlog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agentfleet/pkg/logx"
)

const defaultPGTable = "config_log"

var pgIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// pgLog stores records in a PostgreSQL table ordered by a serial column.
// Lines are kept as TEXT so replay sees the exact bytes that were appended.
type pgLog struct {
	db    *pgxpool.Pool
	table string
	log   logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Log, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("config_log.dsn is required for postgres driver")
	}
	table := strings.TrimSpace(cfg.Key)
	if table == "" {
		table = defaultPGTable
	}
	if !pgIdent.MatchString(table) {
		return nil, fmt.Errorf("invalid config log table name %q", table)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	l := &pgLog{db: pool, table: table, log: log}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres config log connected", logx.String("table", table))
	return l, nil
}

func (l *pgLog) migrate(ctx context.Context) error {
	_, err := l.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq   BIGSERIAL PRIMARY KEY,
	at    TIMESTAMPTZ NOT NULL,
	path  TEXT NOT NULL,
	actor TEXT,
	line  TEXT NOT NULL
)`, l.table))
	if err != nil {
		return fmt.Errorf("configlog: postgres migrate: %w", err)
	}
	return nil
}

func (l *pgLog) Append(ctx context.Context, r Record) error {
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	at := r.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = l.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s(at, path, actor, line) VALUES($1,$2,$3,$4)`, l.table),
		at, r.Path, r.Actor, string(b),
	)
	return err
}

func (l *pgLog) Replay(ctx context.Context, fn ReplayFunc) error {
	rows, err := l.db.Query(ctx, fmt.Sprintf(`SELECT seq, line FROM %s ORDER BY seq`, l.table))
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
		if err := replayLine(l.log, []byte(line), fn); err != nil {
			return fmt.Errorf("configlog: replay seq %d: %w", seq, err)
		}
	}
	return rows.Err()
}

func (l *pgLog) Close() error {
	l.db.Close()
	return nil
}
