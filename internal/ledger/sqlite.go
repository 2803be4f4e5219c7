package ledger

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

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	logx "shortrelay/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteLedger struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for sqlite driver")
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

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL: a recorded delivery must survive power loss.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s: migrate: %v", ErrCorrupt, path, err)
	}
	return &sqliteLedger{db: db, log: log}, nil
}

func (s *sqliteLedger) Contains(ctx context.Context, id string) (bool, error) {
	query, args, err := sq.Select("1").
		From("deliveries").
		Where(sq.Eq{"id": strings.TrimSpace(id)}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteLedger) Record(ctx context.Context, id string, at time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	query, args, err := sq.Insert("deliveries").
		Columns("id", "processed_at").
		Values(id, unixSeconds(at)).
		Suffix("ON CONFLICT(id) DO UPDATE SET processed_at = excluded.processed_at").
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqliteLedger) Len(ctx context.Context) (int, error) {
	query, args, err := sq.Select("COUNT(*)").From("deliveries").ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
