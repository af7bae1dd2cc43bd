package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"taskforge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// StoreConfig configures the SQLite execution store.
type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration
	// KeepLast bounds the table size; older rows are pruned opportunistically.
	// 0 keeps everything.
	KeepLast int
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	keepLast   int
	opCount    atomic.Uint64
	pruneEvery uint64
}

// OpenSQLite opens (creating if needed) the execution history database.
func OpenSQLite(cfg StoreConfig, log logx.Logger) (Store, error) {
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

	st := &sqliteStore{db: db, log: log, keepLast: cfg.KeepLast, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, it Item) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(task_id, name, grp, started, duration_ms, executions, state, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		it.TaskID, it.Name, nullStr(it.Group), it.Started.Format(time.RFC3339Nano),
		it.Duration.Milliseconds(), it.Executions, it.State, nullStr(it.Error),
	)
	if err == nil && s.keepLast > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.prune(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, name, grp, started, duration_ms, executions, state, err
		 FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		var grp, errStr sql.NullString
		var started string
		var durMS int64
		if err := rows.Scan(&it.TaskID, &it.Name, &grp, &started, &durMS, &it.Executions, &it.State, &errStr); err != nil {
			return nil, err
		}
		it.Group = grp.String
		it.Error = errStr.String
		it.Duration = time.Duration(durMS) * time.Millisecond
		if ts, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
			it.Started = ts
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE id <= (SELECT MAX(id) FROM executions) - ?`, s.keepLast)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
