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

	logx "taskcore/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrDisabled is returned by a nil store.
var ErrDisabled = errors.New("history: disabled")

// Run is one completed task execution.
type Run struct {
	TaskID  int64
	TypeID  int
	Group   int
	Event   string
	Started time.Time
	Ended   time.Time
	Took    time.Duration
	Result  string
	Args    string // JSON array of recorded argument values
}

type Config struct {
	Path        string
	BusyTimeout time.Duration
	// Keep caps the number of retained rows; 0 keeps everything.
	Keep int
}

// Store persists task runs in SQLite.
type Store struct {
	db  *sql.DB
	log logx.Logger

	keep       int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
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

	st := &Store{db: db, log: log, keep: cfg.Keep, pruneEvery: 200}

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

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Record(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Ended.IsZero() {
		r.Ended = time.Now()
	}
	var started any
	if !r.Started.IsZero() {
		started = r.Started.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs(task_id, type_id, grp, event, started, ended, took_ms, result, args)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.TaskID, r.TypeID, r.Group, r.Event, started,
		r.Ended.Format(time.RFC3339Nano), r.Took.Milliseconds(), nullStr(r.Result), nullStr(r.Args),
	)
	if err == nil && s.keep > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = s.prune(pctx)
		cancel()
	}
	return err
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, type_id, grp, event, started, ended, took_ms, result, args
		 FROM task_runs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			started sql.NullString
			ended   string
			tookMS  int64
			result  sql.NullString
			argsCol sql.NullString
		)
		if err := rows.Scan(&r.TaskID, &r.TypeID, &r.Group, &r.Event, &started, &ended, &tookMS, &result, &argsCol); err != nil {
			return nil, err
		}
		if started.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, started.String); perr == nil {
				r.Started = t
			}
		}
		if t, perr := time.Parse(time.RFC3339Nano, ended); perr == nil {
			r.Ended = t
		}
		r.Took = time.Duration(tookMS) * time.Millisecond
		r.Result = result.String
		r.Args = argsCol.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) prune(ctx context.Context) error {
	if s == nil || s.db == nil || s.keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_runs WHERE id NOT IN (SELECT id FROM task_runs ORDER BY id DESC LIMIT ?)`,
		s.keep)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
