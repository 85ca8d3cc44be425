//go:build sqlite
// +build sqlite

package storage

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

	logx "github.com/palemoky/xiaomi-speaker/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
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

func (s *sqliteStore) AppendJobAudit(ctx context.Context, e JobAuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_audit(at, job_id, source, text, language, fingerprint, state, attempts, took_ms, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.JobID, e.Source, e.Text, nullStr(e.Language),
		nullStr(e.Fingerprint), e.State, e.Attempts, e.TookMS, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) PutArtifact(ctx context.Context, fp string, size int64, hits uint64, lastUsed time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if fp == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts(fingerprint, size, hits, last_used) VALUES(?,?,?,?)
		 ON CONFLICT(fingerprint) DO UPDATE SET size=excluded.size, hits=excluded.hits, last_used=excluded.last_used`,
		fp, size, hits, lastUsed.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteArtifact(ctx context.Context, fp string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if fp == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE fingerprint = ?`, fp)
	return err
}

func (s *sqliteStore) ListArtifacts(ctx context.Context) (map[string]ArtifactRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, size, hits, last_used FROM artifacts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]ArtifactRow{}
	for rows.Next() {
		var fp string
		var size int64
		var hits uint64
		var lastUsed int64
		if err := rows.Scan(&fp, &size, &hits, &lastUsed); err != nil {
			return nil, err
		}
		out[fp] = ArtifactRow{Size: size, Hits: hits, LastUsed: time.UnixMilli(lastUsed)}
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
