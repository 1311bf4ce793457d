package checkpoint

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

	logx "clubwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	opCount atomic.Uint64
	gcEvery uint64
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

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, gcEvery: 64}

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

func (s *sqliteStore) HasProcessed(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if id == "" {
		return false, nil
	}
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT at FROM processed WHERE id = ?`, id).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// An entry that outlived retention no longer suppresses redelivery;
	// GC will collect it eventually.
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	return at >= cutoff, nil
}

func (s *sqliteStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if id == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()
	// Keep the first processedAt on replays.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed(id, at) VALUES(?,?) ON CONFLICT(id) DO NOTHING`,
		id, ms,
	)
	if err != nil {
		return err
	}

	if err := s.advanceWatermark(ctx, id, ms); err != nil {
		return err
	}

	if s.opCount.Add(1)%s.gcEvery == 0 {
		gctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if err := s.GC(gctx); err != nil {
			s.log.Debug("checkpoint gc failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) advanceWatermark(ctx context.Context, id string, ms int64) error {
	var cur string
	err := s.db.QueryRowContext(ctx, `SELECT last_seen FROM watermark WHERE k = 1`).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if cur != "" && !watermarkLess(cur, id) {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO watermark(k, last_seen, updated) VALUES(1,?,?)
		 ON CONFLICT(k) DO UPDATE SET last_seen=excluded.last_seen, updated=excluded.updated`,
		id, ms,
	)
	return err
}

func (s *sqliteStore) ResumePoint(ctx context.Context) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrDisabled
	}
	var last string
	err := s.db.QueryRowContext(ctx, `SELECT last_seen FROM watermark WHERE k = 1`).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return last, nil
}

func (s *sqliteStore) GC(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM processed WHERE at < ?`, cutoff)
	return err
}
