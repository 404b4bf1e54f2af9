package db

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

	"github.com/g960059/canview/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// Store keeps applied settings and run history. Frame payloads are never
// written here.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	conn := settings.Connection
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(id, capacity, plot_height, interface, channel, bitrate, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	capacity=excluded.capacity,
	plot_height=excluded.plot_height,
	interface=excluded.interface,
	channel=excluded.channel,
	bitrate=excluded.bitrate,
	updated_at=excluded.updated_at
`, settings.Capacity, settings.PlotHeight, string(conn.Interface), conn.Channel, conn.Bitrate, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *Store) LoadSettings(ctx context.Context) (model.Settings, error) {
	var settings model.Settings
	var iface string
	err := s.db.QueryRowContext(ctx, `
SELECT capacity, plot_height, interface, channel, bitrate FROM settings WHERE id = 1
`).Scan(&settings.Capacity, &settings.PlotHeight, &iface, &settings.Connection.Channel, &settings.Connection.Bitrate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Settings{}, ErrNotFound
		}
		return model.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	settings.Connection.Interface = model.InterfaceKind(iface)
	return settings, nil
}

func (s *Store) InsertRun(ctx context.Context, run model.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, interface, channel, bitrate, started_at, stopped_at, error)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, run.RunID, string(run.Connection.Interface), run.Connection.Channel, run.Connection.Bitrate, ts(run.StartedAt), nullableTS(run.StoppedAt), run.Error)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the stop time and the frame counters of an open run.
func (s *Store) FinishRun(ctx context.Context, runID string, stoppedAt time.Time, stats model.ListenerStats) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET stopped_at = ?, frames_received = ?, frames_recorded = ?, frames_malformed = ?
WHERE run_id = ? AND stopped_at IS NULL
`, ts(stoppedAt), int64(stats.Received), int64(stats.Recorded), int64(stats.Malformed), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, interface, channel, bitrate, started_at, stopped_at, error, frames_received, frames_recorded, frames_malformed
FROM runs
ORDER BY started_at DESC, run_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Run
	for rows.Next() {
		var (
			run                           model.Run
			iface, startedAt              string
			stoppedAt                     sql.NullString
			received, recorded, malformed int64
		)
		if err := rows.Scan(&run.RunID, &iface, &run.Connection.Channel, &run.Connection.Bitrate, &startedAt, &stoppedAt, &run.Error, &received, &recorded, &malformed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Connection.Interface = model.InterfaceKind(iface)
		if run.StartedAt, err = parseTS(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if stoppedAt.Valid {
			t, err := parseTS(stoppedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse stopped_at: %w", err)
			}
			run.StoppedAt = &t
		}
		run.Stats = model.ListenerStats{Received: uint64(received), Recorded: uint64(recorded), Malformed: uint64(malformed)}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// PurgeRuns deletes finished runs started before cutoff and reports how many went.
func (s *Store) PurgeRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ? AND stopped_at IS NOT NULL`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge runs rows: %w", err)
	}
	return n, nil
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

// Fixed-width so that stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
