package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nomo-app/backend/internal/remote/migrations"
	"github.com/nomo-app/backend/internal/sqlitedb"
)

// SQLiteStore persists remote progress in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens the store at path and applies embedded migrations.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path, migrations.FS)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrStorageClosed
	}
	return nil
}

// GetProgress returns ErrNotFound when userID has never pushed progress.
func (s *SQLiteStore) GetProgress(ctx context.Context, userID string) (Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return Snapshot{}, err
	}
	var (
		snap    Snapshot
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT xp, level, updated_at FROM progress WHERE user_id = ?`,
		userID,
	).Scan(&snap.XP, &snap.Level, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get progress: %w", err)
	}
	snap.UpdatedAt = sqlitedb.FromMillis(updated)
	return snap, nil
}

// MergeProgress stores the per-field maximum of the existing row and snap
// and returns the merged row.
func (s *SQLiteStore) MergeProgress(ctx context.Context, userID string, snap Snapshot) (Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return Snapshot{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Snapshot{}, fmt.Errorf("user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO progress (user_id, xp, level, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   xp = MAX(xp, excluded.xp),
		   level = MAX(level, excluded.level),
		   updated_at = excluded.updated_at`,
		userID, max(snap.XP, 0), max(snap.Level, 0), sqlitedb.ToMillis(s.now()),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("merge progress: %w", err)
	}
	return s.GetProgress(ctx, userID)
}

// RecordSession inserts rec unless a session with the same ID exists.
func (s *SQLiteStore) RecordSession(ctx context.Context, userID string, rec SessionRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return false, fmt.Errorf("session id is required")
	}
	recorded := rec.RecordedAt
	if recorded.IsZero() {
		recorded = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, user_id, minutes, xp_gained, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, userID, rec.Minutes, rec.XPGained, sqlitedb.ToMillis(recorded),
	)
	if err != nil {
		return false, fmt.Errorf("record session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record session: %w", err)
	}
	return n == 1, nil
}

// ListSessions returns userID's sessions, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]SessionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, minutes, xp_gained, recorded_at FROM sessions
		 WHERE user_id = ? ORDER BY recorded_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec      SessionRecord
			recorded int64
		)
		if err := rows.Scan(&rec.ID, &rec.Minutes, &rec.XPGained, &recorded); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.RecordedAt = sqlitedb.FromMillis(recorded)
		out = append(out, rec)
	}
	return out, rows.Err()
}
