package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/nomo-app/backend/internal/sqlitedb"
	"github.com/nomo-app/backend/internal/syncer/migrations"
)

var ErrJournalClosed = errors.New("syncer: journal closed")

// Journal persists undelivered jobs so they survive a restart.
type Journal interface {
	Append(ctx context.Context, job Job) error
	Remove(ctx context.Context, id string) error
	// Pending returns the journaled jobs in the order they were appended.
	Pending(ctx context.Context) ([]Job, error)
}

// MemoryJournal keeps jobs for the life of the process only.
type MemoryJournal struct {
	mu   sync.Mutex
	jobs []Job
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Append(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *MemoryJournal) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.jobs {
		if j.ID == id {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryJournal) Pending(_ context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.jobs...), nil
}

// SQLiteJournal stores jobs in a SQLite outbox table.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens the journal at path and applies its migrations.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sqlitedb.Open(path, migrations.FS)
	if err != nil {
		return nil, err
	}
	return &SQLiteJournal{db: db}, nil
}

func (s *SQLiteJournal) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteJournal) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrJournalClosed
	}
	return nil
}

func (s *SQLiteJournal) Append(ctx context.Context, job Job) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbox_jobs (id, kind, xp, level, minutes, xp_gained, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), job.XP, job.Level, job.Minutes, job.XPGained, sqlitedb.ToMillis(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append job: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) Remove(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) Pending(ctx context.Context) ([]Job, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, xp, level, minutes, xp_gained, created_at
		 FROM outbox_jobs ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			job     Job
			kind    string
			created int64
		)
		if err := rows.Scan(&job.ID, &kind, &job.XP, &job.Level, &job.Minutes, &job.XPGained, &created); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Kind = JobKind(kind)
		job.CreatedAt = sqlitedb.FromMillis(created)
		out = append(out, job)
	}
	return out, rows.Err()
}
