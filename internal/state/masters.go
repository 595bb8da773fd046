package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no master is recorded for a socket.
var ErrNotFound = errors.New("master not recorded")

// Master is one registry row.
type Master struct {
	SocketPath string
	Target     string
	PID        int
	// LaunchedBy is the pid of the sshmux process that started the master,
	// or 0 when it was found already running.
	LaunchedBy int
	LaunchedAt time.Time
	ReleasedAt *time.Time
}

// Active reports whether the master has not been released.
func (m Master) Active() bool { return m.ReleasedAt == nil }

// RecordLaunch upserts the row for a master that is now in use.
func (s *Store) RecordLaunch(ctx context.Context, m Master) error {
	if m.LaunchedAt.IsZero() {
		m.LaunchedAt = time.Now()
	}
	err := s.exec(ctx,
		`INSERT INTO masters (socket_path, target, pid, launched_by, launched_at, released_at)
        VALUES (?, ?, ?, ?, ?, NULL)
        ON CONFLICT(socket_path) DO UPDATE SET
            target = excluded.target,
            pid = excluded.pid,
            launched_by = CASE WHEN excluded.launched_by != 0 THEN excluded.launched_by ELSE masters.launched_by END,
            launched_at = CASE WHEN masters.released_at IS NULL THEN masters.launched_at ELSE excluded.launched_at END,
            released_at = NULL`,
		m.SocketPath, m.Target, m.PID, m.LaunchedBy, m.LaunchedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record master %s: %w", m.SocketPath, err)
	}
	return nil
}

// MarkReleased stamps the release time on a master.
func (s *Store) MarkReleased(ctx context.Context, socketPath string, at time.Time) error {
	err := s.exec(ctx,
		`UPDATE masters SET released_at = ? WHERE socket_path = ?`,
		at.UTC().Format(time.RFC3339Nano), socketPath,
	)
	if err != nil {
		return fmt.Errorf("mark master %s released: %w", socketPath, err)
	}
	return nil
}

// Forget deletes the row for socketPath.
func (s *Store) Forget(ctx context.Context, socketPath string) error {
	if err := s.exec(ctx, `DELETE FROM masters WHERE socket_path = ?`, socketPath); err != nil {
		return fmt.Errorf("forget master %s: %w", socketPath, err)
	}
	return nil
}

// Get returns the row for socketPath or ErrNotFound.
func (s *Store) Get(ctx context.Context, socketPath string) (Master, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT socket_path, target, pid, launched_by, launched_at, released_at
        FROM masters WHERE socket_path = ?`, socketPath)
	m, err := scanMaster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Master{}, ErrNotFound
	}
	return m, err
}

// List returns all rows ordered by target then socket path.
func (s *Store) List(ctx context.Context) ([]Master, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT socket_path, target, pid, launched_by, launched_at, released_at
        FROM masters ORDER BY target, socket_path`)
	if err != nil {
		return nil, fmt.Errorf("list masters: %w", err)
	}
	defer rows.Close()

	var out []Master
	for rows.Next() {
		m, err := scanMaster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list masters: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMaster(row scanner) (Master, error) {
	var (
		m          Master
		launchedAt string
		releasedAt sql.NullString
	)
	if err := row.Scan(&m.SocketPath, &m.Target, &m.PID, &m.LaunchedBy, &launchedAt, &releasedAt); err != nil {
		return Master{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, launchedAt)
	if err != nil {
		return Master{}, fmt.Errorf("parse launched_at %q: %w", launchedAt, err)
	}
	m.LaunchedAt = ts
	if releasedAt.Valid {
		rt, err := time.Parse(time.RFC3339Nano, releasedAt.String)
		if err != nil {
			return Master{}, fmt.Errorf("parse released_at %q: %w", releasedAt.String, err)
		}
		m.ReleasedAt = &rt
	}
	return m, nil
}
