package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed storage layer for the kernel registry.
//
// Unlike the dashboard server this is adapted from, every write here is a
// single-row upsert driven directly by an incoming status report — there is
// no batching, since a registry deployment sees at most one report every
// few seconds per kernel process.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr, pings the database, and
// ensures the kernel_sessions table exists.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS kernel_sessions (
			kernel_id       TEXT PRIMARY KEY,
			session_mode    BOOLEAN NOT NULL DEFAULT false,
			status          TEXT NOT NULL,
			started_at      TIMESTAMPTZ NOT NULL,
			last_ping_at    TIMESTAMPTZ,
			last_exec_at    TIMESTAMPTZ,
			execution_count BIGINT NOT NULL DEFAULT 0
		)`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure kernel_sessions schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// UpsertSession inserts a new kernel_sessions row or, on kernel_id
// conflict, updates the mutable fields. StartedAt is set only on first
// insert (the conflict update leaves started_at untouched); LastExecAt advances to now()
// only when this report's ExecutionCount is higher than what's stored,
// so a report that doesn't reflect a new execution doesn't touch it.
func (s *Store) UpsertSession(ctx context.Context, sess KernelSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kernel_sessions
			(kernel_id, session_mode, status, started_at, last_ping_at, execution_count, last_exec_at)
		VALUES ($1, $2, $3, now(), $4, $5, CASE WHEN $5 > 0 THEN now() ELSE NULL END)
		ON CONFLICT (kernel_id) DO UPDATE SET
			session_mode    = EXCLUDED.session_mode,
			status          = EXCLUDED.status,
			last_ping_at    = EXCLUDED.last_ping_at,
			execution_count = EXCLUDED.execution_count,
			last_exec_at    = CASE
				WHEN EXCLUDED.execution_count > kernel_sessions.execution_count THEN now()
				ELSE kernel_sessions.last_exec_at
			END`,
		sess.KernelID, sess.SessionMode, string(sess.Status), sess.LastPingAt, sess.ExecutionCount,
	)
	if err != nil {
		return fmt.Errorf("upsert kernel session %s: %w", sess.KernelID, err)
	}
	return nil
}

// GetSession returns the kernel_sessions row for kernelID, or an error
// wrapping pgx.ErrNoRows when not found.
func (s *Store) GetSession(ctx context.Context, kernelID string) (*KernelSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT kernel_id, session_mode, status, started_at, last_ping_at, last_exec_at, execution_count
		FROM   kernel_sessions
		WHERE  kernel_id = $1`, kernelID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get kernel session %s: %w", kernelID, err)
	}
	return sess, nil
}

// ListSessions returns every kernel_sessions row ordered by kernel_id.
func (s *Store) ListSessions(ctx context.Context) ([]KernelSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kernel_id, session_mode, status, started_at, last_ping_at, last_exec_at, execution_count
		FROM   kernel_sessions
		ORDER  BY kernel_id`)
	if err != nil {
		return nil, fmt.Errorf("list kernel sessions: %w", err)
	}
	defer rows.Close()

	var sessions []KernelSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan kernel session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*KernelSession, error) {
	var sess KernelSession
	var status string
	err := sc.Scan(
		&sess.KernelID, &sess.SessionMode, &status, &sess.StartedAt,
		&sess.LastPingAt, &sess.LastExecAt, &sess.ExecutionCount,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	return &sess, nil
}
