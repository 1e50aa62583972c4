// SQLiteBroker is a WAL-mode, SQLite-backed at-least-once queue: every
// queue is a partition of one table addressed by name, and GetMessages
// blocks (by polling) up to the requested timeout. This is the kernel's
// embedded/dev-mode broker, used for single-node deployments when no
// Redis/Disque server is configured.
package broker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// pollInterval is how often SQLiteBroker re-polls for new rows while a
// GetMessages call is waiting out its timeout. SQLite has no native
// blocking wait, so this emulates one.
const pollInterval = 50 * time.Millisecond

// SQLiteBroker is a WAL-mode SQLite-backed Broker. Safe for concurrent use.
type SQLiteBroker struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the SQLite database at path and applies the
// schema. path may be ":memory:" for ephemeral/test use.
func NewSQLite(path string) (*SQLiteBroker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("broker: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single-connection pool
	// serialises every call through it rather than hitting "database is
	// locked" under concurrent Send/Ack.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("broker: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("broker: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("broker: apply schema: %w", err)
	}

	return &SQLiteBroker{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS broker_messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    queue       TEXT    NOT NULL,
    payload     BLOB    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_broker_messages_pending
    ON broker_messages (queue, delivered, id);
`

// Send inserts payload as a new pending row on queue.
func (b *SQLiteBroker) Send(ctx context.Context, queue string, payload []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO broker_messages (queue, payload) VALUES (?, ?)`, queue, payload)
	if err != nil {
		return fmt.Errorf("broker: send: %w", err)
	}
	return nil
}

// GetMessages polls for pending (delivered = 0) rows on queue until at
// least one is found or timeout elapses, matching the blocking-fetch
// contract of spec §4.1. The returned SystemID is the row's primary key
// formatted as a string; Ack sets delivered = 1 for that id.
func (b *SQLiteBroker) GetMessages(ctx context.Context, queue string, timeout time.Duration) ([]Message, error) {
	deadline := time.Now().Add(timeout)

	for {
		msgs, err := b.poll(ctx, queue)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *SQLiteBroker) poll(ctx context.Context, queue string) ([]Message, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, payload FROM broker_messages WHERE queue = ? AND delivered = 0 ORDER BY id`, queue)
	if err != nil {
		return nil, fmt.Errorf("broker: poll: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("broker: poll scan: %w", err)
		}
		out = append(out, Message{
			Queue:    queue,
			SystemID: fmt.Sprintf("%d", id),
			Payload:  payload,
		})
	}
	return out, rows.Err()
}

// Ack marks the row identified by systemID as delivered. Idempotent.
func (b *SQLiteBroker) Ack(ctx context.Context, systemID string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE broker_messages SET delivered = 1 WHERE id = ? AND delivered = 0`, systemID)
	if err != nil {
		return fmt.Errorf("broker: ack: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (b *SQLiteBroker) Close() error {
	return b.db.Close()
}
