package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"voxelpipe/internal/config"
)

const sqlitePollInterval = 250 * time.Millisecond

// SQLiteQueue is a single-node queue with SQS-like visibility semantics,
// used for development and tests. A received message becomes invisible for
// the visibility timeout and reappears unless acknowledged.
type SQLiteQueue struct {
	db         *sql.DB
	visibility time.Duration
}

// NewSQLite opens (and initializes) the queue database under the data dir.
func NewSQLite(cfg *config.Config) (*SQLiteQueue, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return NewSQLitePath(
		filepath.Join(cfg.Paths.DataDir, "queue.db"),
		time.Duration(cfg.Queue.VisibilityTimeoutSeconds)*time.Second,
	)
}

// NewSQLitePath opens a queue database at an explicit location.
func NewSQLitePath(dbPath string, visibility time.Duration) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS queue_messages (
        id TEXT PRIMARY KEY,
        body TEXT NOT NULL,
        ack_token TEXT,
        visible_at TEXT NOT NULL,
        enqueued_at TEXT NOT NULL
    )`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &SQLiteQueue{db: db, visibility: visibility}, nil
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, jobID, reference string) error {
	body, err := encodeBody(jobID, reference)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = q.db.ExecContext(
		ctx,
		`INSERT INTO queue_messages (id, body, visible_at, enqueued_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(),
		body,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Receive(ctx context.Context, waitSeconds int) (*Message, error) {
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		msg, err := q.receiveOne(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sqlitePollInterval):
		}
	}
}

// receiveOne claims the oldest visible message inside one transaction so
// concurrent consumers never claim the same delivery.
func (q *SQLiteQueue) receiveOne(ctx context.Context) (*Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin receive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var (
		id   string
		body string
	)
	err = tx.QueryRowContext(
		ctx,
		`SELECT id, body FROM queue_messages WHERE visible_at <= ? ORDER BY enqueued_at LIMIT 1`,
		now.Format(time.RFC3339Nano),
	).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select message: %w", err)
	}

	ackToken := uuid.NewString()
	_, err = tx.ExecContext(
		ctx,
		`UPDATE queue_messages SET ack_token = ?, visible_at = ? WHERE id = ?`,
		ackToken,
		now.Add(q.visibility).Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit receive: %w", err)
	}

	msg, err := decodeBody(body)
	if err != nil {
		// A poison message is removed so it cannot wedge the queue.
		_, _ = q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id)
		return nil, err
	}
	msg.AckToken = ackToken
	return msg, nil
}

func (q *SQLiteQueue) Acknowledge(ctx context.Context, ackToken string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE ack_token = ?`, ackToken)
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("ack token not found (message may have been redelivered)")
	}
	return nil
}
