// Package audit is the write-only audit trail. Producers publish entries to
// the queue and never read them back; cmd/worker drains the queue into
// Postgres.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"presence/internal/clock"
	"presence/internal/queue"
)

// MessageType tags audit entries on the queue.
const MessageType = "audit"

// Entry is one audit record.
type Entry struct {
	Action string    `json:"action"`
	UserID *int64    `json:"user_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Sink accepts audit entries. Implementations must never be read back by
// the core.
type Sink interface {
	Write(ctx context.Context, action string, userID *int64, detail string) error
}

// QueueSink publishes entries to the queue for the worker to persist.
type QueueSink struct {
	q   queue.Queue
	clk clock.Clock
}

// NewQueueSink creates a sink on top of a queue.
func NewQueueSink(q queue.Queue, clk clock.Clock) *QueueSink {
	return &QueueSink{q: q, clk: clk}
}

// Write publishes one entry.
func (s *QueueSink) Write(ctx context.Context, action string, userID *int64, detail string) error {
	raw, err := json.Marshal(Entry{Action: action, UserID: userID, Detail: detail, At: s.clk.Now()})
	if err != nil {
		return err
	}
	return s.q.Publish(ctx, queue.Message{Type: MessageType, Body: raw})
}

// Writer appends entries to Postgres. Used by the worker, never by request
// handlers.
type Writer struct {
	db *sql.DB
}

// NewWriter creates a writer.
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Append inserts one entry.
func (w *Writer) Append(ctx context.Context, e Entry) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4)
	`, e.UserID, e.Action, e.Detail, e.At)
	return err
}
