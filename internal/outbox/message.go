// Package outbox implements write-ahead event delivery: an event row is
// committed in the same transaction as the state change it reports, then
// handed to the broker asynchronously. Rows that never reach the broker are
// reconciled by the Sweeper.
package outbox

import (
	"context"
	"database/sql"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusDead    Status = "DEAD"
)

// Message lifecycle: PENDING -> SENT on delivery ack, PENDING -> FAILED on
// delivery failure or timeout, FAILED -> SENT on a successful retry,
// FAILED -> DEAD once the retry budget is spent. DEAD is terminal until an
// operator resets it back to FAILED.
type Message struct {
	ID          int64      `json:"id"`
	Topic       string     `json:"topic"`
	Key         string     `json:"key"`
	Payload     []byte     `json:"payload"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func NewMessage(topic, key string, payload []byte) *Message {
	return &Message{
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Broker is the fire-and-forget publish seam. The kafka producer implements
// it; tests substitute fakes.
type Broker interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Store persists message state. InsertTx runs inside the caller's
// transaction so the row commits atomically with the domain change.
type Store interface {
	InsertTx(ctx context.Context, tx *sql.Tx, msg *Message) error
	Insert(ctx context.Context, msg *Message) error
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	ListRetryable(ctx context.Context, maxRetries int, retriedBefore time.Time) ([]Message, error)
	RecordRetrySuccess(ctx context.Context, id int64) error
	RecordRetryFailure(ctx context.Context, id int64, maxRetries int) (Status, error)
	TimeoutPending(ctx context.Context, olderThan time.Time) (int64, error)
	ResetDead(ctx context.Context, id int64) error
	ListByStatus(ctx context.Context, status Status) ([]Message, error)
	GetByID(ctx context.Context, id int64) (*Message, error)
}
