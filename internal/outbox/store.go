package outbox

import (
	"context"
	"database/sql"
	"time"
)

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) InsertTx(ctx context.Context, tx *sql.Tx, msg *Message) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO outbox_messages (topic, message_key, payload, status, retry_count, create_time)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING id
	`, msg.Topic, msg.Key, msg.Payload, msg.Status, msg.CreatedAt).Scan(&msg.ID)
}

// Insert writes a row outside any caller transaction, for events with no
// accompanying domain change.
func (s *SQLStore) Insert(ctx context.Context, msg *Message) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO outbox_messages (topic, message_key, payload, status, retry_count, create_time)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING id
	`, msg.Topic, msg.Key, msg.Payload, msg.Status, msg.CreatedAt).Scan(&msg.ID)
}

func (s *SQLStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1, last_retry_time = NOW()
		WHERE id = $2
	`, StatusSent, id)
	return err
}

func (s *SQLStore) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1, last_retry_time = NOW()
		WHERE id = $2
	`, StatusFailed, id)
	return err
}

func (s *SQLStore) ListRetryable(ctx context.Context, maxRetries int, retriedBefore time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, message_key, payload, status, retry_count, last_retry_time, create_time
		FROM outbox_messages
		WHERE status = $1
		  AND retry_count < $2
		  AND (last_retry_time IS NULL OR last_retry_time < $3)
		ORDER BY id
	`, StatusFailed, maxRetries, retriedBefore)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *SQLStore) RecordRetrySuccess(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1, retry_count = retry_count + 1, last_retry_time = NOW()
		WHERE id = $2
	`, StatusSent, id)
	return err
}

// RecordRetryFailure increments the retry counter and dead-letters the row
// once the budget is spent. Returns the resulting status.
func (s *SQLStore) RecordRetryFailure(ctx context.Context, id int64, maxRetries int) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `
		UPDATE outbox_messages
		SET retry_count = retry_count + 1,
		    last_retry_time = NOW(),
		    status = CASE WHEN retry_count + 1 >= $2 THEN $3::text ELSE $4::text END
		WHERE id = $1
		RETURNING status
	`, id, maxRetries, StatusDead, StatusFailed).Scan(&status)
	if err != nil {
		return "", err
	}
	return status, nil
}

// TimeoutPending reclassifies stuck PENDING rows as FAILED so the retry
// pass picks them up. The status predicate makes the transition happen at
// most once per row.
func (s *SQLStore) TimeoutPending(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1
		WHERE status = $2 AND create_time < $3
	`, StatusFailed, StatusPending, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLStore) ResetDead(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1, retry_count = 0
		WHERE id = $2 AND status = $3
	`, StatusFailed, id, StatusDead)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotDead
	}
	return nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, message_key, payload, status, retry_count, last_retry_time, create_time
		FROM outbox_messages
		WHERE status = $1
		ORDER BY id
	`, status)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *SQLStore) GetByID(ctx context.Context, id int64) (*Message, error) {
	msg := &Message{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, topic, message_key, payload, status, retry_count, last_retry_time, create_time
		FROM outbox_messages
		WHERE id = $1
	`, id).Scan(&msg.ID, &msg.Topic, &msg.Key, &msg.Payload, &msg.Status, &msg.RetryCount, &msg.LastRetryAt, &msg.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Key, &msg.Payload, &msg.Status, &msg.RetryCount, &msg.LastRetryAt, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}
