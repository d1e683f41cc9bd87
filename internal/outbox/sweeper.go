package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	ErrMessageNotFound = errors.New("outbox: message not found")
	ErrNotDead         = errors.New("outbox: message is not dead")
)

type SweeperConfig struct {
	// RetryInterval is how often FAILED rows are re-attempted.
	RetryInterval time.Duration
	// TimeoutInterval is how often stuck PENDING rows are reclassified.
	TimeoutInterval time.Duration
	// RetryBackoff is the minimum age of the last attempt before a row is
	// retried again.
	RetryBackoff time.Duration
	// PendingTimeout is how long a row may stay PENDING before it is
	// treated as a lost delivery.
	PendingTimeout time.Duration
	// MaxRetries is the retry budget before a row is dead-lettered.
	MaxRetries int
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		RetryInterval:   5 * time.Minute,
		TimeoutInterval: 10 * time.Minute,
		RetryBackoff:    5 * time.Minute,
		PendingTimeout:  30 * time.Minute,
		MaxRetries:      3,
	}
}

// Sweeper reconciles outbox rows the asynchronous delivery path left behind:
// it retries FAILED rows with backoff, dead-letters rows past the retry
// budget, and times out rows stuck in PENDING.
type Sweeper struct {
	store  Store
	broker Broker
	cfg    SweeperConfig
	logger *slog.Logger
}

func NewSweeper(store Store, broker Broker, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks until ctx is cancelled, driving the retry and timeout passes on
// their own schedules.
func (s *Sweeper) Run(ctx context.Context) {
	retryTicker := time.NewTicker(s.cfg.RetryInterval)
	defer retryTicker.Stop()

	timeoutTicker := time.NewTicker(s.cfg.TimeoutInterval)
	defer timeoutTicker.Stop()

	s.logger.Info("sweeper started",
		"retry_interval", s.cfg.RetryInterval,
		"timeout_interval", s.cfg.TimeoutInterval,
		"max_retries", s.cfg.MaxRetries)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-retryTicker.C:
			s.RetryPass(ctx)
		case <-timeoutTicker.C:
			s.TimeoutPass(ctx)
		}
	}
}

// RetryPass re-attempts eligible FAILED rows. Each row's outcome is
// independent; one row's failure never blocks the rest of the batch.
func (s *Sweeper) RetryPass(ctx context.Context) {
	retriedBefore := time.Now().Add(-s.cfg.RetryBackoff)

	messages, err := s.store.ListRetryable(ctx, s.cfg.MaxRetries, retriedBefore)
	if err != nil {
		s.logger.Error("failed to list retryable messages", "error", err)
		return
	}

	if len(messages) == 0 {
		return
	}

	s.logger.Info("retrying failed messages", "count", len(messages))

	for i := range messages {
		s.retry(ctx, &messages[i])
	}
}

func (s *Sweeper) retry(ctx context.Context, msg *Message) {
	if err := s.broker.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
		s.logger.Error("retry delivery failed", "error", err, "message_id", msg.ID, "topic", msg.Topic)

		status, err := s.store.RecordRetryFailure(ctx, msg.ID, s.cfg.MaxRetries)
		if err != nil {
			s.logger.Error("failed to record retry failure", "error", err, "message_id", msg.ID)
			return
		}
		if status == StatusDead {
			s.logger.Warn("message dead-lettered after exhausting retries", "message_id", msg.ID, "max_retries", s.cfg.MaxRetries)
		}
		return
	}

	if err := s.store.RecordRetrySuccess(ctx, msg.ID); err != nil {
		s.logger.Error("failed to record retry success", "error", err, "message_id", msg.ID)
		return
	}

	s.logger.Info("message retried successfully", "message_id", msg.ID, "topic", msg.Topic)
}

// TimeoutPass moves rows stuck in PENDING past the staleness window into
// FAILED so the next retry pass picks them up.
func (s *Sweeper) TimeoutPass(ctx context.Context) {
	olderThan := time.Now().Add(-s.cfg.PendingTimeout)

	n, err := s.store.TimeoutPending(ctx, olderThan)
	if err != nil {
		s.logger.Error("failed to time out pending messages", "error", err)
		return
	}

	if n > 0 {
		s.logger.Warn("timed out pending messages", "count", n)
	}
}

// ManualRetry is the operator recovery path for DEAD rows: the row is reset
// to FAILED with a fresh retry budget and delivery is attempted immediately.
// Non-dead rows are simply retried.
func (s *Sweeper) ManualRetry(ctx context.Context, id int64) (*Message, error) {
	msg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}

	if msg.Status == StatusDead {
		if err := s.store.ResetDead(ctx, id); err != nil {
			return nil, err
		}
		msg.Status = StatusFailed
		msg.RetryCount = 0
	}

	s.retry(ctx, msg)

	return s.store.GetByID(ctx, id)
}
