package outbox

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vportella/storeflow/internal/telemetry"
)

// Publisher stages an event row inside the caller's transaction and, after
// commit, hands it to the broker from a background goroutine. The delivery
// outcome updates the row; a failed or lost delivery never fails the
// business operation, because the committed row is picked up by the Sweeper.
type Publisher struct {
	store  Store
	broker Broker
	logger *slog.Logger

	deliveryTimeout time.Duration
	wg              sync.WaitGroup

	deliveries metric.Int64Counter
}

func NewPublisher(store Store, broker Broker, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:           store,
		broker:          broker,
		logger:          logger,
		deliveryTimeout: 10 * time.Second,
		deliveries:      telemetry.Counter("outbox.deliveries", "Broker delivery attempts by result."),
	}
}

// StageTx writes the PENDING row through tx. The row becomes durable when
// the caller commits; until then nothing is visible to the broker path.
func (p *Publisher) StageTx(ctx context.Context, tx *sql.Tx, topic, key string, payload []byte) (*Message, error) {
	msg := NewMessage(topic, key, payload)
	if err := p.store.InsertTx(ctx, tx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Stage durably records an event that has no accompanying domain change in
// its own transaction.
func (p *Publisher) Stage(ctx context.Context, topic, key string, payload []byte) (*Message, error) {
	msg := NewMessage(topic, key, payload)
	if err := p.store.Insert(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Dispatch attempts delivery asynchronously. Call only after the staging
// transaction has committed.
func (p *Publisher) Dispatch(msg *Message) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.deliver(msg)
	}()
}

func (p *Publisher) deliver(msg *Message) {
	// The request context that staged the row may already be done; delivery
	// runs on its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), p.deliveryTimeout)
	defer cancel()

	if err := p.broker.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
		p.logger.Error("outbox delivery failed", "error", err, "message_id", msg.ID, "topic", msg.Topic)
		p.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))

		if err := p.store.MarkFailed(ctx, msg.ID); err != nil {
			// The row stays PENDING and will be reclassified by the
			// sweeper's timeout pass.
			p.logger.Error("failed to mark outbox message failed", "error", err, "message_id", msg.ID)
		}
		return
	}

	p.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "sent")))

	if err := p.store.MarkSent(ctx, msg.ID); err != nil {
		p.logger.Error("failed to mark outbox message sent", "error", err, "message_id", msg.ID)
		return
	}

	p.logger.Info("outbox message delivered", "message_id", msg.ID, "topic", msg.Topic)
}

// Wait blocks until all in-flight deliveries have completed. Used during
// shutdown and in tests.
func (p *Publisher) Wait() {
	p.wg.Wait()
}
