/**
 * @description
 * Webhook ingestion and payment event processing. The receiver records each
 * gateway event by id before acknowledging it, then hands it to a queue. The
 * processor applies queued events to the state machine and marks them
 * processed, so redelivery of an already processed event changes nothing.
 *
 * @dependencies
 * - github.com/orivaflow/commerce-engine/pkg/rabbitmq: Broker publisher.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/metrics"
	"github.com/orivaflow/commerce-engine/internal/store"
	"github.com/orivaflow/commerce-engine/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	eventProcessTimeout = 30 * time.Second
	// PaymentEventRoutingPrefix prefixes the gateway event type in broker routing keys.
	PaymentEventRoutingPrefix = "payment."
)

// ErrQueueFull is returned when the local event queue cannot take another event.
var ErrQueueFull = errors.New("payment event queue is full")

// PaymentEventTypes lists the gateway events the engine subscribes to.
var PaymentEventTypes = []string{
	domain.EventPaymentProcessing,
	domain.EventPaymentSucceeded,
	domain.EventPaymentFailed,
	domain.EventPaymentCanceled,
	domain.EventChargeRefunded,
	domain.EventDisputeCreated,
	domain.EventInvoicePaid,
}

// EventPublisher hands a recorded event to the processing side.
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, ev domain.PaymentEvent) error
}

// RabbitEventPublisher publishes events to a topic exchange keyed by event type.
type RabbitEventPublisher struct {
	Publisher rabbitmq.Publisher
	Exchange  string
}

func (p RabbitEventPublisher) PublishPaymentEvent(ctx context.Context, ev domain.PaymentEvent) error {
	return p.Publisher.Publish(ctx, p.Exchange, PaymentEventRoutingPrefix+ev.EventType, ev)
}

type WebhookIngestor struct {
	events    store.EventStore
	publisher EventPublisher
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewWebhookIngestor(events store.EventStore, publisher EventPublisher, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *WebhookIngestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookIngestor{events: events, publisher: publisher, clock: clk, logger: logger.With(zap.String("component", "webhook_ingestor")), metrics: m}
}

// Ingest records a verified event and enqueues it. It returns ErrDuplicateEvent
// for an id that was already processed. An error from the queue means the event
// is recorded but the gateway must redeliver it.
func (w *WebhookIngestor) Ingest(ctx context.Context, ev domain.PaymentEvent) error {
	if ev.EventID == "" {
		return validation("event_id", "is required")
	}
	ev.ReceivedAt = w.clock.Now()

	inserted, err := w.events.RecordEvent(ctx, &ev)
	if err != nil {
		w.metrics.WebhookEvent(ev.EventType, "record_error")
		return fmt.Errorf("record event: %w", err)
	}
	if !inserted {
		existing, err := w.events.GetEvent(ctx, ev.EventID)
		if err != nil {
			return fmt.Errorf("load recorded event: %w", err)
		}
		if existing.ProcessedAt != nil {
			w.metrics.WebhookEvent(ev.EventType, "duplicate")
			w.logger.Info("duplicate webhook ignored",
				zap.String("event_id", ev.EventID),
				zap.String("event_type", ev.EventType),
				zap.String("outcome", "duplicate"))
			return ErrDuplicateEvent
		}
		// recorded earlier but never processed; publish again
		ev = *existing
	}

	if err := w.publisher.PublishPaymentEvent(ctx, ev); err != nil {
		w.metrics.WebhookEvent(ev.EventType, "enqueue_error")
		w.logger.Error("enqueue webhook event failed", zap.String("event_id", ev.EventID), zap.Error(err))
		return fmt.Errorf("enqueue event: %w", err)
	}
	w.metrics.WebhookEvent(ev.EventType, "accepted")
	w.logger.Info("webhook accepted",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.EventType),
		zap.String("payment_intent_id", ev.PaymentIntentID))
	return nil
}

// PaymentEventProcessor applies queued events to the transaction state machine.
type PaymentEventProcessor struct {
	events       store.EventStore
	transactions *TransactionService
	clock        clock.Clock
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

func NewPaymentEventProcessor(events store.EventStore, transactions *TransactionService, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *PaymentEventProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentEventProcessor{
		events:       events,
		transactions: transactions,
		clock:        clk,
		logger:       logger.With(zap.String("component", "payment_event_processor")),
		metrics:      m,
	}
}

// Process applies ev once. Events already marked processed are skipped. Rejected
// transitions are final and recorded with their outcome; other errors leave the
// event unprocessed for redelivery.
func (p *PaymentEventProcessor) Process(ctx context.Context, ev domain.PaymentEvent) error {
	recorded, err := p.events.GetEvent(ctx, ev.EventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := p.events.RecordEvent(ctx, &ev); err != nil {
			return fmt.Errorf("record event: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load event: %w", err)
	case recorded.ProcessedAt != nil:
		p.metrics.WebhookEvent(ev.EventType, "duplicate")
		p.logger.Info("event already processed", zap.String("event_id", ev.EventID), zap.String("outcome", recorded.Outcome))
		return nil
	}

	outcome, err := p.transactions.ApplyEvent(ctx, ev)
	if err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrStaleEvent) {
		p.metrics.WebhookEvent(ev.EventType, "error")
		return fmt.Errorf("apply event %s: %w", ev.EventID, err)
	}
	if err := p.events.MarkEventProcessed(ctx, ev.EventID, p.clock.Now(), outcome); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	p.metrics.WebhookEvent(ev.EventType, outcome)
	return nil
}

// HandleMessage is the broker delivery handler. Undecodable bodies are dropped.
func (p *PaymentEventProcessor) HandleMessage(body []byte) bool {
	var ev domain.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.EventID == "" {
		p.logger.Error("dropping undecodable payment event", zap.ByteString("body", body), zap.Error(err))
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventProcessTimeout)
	defer cancel()
	if err := p.Process(ctx, ev); err != nil {
		p.logger.Error("process payment event failed", zap.String("event_id", ev.EventID), zap.Error(err))
		return false
	}
	return true
}

// Bindings maps every subscribed routing key to HandleMessage.
func (p *PaymentEventProcessor) Bindings() map[string]rabbitmq.Handler {
	bindings := make(map[string]rabbitmq.Handler, len(PaymentEventTypes))
	for _, t := range PaymentEventTypes {
		bindings[PaymentEventRoutingPrefix+t] = p.HandleMessage
	}
	return bindings
}

// LocalEventQueue processes events in-process on a worker pool. It stands in for
// the broker when the receiver and the processor share a process.
type LocalEventQueue struct {
	pool      *WorkerPool[domain.PaymentEvent]
	processor *PaymentEventProcessor
	logger    *zap.Logger
}

func NewLocalEventQueue(processor *PaymentEventProcessor, workers, queueSize int, logger *zap.Logger) *LocalEventQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &LocalEventQueue{processor: processor, logger: logger.With(zap.String("component", "local_event_queue"))}
	q.pool = NewWorkerPool("payment_events", workers, queueSize, q.handle, q.logger)
	return q
}

func (q *LocalEventQueue) Start() { q.pool.Start() }

func (q *LocalEventQueue) Stop() { q.pool.Stop() }

func (q *LocalEventQueue) PublishPaymentEvent(ctx context.Context, ev domain.PaymentEvent) error {
	if !q.pool.Submit(ev) {
		return ErrQueueFull
	}
	return nil
}

func (q *LocalEventQueue) handle(ev domain.PaymentEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), eventProcessTimeout)
	defer cancel()
	if err := q.processor.Process(ctx, ev); err != nil {
		// left unprocessed; the gateway's redelivery republishes it
		q.logger.Error("process payment event failed", zap.String("event_id", ev.EventID), zap.Error(err))
	}
}
