package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

const (
	defaultBatch = 100
	// DefaultTopic carries every trolley lifecycle event, keyed by session id.
	DefaultTopic = "trolley-events"
)

// EventStore is the part of the store the poller drains.
type EventStore interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*repository.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
	StuckSettlements(ctx context.Context, limit int) ([]string, error)
}

// Reconciler finishes settlements left half-applied by a failed commit.
type Reconciler interface {
	ReconcileSettlement(ctx context.Context, sessionID string) (*domain.Payment, error)
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Recorder interface {
	EventPublished(eventType string, err error)
}

type OutboxPoller struct {
	timeout      time.Duration
	eventTick    time.Duration
	recoveryTick time.Duration
	store        EventStore
	reconciler   Reconciler
	writer       MessageWriter
	metrics      Recorder
	logger       *slog.Logger
}

type Option func(*OutboxPoller)

func WithTicks(event, recovery time.Duration) Option {
	return func(p *OutboxPoller) {
		p.eventTick = event
		p.recoveryTick = recovery
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *OutboxPoller) {
		p.logger = logger
	}
}

func WithRecorder(r Recorder) Option {
	return func(p *OutboxPoller) {
		p.metrics = r
	}
}

// NewKafkaWriter returns the writer the poller publishes with.
func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func NewOutboxPoller(store EventStore, reconciler Reconciler, writer MessageWriter, opts ...Option) *OutboxPoller {
	p := &OutboxPoller{
		timeout:      5 * time.Second,
		eventTick:    time.Second,
		recoveryTick: 5 * time.Second,
		store:        store,
		reconciler:   reconciler,
		writer:       writer,
		metrics:      nopRecorder{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled.
func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.recoverStuckSettlements(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

// processUnpublishedEvents publishes in outbox order and stops at the first
// failure, so events of one session never overtake each other.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.store.GetUnprocessedEvents(ctx, defaultBatch)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to fetch outbox events", slog.Any("error", err))
		return
	}

	for _, event := range events {
		errPublish := p.publishToKafka(ctx, event)
		p.metrics.EventPublished(event.EventType, errPublish)
		if errPublish != nil {
			p.logger.ErrorContext(ctx, "failed to publish event",
				slog.Int64("event_id", event.ID),
				slog.String("event_type", event.EventType),
				slog.Any("error", errPublish))
			return
		}

		if err := p.store.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.logger.ErrorContext(ctx, "failed to mark event as processed",
				slog.Int64("event_id", event.ID), slog.Any("error", err))
			return
		}
	}
}

// recoverStuckSettlements finishes sessions whose payment is SUCCESS but which
// are still active.
func (p *OutboxPoller) recoverStuckSettlements(ctx context.Context) {
	sessions, err := p.store.StuckSettlements(ctx, defaultBatch)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to get stuck settlements", slog.Any("error", err))
		return
	}
	for _, sessionID := range sessions {
		p.logger.WarnContext(ctx, "recovering stuck settlement", slog.String("session_id", sessionID))
		if _, err := p.reconciler.ReconcileSettlement(ctx, sessionID); err != nil {
			p.logger.ErrorContext(ctx, "failed to reconcile settlement",
				slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *repository.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.AggregateID), // session id, keeps a session on one partition
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

type nopRecorder struct{}

func (nopRecorder) EventPublished(string, error) {}
