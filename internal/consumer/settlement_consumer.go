package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/receipt"
)

const groupID = "trolley-receipts"

const defaultRetryDelay = time.Second

// Outcomes reported to the Recorder.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// MessageReader is a consumer group reader with explicit commits.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Recorder interface {
	ReceiptStored(outcome string)
}

// Consumer turns payment.settled events into receipts. Other event types on
// the topic are skipped. An offset is committed only once its message is
// handled; a failed store is retried until it succeeds or the consumer stops.
type Consumer struct {
	repo       receipt.Repository
	reader     MessageReader
	metrics    Recorder
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewKafkaReader(topic string, brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
}

func NewConsumer(repo receipt.Repository, reader MessageReader, metrics Recorder, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{repo: repo, reader: reader, metrics: metrics, logger: logger, retryDelay: defaultRetryDelay}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.logger.Error("error closing kafka reader", slog.Any("error", err))
	}
}

func (c *Consumer) processMessage(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.logger.ErrorContext(ctx, "error reading message", slog.Any("error", err))
		return
	}

	for c.handle(ctx, m) == OutcomeFailed {
		select {
		case <-ctx.Done():
			// left uncommitted, the group redelivers it
			return
		case <-time.After(c.retryDelay):
		}
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.logger.ErrorContext(ctx, "error committing offset",
			slog.Int64("offset", m.Offset), slog.Any("error", err))
	}
}

// handle processes one message and returns its outcome, or "" when the
// message is not a settlement.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) string {
	if eventType(m) != domain.EventPaymentSettled {
		return ""
	}

	var event domain.PaymentSettledEvent
	if err := json.Unmarshal(m.Value, &event); err != nil || event.SessionID == "" {
		c.logger.ErrorContext(ctx, "error parsing settlement event",
			slog.String("key", string(m.Key)), slog.Any("error", err))
		c.record(OutcomeInvalid)
		return OutcomeInvalid
	}

	lines := make([]receipt.Line, len(event.Items))
	for i, item := range event.Items {
		lines[i] = receipt.Line{
			Barcode:   item.Barcode,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
		}
	}

	r := &receipt.Receipt{
		SessionID: event.SessionID,
		TrolleyID: event.TrolleyID,
		UserID:    event.UserID,
		Items:     lines,
		Total:     event.Total,
		Currency:  event.Currency,
		PaidAt:    event.PaidAt,
	}
	if err := c.repo.Create(ctx, r); err != nil {
		if errors.Is(err, receipt.ErrDuplicateReceipt) {
			c.logger.InfoContext(ctx, "receipt already exists, skipping",
				slog.String("session_id", event.SessionID))
			c.record(OutcomeDuplicate)
			return OutcomeDuplicate
		}
		c.logger.ErrorContext(ctx, "failed to store receipt",
			slog.String("session_id", event.SessionID), slog.Any("error", err))
		c.record(OutcomeFailed)
		return OutcomeFailed
	}

	c.record(OutcomeStored)
	c.logger.InfoContext(ctx, "receipt stored",
		slog.String("session_id", event.SessionID),
		slog.String("total", event.Total))
	return OutcomeStored
}

func (c *Consumer) record(outcome string) {
	if c.metrics != nil {
		c.metrics.ReceiptStored(outcome)
	}
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event_type" {
			return string(h.Value)
		}
	}
	return ""
}
