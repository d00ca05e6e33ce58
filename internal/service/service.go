package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/gate"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

// DefaultSessionTimeout is the heartbeat window of the embedded scanner.
const DefaultSessionTimeout = 30 * time.Second

// Catalog resolves barcodes to products. Inactive products are returned, not refused.
type Catalog interface {
	Lookup(ctx context.Context, barcode string) (*domain.Product, error)
}

// Recorder receives lifecycle counts.
type Recorder interface {
	SessionStarted()
	SessionEnded(reason domain.EndReason)
	PaymentSettled()
	SettlementReconciled()
}

type Config struct {
	SessionTimeout time.Duration
	Payee          domain.Payee
	PublicURL      string // base of the URL printed in trolley QR codes
}

// Service is the trolley core: registry, sessions, cart and payments.
// Every operation on a session runs under the lock of the trolley that owns it.
type Service struct {
	store   repository.Store
	catalog Catalog
	gate    *gate.Gate
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics Recorder
	tracer  trace.Tracer
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.metrics = r
	}
}

func New(store repository.Store, catalog Catalog, g *gate.Gate, cfg Config, opts ...Option) *Service {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	s := &Service{
		store:   store,
		catalog: catalog,
		gate:    g,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: nopRecorder{},
		tracer:  otel.Tracer("github.com/smarttrolley/trolley-service/internal/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// span starts a trace span; the returned func ends it and records a failure.
func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if err := *errp; err != nil {
			span.RecordError(err)
			if !domain.IsBusinessError(err) {
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.End()
	}
}

func appendEvent(ctx context.Context, tx repository.Tx, aggregateID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	if err := tx.AppendEvent(ctx, aggregateID, eventType, data); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted() {}
func (nopRecorder) SessionEnded(domain.EndReason) {}
func (nopRecorder) PaymentSettled() {}
func (nopRecorder) SettlementReconciled() {}
