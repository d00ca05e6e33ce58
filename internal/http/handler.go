package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/metrics"
	"github.com/smarttrolley/trolley-service/internal/receipt"
	"github.com/smarttrolley/trolley-service/internal/service"
)

// Core is the trolley core as the handlers use it.
type Core interface {
	StartSession(ctx context.Context, trolleyID, userID string) (*domain.Session, error)
	Heartbeat(ctx context.Context, sessionID string) (*domain.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	SessionState(ctx context.Context, sessionID string) (*domain.Session, domain.SessionState, error)

	AddBySession(ctx context.Context, sessionID, barcode string) (*service.CartResult, error)
	AddByTrolley(ctx context.Context, trolleyID, barcode string) (*service.CartResult, error)
	Remove(ctx context.Context, sessionID, barcode string) (*service.CartResult, error)
	ViewCart(ctx context.Context, sessionID string) (*domain.CartSnapshot, error)

	CreatePayment(ctx context.Context, sessionID string) (*domain.Payment, error)
	ConfirmPayment(ctx context.Context, sessionID string) (*domain.Payment, error)
	PaymentStatus(ctx context.Context, sessionID string) (*service.PaymentView, error)

	ListTrolleys(ctx context.Context) ([]*domain.Trolley, error)
	GetTrolley(ctx context.Context, trolleyID string) (*domain.Trolley, error)
	TrolleyQR(ctx context.Context, trolleyID string) (string, error)
	SetTrolleyActive(ctx context.Context, trolleyID string, active bool) (*domain.Trolley, error)

	Signup(ctx context.Context, name, phone, email string) (*domain.User, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

type Catalog interface {
	Lookup(ctx context.Context, barcode string) (*domain.Product, error)
	ListProducts(ctx context.Context, category string) ([]*domain.Product, error)
}

type ReceiptReader interface {
	GetBySessionID(ctx context.Context, sessionID string) (*receipt.Receipt, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	core     Core
	catalog  Catalog
	receipts ReceiptReader // nil when receipts are not configured
	health   HealthChecker
	timeout  time.Duration
	logger   *slog.Logger
}

type Deps struct {
	Core     Core
	Catalog  Catalog
	Receipts ReceiptReader
	Health   HealthChecker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Timeout  time.Duration
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{
		core:     d.Core,
		catalog:  d.Catalog,
		receipts: d.Receipts,
		health:   d.Health,
		timeout:  timeout,
		logger:   logger,
	}
}

// NewRouter builds the HTTP surface of the service.
func NewRouter(d Deps) http.Handler {
	h := NewHandler(d)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.logger))
	if d.Metrics != nil {
		r.Use(Instrument(d.Metrics))
	}
	r.Use(middleware.Timeout(h.timeout))

	r.Get("/health", h.Health)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", h.Signup)
		r.Get("/users/{user_id}", h.GetUser)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/heartbeat", h.Heartbeat)
				r.Post("/end", h.EndSession)

				r.Get("/cart", h.ViewCart)
				r.Post("/cart/items", h.AddItem)
				r.Delete("/cart/items/{barcode}", h.RemoveItem)

				r.Post("/payment", h.CreatePayment)
				r.Post("/payment/confirm", h.ConfirmPayment)
				r.Get("/payment", h.PaymentStatus)
				r.Get("/receipt", h.GetReceipt)
			})
		})

		r.Route("/trolleys", func(r chi.Router) {
			r.Get("/", h.ListTrolleys)
			r.Get("/{trolley_id}", h.GetTrolley)
			r.Get("/{trolley_id}/qr", h.TrolleyQR)
			r.Put("/{trolley_id}/active", h.SetTrolleyActive)
			r.Post("/{trolley_id}/scan", h.ScanByTrolley)
		})

		r.Get("/products", h.ListProducts)
		r.Get("/products/{barcode}", h.GetProduct)
	})

	return otelhttp.NewHandler(r, "trolley-http")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", slog.Any("error", err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
