package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/gate"
	"github.com/smarttrolley/trolley-service/internal/metrics"
	"github.com/smarttrolley/trolley-service/internal/receipt"
	"github.com/smarttrolley/trolley-service/internal/repository"
	"github.com/smarttrolley/trolley-service/internal/service"
)

type catalogMock struct {
	products []*domain.Product
	err      error
}

func (c catalogMock) Lookup(_ context.Context, barcode string) (*domain.Product, error) {
	if c.err != nil {
		return nil, c.err
	}
	for _, p := range c.products {
		if p.Barcode == barcode {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrProductNotFound
}

func (c catalogMock) ListProducts(_ context.Context, category string) ([]*domain.Product, error) {
	if c.err != nil {
		return nil, c.err
	}
	var out []*domain.Product
	for _, p := range c.products {
		if category == "" || p.Category == category {
			out = append(out, p)
		}
	}
	return out, nil
}

type receiptsMock map[string]*receipt.Receipt

func (m receiptsMock) GetBySessionID(_ context.Context, sessionID string) (*receipt.Receipt, error) {
	r, ok := m[sessionID]
	if !ok {
		return nil, receipt.ErrReceiptNotFound
	}
	return r, nil
}

type pingMock struct{ err error }

func (p pingMock) Ping(context.Context) error { return p.err }

func testCatalog() catalogMock {
	return catalogMock{products: []*domain.Product{
		{Barcode: "8901063010126", Name: "Biscuits", Price: decimal.RequireFromString("35"), Category: "Snacks", IsActive: true},
		{Barcode: "8901725133979", Name: "Butter", Price: decimal.RequireFromString("56.5"), Category: "Dairy", IsActive: true},
		{Barcode: "8904004400250", Name: "Old Stock", Price: decimal.RequireFromString("10"), Category: "Snacks", IsActive: false},
	}}
}

func newTestServer(t *testing.T, receipts ReceiptReader) http.Handler {
	t.Helper()
	store := repository.NewMemoryStore()
	cat := testCatalog()
	core := service.New(store, cat, gate.New(0), service.Config{
		SessionTimeout: time.Minute,
		Payee:          domain.Payee{VPA: "smarttrolley@upi", Merchant: "SmartTrolley"},
		PublicURL:      "https://shop.example",
	})
	return NewRouter(Deps{
		Core:     core,
		Catalog:  cat,
		Receipts: receipts,
		Health:   store,
		Metrics:  metrics.New("test"),
		Timeout:  5 * time.Second,
	})
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func startSession(t *testing.T, h http.Handler, trolleyID string) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/sessions", StartSessionRequestDTO{TrolleyID: trolleyID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[SessionDTO](t, rec).SessionID
}

func TestCheckoutFlow(t *testing.T) {
	h := newTestServer(t, nil)
	sessionID := startSession(t, h, "T1")
	base := "/api/v1/sessions/" + sessionID

	rec := do(t, h, http.MethodPost, base+"/cart/items", ScanRequestDTO{Barcode: "8901063010126"})
	require.Equal(t, http.StatusCreated, rec.Code)
	added := decode[CartMutationDTO](t, rec)
	assert.Equal(t, "added", added.Action)

	rec = do(t, h, http.MethodPost, "/api/v1/trolleys/T1/scan", ScanRequestDTO{Barcode: "8901063010126"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[CartMutationDTO](t, rec)
	assert.Equal(t, "quantity_updated", updated.Action)
	assert.Equal(t, "70.00", updated.Cart.Total)
	assert.Equal(t, "70.00", updated.Item.Subtotal)

	rec = do(t, h, http.MethodDelete, base+"/cart/items/8901063010126", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	removed := decode[CartMutationDTO](t, rec)
	assert.Equal(t, "quantity_decremented", removed.Action)
	assert.Equal(t, "35.00", removed.Cart.Total)

	rec = do(t, h, http.MethodGet, base+"/payment", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[PaymentDTO](t, rec)
	assert.Equal(t, "NOT_CREATED", status.Status)
	require.NotNil(t, status.SessionActive)
	assert.True(t, *status.SessionActive)

	rec = do(t, h, http.MethodPost, base+"/payment", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[PaymentDTO](t, rec)
	assert.Equal(t, "PENDING", created.Status)
	assert.Equal(t, "35.00", created.Amount)
	assert.Contains(t, created.PaymentString, "am=35.00")

	rec = do(t, h, http.MethodPost, base+"/payment/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", decode[PaymentDTO](t, rec).Status)

	rec = do(t, h, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ENDED", decode[SessionDTO](t, rec).State)

	rec = do(t, h, http.MethodGet, base+"/cart", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "session_inactive", decode[ErrorResponse](t, rec).Code)

	// the trolley is free again
	startSession(t, h, "T1")
}

func TestStartSession_Errors(t *testing.T) {
	h := newTestServer(t, nil)
	startSession(t, h, "T1")

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"busy trolley", StartSessionRequestDTO{TrolleyID: "T1"}, http.StatusConflict, "trolley_busy"},
		{"missing trolley", StartSessionRequestDTO{}, http.StatusBadRequest, "invalid_trolley_id"},
		{"bad json", "{not json", http.StatusBadRequest, "invalid_request"},
		{"unknown user", StartSessionRequestDTO{TrolleyID: "T2", UserID: "ghost"}, http.StatusNotFound, "user_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/sessions", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestCartErrors(t *testing.T) {
	h := newTestServer(t, nil)
	sessionID := startSession(t, h, "T1")
	base := "/api/v1/sessions/" + sessionID

	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"unknown product", http.MethodPost, base + "/cart/items", ScanRequestDTO{Barcode: "0000"}, http.StatusNotFound, "product_not_found"},
		{"inactive product", http.MethodPost, base + "/cart/items", ScanRequestDTO{Barcode: "8904004400250"}, http.StatusBadRequest, "product_inactive"},
		{"missing barcode", http.MethodPost, base + "/cart/items", ScanRequestDTO{}, http.StatusBadRequest, "invalid_barcode"},
		{"remove absent line", http.MethodDelete, base + "/cart/items/8901063010126", nil, http.StatusNotFound, "item_not_found"},
		{"unknown session", http.MethodGet, "/api/v1/sessions/nope/cart", nil, http.StatusNotFound, "session_not_found"},
		{"scan idle trolley", http.MethodPost, "/api/v1/trolleys/T9/scan", ScanRequestDTO{Barcode: "8901063010126"}, http.StatusNotFound, "trolley_not_found"},
		{"pay empty cart", http.MethodPost, base + "/payment", nil, http.StatusUnprocessableEntity, "cart_empty"},
		{"confirm without payment", http.MethodPost, base + "/payment/confirm", nil, http.StatusNotFound, "payment_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	h := newTestServer(t, nil)
	sessionID := startSession(t, h, "T1")
	base := "/api/v1/sessions/" + sessionID

	rec := do(t, h, http.MethodPost, base+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACTIVE", decode[SessionDTO](t, rec).State)

	rec = do(t, h, http.MethodPost, base+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, base+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code, "ending twice succeeds")

	rec = do(t, h, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ENDED", decode[SessionDTO](t, rec).State)

	rec = do(t, h, http.MethodPost, base+"/heartbeat", nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrolleyEndpoints(t *testing.T) {
	h := newTestServer(t, nil)
	startSession(t, h, "T1")

	rec := do(t, h, http.MethodGet, "/api/v1/trolleys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Trolleys []domain.Trolley `json:"trolleys"`
		Count    int              `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)
	assert.True(t, list.Trolleys[0].IsLocked)

	rec = do(t, h, http.MethodGet, "/api/v1/trolleys/T1/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://shop.example/connect?trolley_id=T1", decode[QRResponseDTO](t, rec).URL)

	rec = do(t, h, http.MethodPut, "/api/v1/trolleys/T1/active", map[string]bool{"active": false})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/v1/trolleys/T2/active", map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.Trolley](t, rec).IsActive)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions", StartSessionRequestDTO{TrolleyID: "T2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "trolley_inactive", decode[ErrorResponse](t, rec).Code)

	rec = do(t, h, http.MethodPut, "/api/v1/trolleys/T2/active", "{}")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/trolleys/T404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProductEndpoints(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/products?category=Snacks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Products []ProductDTO `json:"products"`
		Count    int          `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, list.Count)

	rec = do(t, h, http.MethodGet, "/api/v1/products/8901725133979", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "56.50", decode[ProductDTO](t, rec).Price)

	rec = do(t, h, http.MethodGet, "/api/v1/products/0000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserEndpoints(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/users", SignupRequestDTO{Name: "Asha", Phone: "9876543210"})
	require.Equal(t, http.StatusCreated, rec.Code)
	user := decode[domain.User](t, rec)

	rec = do(t, h, http.MethodGet, "/api/v1/users/"+user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/users", SignupRequestDTO{Name: "Other", Phone: "9876543210"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "user_exists", decode[ErrorResponse](t, rec).Code)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions", StartSessionRequestDTO{TrolleyID: "T1", UserID: user.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, user.ID, decode[SessionDTO](t, rec).UserID)
}

func TestGetReceipt(t *testing.T) {
	h := newTestServer(t, receiptsMock{"s-1": {SessionID: "s-1", Total: "70.00", Currency: "INR"}})

	rec := do(t, h, http.MethodGet, "/api/v1/sessions/s-1/receipt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "70.00", decode[receipt.Receipt](t, rec).Total)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/s-2/receipt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h = newTestServer(t, nil)
	rec = do(t, h, http.MethodGet, "/api/v1/sessions/s-1/receipt", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "smarttrolley_test_http_requests_total")
}

func TestHealth_StoreDown(t *testing.T) {
	h := NewRouter(Deps{Core: nil, Catalog: testCatalog(), Health: pingMock{err: errors.New("connection refused")}})

	rec := do(t, h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnmappedErrorIsHidden(t *testing.T) {
	h := NewRouter(Deps{Catalog: catalogMock{err: errors.New("sqlite: disk I/O error")}})

	rec := do(t, h, http.MethodGet, "/api/v1/products", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "internal_error", resp.Code)
	assert.NotContains(t, resp.Error, "sqlite")
}
