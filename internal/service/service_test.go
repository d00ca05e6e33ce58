package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/gate"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

const testTimeout = 30 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCatalog struct {
	mu       sync.Mutex
	products map[string]*domain.Product
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{products: map[string]*domain.Product{
		"B1": {Barcode: "B1", Name: "Biscuits", Price: decimal.RequireFromString("35.00"), Category: "Snacks", IsActive: true},
		"B2": {Barcode: "B2", Name: "Butter", Price: decimal.RequireFromString("56.50"), Category: "Dairy", IsActive: true},
		"B9": {Barcode: "B9", Name: "Discontinued", Price: decimal.RequireFromString("10.00"), IsActive: false},
	}}
}

func (c *fakeCatalog) Lookup(_ context.Context, barcode string) (*domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[barcode]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (c *fakeCatalog) setPrice(barcode, price string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[barcode].Price = decimal.RequireFromString(price)
}

type countingRecorder struct {
	mu         sync.Mutex
	started    int
	ended      map[domain.EndReason]int
	settled    int
	reconciled int
}

func (r *countingRecorder) SessionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) SessionEnded(reason domain.EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended == nil {
		r.ended = make(map[domain.EndReason]int)
	}
	r.ended[reason]++
}

func (r *countingRecorder) PaymentSettled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled++
}

func (r *countingRecorder) SettlementReconciled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciled++
}

type testEnv struct {
	svc      *Service
	store    repository.Store
	clock    *fakeClock
	catalog  *fakeCatalog
	recorder *countingRecorder
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	return setupServiceWithStore(t, repository.NewMemoryStore())
}

func setupServiceWithStore(t *testing.T, store repository.Store) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store,
		clock:    newFakeClock(),
		catalog:  newFakeCatalog(),
		recorder: &countingRecorder{},
	}
	env.svc = New(store, env.catalog, gate.New(0), Config{
		SessionTimeout: testTimeout,
		Payee:          domain.Payee{VPA: "smarttrolley@upi", Merchant: "SmartTrolley"},
		PublicURL:      "https://shop.example/",
	}, WithClock(env.clock.Now), WithRecorder(env.recorder))
	t.Cleanup(func() {
		_ = store.Close()
	})
	return env
}

func (e *testEnv) start(t *testing.T, trolleyID string) *domain.Session {
	t.Helper()
	sess, err := e.svc.StartSession(context.Background(), trolleyID, "")
	require.NoError(t, err)
	return sess
}

// cartItems reads the stored lines of a session, bypassing expiry.
func (e *testEnv) cartItems(t *testing.T, sessionID string) []domain.CartItem {
	t.Helper()
	var items []domain.CartItem
	err := e.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		items, err = tx.CartItems(ctx, sessionID)
		return err
	})
	require.NoError(t, err)
	return items
}

// activeSessions counts the stored active sessions of a trolley. Every created
// session commits a started event, so the outbox names each of them.
func (e *testEnv) activeSessions(t *testing.T, trolleyID string) int {
	t.Helper()
	ctx := context.Background()
	events, err := e.store.GetUnprocessedEvents(ctx, 1000)
	require.NoError(t, err)

	count := 0
	for _, ev := range events {
		if ev.EventType != domain.EventSessionStarted {
			continue
		}
		sess, err := e.store.GetSession(ctx, ev.AggregateID)
		require.NoError(t, err)
		if sess.TrolleyID == trolleyID && sess.IsActive {
			count++
		}
	}
	return count
}

func (e *testEnv) events(t *testing.T) []string {
	t.Helper()
	events, err := e.store.GetUnprocessedEvents(context.Background(), 1000)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}
