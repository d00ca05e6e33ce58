package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/smarttrolley/trolley-service/internal/domain"
)

type itemKey struct {
	sessionID string
	barcode   string
}

// DefaultOutboxLimit bounds the unpublished events a MemoryStore keeps.
const DefaultOutboxLimit = 10000

// MemoryStore implements Store in process memory.
// Units of work run one at a time; writes are staged and applied only on commit.
// Published events are dropped, and when nothing drains the outbox only the
// newest OutboxLimit events are kept.
type MemoryStore struct {
	mu       sync.RWMutex
	trolleys map[string]*domain.Trolley
	sessions map[string]*domain.Session
	items    map[itemKey]*domain.CartItem
	payments map[string]*domain.Payment // sessionID -> payment
	users    map[string]*domain.User
	phones   map[string]string // phone -> userID
	events   []*OutboxEvent
	nextID   int64

	outboxLimit int
}

type MemoryOption func(*MemoryStore)

// WithOutboxLimit caps the unpublished events held in memory. The oldest go first.
func WithOutboxLimit(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.outboxLimit = n
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		trolleys:    make(map[string]*domain.Trolley),
		sessions:    make(map[string]*domain.Session),
		items:       make(map[itemKey]*domain.CartItem),
		payments:    make(map[string]*domain.Payment),
		users:       make(map[string]*domain.User),
		phones:      make(map[string]string),
		outboxLimit: DefaultOutboxLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		s:        s,
		trolleys: make(map[string]*domain.Trolley),
		sessions: make(map[string]*domain.Session),
		items:    make(map[itemKey]*domain.CartItem),
		payments: make(map[string]*domain.Payment),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) SessionTrolley(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	return sess.TrolleyID, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (s *MemoryStore) GetPayment(_ context.Context, sessionID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (s *MemoryStore) GetTrolley(_ context.Context, trolleyID string) (*domain.Trolley, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trolleys[trolleyID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) ListTrolleys(_ context.Context) ([]*domain.Trolley, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Trolley, 0, len(s.trolleys))
	for _, t := range s.trolleys {
		c := *t
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.phones[user.Phone]; taken {
		return ErrConflict
	}
	if _, exists := s.users[user.ID]; exists {
		return ErrConflict
	}
	c := *user
	s.users[user.ID] = &c
	s.phones[user.Phone] = user.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) StuckSettlements(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for sessionID, p := range s.payments {
		if p.Status != domain.PaymentStatusSuccess {
			continue
		}
		if sess, ok := s.sessions[sessionID]; ok && sess.IsActive {
			ids = append(ids, sessionID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryStore) GetUnprocessedEvents(_ context.Context, limit int) ([]*OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := min(limit, len(s.events))
	result := make([]*OutboxEvent, 0, n)
	for _, e := range s.events[:n] {
		c := *e
		result = append(result, &c)
	}
	return result, nil
}

// MarkEventAsProcessed removes a published event from the outbox.
func (s *MemoryStore) MarkEventAsProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.events {
		if e.ID == id {
			s.events = slices.Delete(s.events, i, i+1)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// memoryTx stages writes on top of the store maps. A nil staged item marks a deletion.
type memoryTx struct {
	s        *MemoryStore
	trolleys map[string]*domain.Trolley
	sessions map[string]*domain.Session
	items    map[itemKey]*domain.CartItem
	payments map[string]*domain.Payment
	events   []*OutboxEvent
}

func (tx *memoryTx) InsertTrolley(_ context.Context, t *domain.Trolley) error {
	if _, ok := tx.trolley(t.ID); ok {
		return nil
	}
	c := *t
	tx.trolleys[t.ID] = &c
	return nil
}

func (tx *memoryTx) GetTrolley(_ context.Context, trolleyID string) (*domain.Trolley, error) {
	t, ok := tx.trolley(trolleyID)
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (tx *memoryTx) SaveTrolley(_ context.Context, t *domain.Trolley) error {
	c := *t
	tx.trolleys[t.ID] = &c
	return nil
}

func (tx *memoryTx) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	sess, ok := tx.session(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (tx *memoryTx) ActiveSession(_ context.Context, trolleyID string) (*domain.Session, error) {
	var latest *domain.Session
	for _, sess := range tx.mergedSessions() {
		if sess.TrolleyID != trolleyID || !sess.IsActive {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copySession(latest), nil
}

func (tx *memoryTx) CreateSession(ctx context.Context, s *domain.Session) error {
	if _, exists := tx.session(s.ID); exists {
		return ErrConflict
	}
	if s.IsActive {
		if _, err := tx.ActiveSession(ctx, s.TrolleyID); err == nil {
			return ErrConflict
		}
	}
	tx.sessions[s.ID] = copySession(s)
	return nil
}

func (tx *memoryTx) UpdateSession(_ context.Context, s *domain.Session) error {
	if _, exists := tx.session(s.ID); !exists {
		return ErrNotFound
	}
	tx.sessions[s.ID] = copySession(s)
	return nil
}

func (tx *memoryTx) CartItems(_ context.Context, sessionID string) ([]domain.CartItem, error) {
	merged := make(map[itemKey]*domain.CartItem)
	for k, item := range tx.s.items {
		if k.sessionID == sessionID {
			merged[k] = item
		}
	}
	for k, item := range tx.items {
		if k.sessionID == sessionID {
			merged[k] = item
		}
	}

	result := make([]domain.CartItem, 0, len(merged))
	for _, item := range merged {
		if item != nil {
			result = append(result, *item)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Barcode < result[j].Barcode
	})
	return result, nil
}

func (tx *memoryTx) GetCartItem(_ context.Context, sessionID, barcode string) (*domain.CartItem, error) {
	k := itemKey{sessionID, barcode}
	item, staged := tx.items[k]
	if !staged {
		item = tx.s.items[k]
	}
	if item == nil {
		return nil, ErrNotFound
	}
	c := *item
	return &c, nil
}

func (tx *memoryTx) SaveCartItem(_ context.Context, item *domain.CartItem) error {
	c := *item
	tx.items[itemKey{item.SessionID, item.Barcode}] = &c
	return nil
}

func (tx *memoryTx) DeleteCartItem(ctx context.Context, sessionID, barcode string) error {
	if _, err := tx.GetCartItem(ctx, sessionID, barcode); err != nil {
		return err
	}
	tx.items[itemKey{sessionID, barcode}] = nil
	return nil
}

func (tx *memoryTx) ClearCart(ctx context.Context, sessionID string) error {
	items, _ := tx.CartItems(ctx, sessionID)
	for _, item := range items {
		tx.items[itemKey{sessionID, item.Barcode}] = nil
	}
	return nil
}

func (tx *memoryTx) GetPayment(_ context.Context, sessionID string) (*domain.Payment, error) {
	p, ok := tx.payments[sessionID]
	if !ok {
		p, ok = tx.s.payments[sessionID]
	}
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (tx *memoryTx) SavePayment(_ context.Context, p *domain.Payment) error {
	tx.payments[p.SessionID] = copyPayment(p)
	return nil
}

func (tx *memoryTx) GetUser(_ context.Context, userID string) (*domain.User, error) {
	u, ok := tx.s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, aggregateID, eventType string, payload []byte) error {
	tx.events = append(tx.events, &OutboxEvent{
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (tx *memoryTx) trolley(id string) (*domain.Trolley, bool) {
	if t, ok := tx.trolleys[id]; ok {
		return t, true
	}
	t, ok := tx.s.trolleys[id]
	return t, ok
}

func (tx *memoryTx) session(id string) (*domain.Session, bool) {
	if sess, ok := tx.sessions[id]; ok {
		return sess, true
	}
	sess, ok := tx.s.sessions[id]
	return sess, ok
}

func (tx *memoryTx) mergedSessions() map[string]*domain.Session {
	merged := make(map[string]*domain.Session, len(tx.s.sessions)+len(tx.sessions))
	for id, sess := range tx.s.sessions {
		merged[id] = sess
	}
	for id, sess := range tx.sessions {
		merged[id] = sess
	}
	return merged
}

// commit checks the one-active-session-per-trolley constraint, then applies the staged writes.
func (tx *memoryTx) commit() error {
	active := make(map[string]int)
	for _, sess := range tx.mergedSessions() {
		if sess.IsActive {
			active[sess.TrolleyID]++
		}
	}
	for _, sess := range tx.sessions {
		if sess.IsActive && active[sess.TrolleyID] > 1 {
			return ErrConflict
		}
	}

	s := tx.s
	for id, t := range tx.trolleys {
		s.trolleys[id] = t
	}
	for id, sess := range tx.sessions {
		s.sessions[id] = sess
	}
	for k, item := range tx.items {
		if item == nil {
			delete(s.items, k)
			continue
		}
		s.items[k] = item
	}
	for id, p := range tx.payments {
		s.payments[id] = p
	}
	for _, e := range tx.events {
		s.nextID++
		e.ID = s.nextID
		s.events = append(s.events, e)
	}
	if over := len(s.events) - s.outboxLimit; over > 0 {
		s.events = slices.Delete(s.events, 0, over)
	}
	return nil
}

func copySession(s *domain.Session) *domain.Session {
	c := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

func copyPayment(p *domain.Payment) *domain.Payment {
	c := *p
	if p.PaidAt != nil {
		paid := *p.PaidAt
		c.PaidAt = &paid
	}
	return &c
}
