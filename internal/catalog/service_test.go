package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/smarttrolley/trolley-service/internal/domain"
)

type mockRepository struct {
	products map[string]*domain.Product
	calls    atomic.Int32
	delay    time.Duration
}

func (m *mockRepository) GetProduct(_ context.Context, barcode string) (*domain.Product, error) {
	m.calls.Add(1)
	time.Sleep(m.delay)
	p, ok := m.products[barcode]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	c := *p
	return &c, nil
}

func (m *mockRepository) ListProducts(_ context.Context, _ string) ([]*domain.Product, error) {
	var result []*domain.Product
	for _, p := range m.products {
		result = append(result, p)
	}
	return result, nil
}

type mockCache struct {
	mu      sync.Mutex
	items   map[string]*domain.Product
	getErr  error
	getHits int
	setDone chan struct{}
}

func newMockCache() *mockCache {
	return &mockCache{items: make(map[string]*domain.Product), setDone: make(chan struct{}, 10)}
}

func (m *mockCache) Get(_ context.Context, barcode string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.items[barcode]
	if !ok {
		return nil, ErrCacheMiss
	}
	m.getHits++
	return p, nil
}

func (m *mockCache) Set(_ context.Context, p *domain.Product) error {
	m.mu.Lock()
	m.items[p.Barcode] = p
	m.mu.Unlock()
	m.setDone <- struct{}{}
	return nil
}

func newRepo() *mockRepository {
	return &mockRepository{products: map[string]*domain.Product{
		"B1": {Barcode: "B1", Name: "Biscuits", Price: decimal.RequireFromString("35.00"), IsActive: true},
	}}
}

func TestLookup_MissThenHit(t *testing.T) {
	repo := newRepo()
	cache := newMockCache()
	svc := NewService(repo, cache, nil)
	ctx := context.Background()

	p, err := svc.Lookup(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "Biscuits", p.Name)

	select {
	case <-cache.setDone:
	case <-time.After(time.Second):
		t.Fatal("cache was not populated")
	}

	_, err = svc.Lookup(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.calls.Load())
	assert.Equal(t, 1, cache.getHits)
}

func TestLookup_NotFound(t *testing.T) {
	svc := NewService(newRepo(), nil, nil)

	_, err := svc.Lookup(context.Background(), "missing")

	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestLookup_CacheErrorFallsBackToRepository(t *testing.T) {
	repo := newRepo()
	cache := newMockCache()
	cache.getErr = errors.New("redis down")
	svc := NewService(repo, cache, nil)

	for i := 0; i < 8; i++ {
		p, err := svc.Lookup(context.Background(), "B1")
		require.NoError(t, err)
		assert.Equal(t, "B1", p.Barcode)
	}
	assert.Equal(t, int32(8), repo.calls.Load())
}

func TestLookup_SingleflightCollapsesConcurrentMisses(t *testing.T) {
	repo := newRepo()
	repo.delay = 50 * time.Millisecond
	svc := NewService(repo, nil, nil)

	var eg errgroup.Group
	for i := 0; i < 10; i++ {
		eg.Go(func() error {
			_, err := svc.Lookup(context.Background(), "B1")
			return err
		})
	}
	require.NoError(t, eg.Wait())

	assert.Less(t, repo.calls.Load(), int32(10))
}
