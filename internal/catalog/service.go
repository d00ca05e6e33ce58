package catalog

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/pkg/circuitbreaker"
)

// Service is the catalog lookup used by the cart. The cache is optional; when
// redis misbehaves the breaker opens and lookups go straight to the database.
type Service struct {
	repo    Repository
	cache   ProductCache
	breaker *gobreaker.CircuitBreaker[*domain.Product]
	sfg     singleflight.Group // Prevents cache stampede on hot barcodes
	logger  *slog.Logger
}

func NewService(repo Repository, cache ProductCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		cache:   cache,
		breaker: circuitbreaker.New[*domain.Product](circuitbreaker.Settings{Name: "product-cache"}, logger),
		logger:  logger,
	}
}

// Lookup returns the product for barcode, active or not. It fails with
// domain.ErrProductNotFound for unknown barcodes.
func (s *Service) Lookup(ctx context.Context, barcode string) (*domain.Product, error) {
	v, err, _ := s.sfg.Do(barcode, func() (interface{}, error) {
		if p := s.fromCache(ctx, barcode); p != nil {
			return p, nil
		}

		p, err := s.repo.GetProduct(ctx, barcode)
		if err != nil {
			return nil, err
		}

		if s.cache != nil {
			go func() {
				_, errSet := s.breaker.Execute(func() (*domain.Product, error) {
					return nil, s.cache.Set(context.Background(), p)
				})
				if errSet != nil {
					s.logger.Warn("product cache set failed", slog.String("barcode", barcode), slog.Any("error", errSet))
				}
			}()
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	p := *v.(*domain.Product)
	return &p, nil
}

func (s *Service) ListProducts(ctx context.Context, category string) ([]*domain.Product, error) {
	return s.repo.ListProducts(ctx, category)
}

func (s *Service) fromCache(ctx context.Context, barcode string) *domain.Product {
	if s.cache == nil {
		return nil
	}
	p, err := s.breaker.Execute(func() (*domain.Product, error) {
		p, err := s.cache.Get(ctx, barcode)
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return p, err
	})
	if err != nil && !circuitbreaker.IsOpen(err) {
		s.logger.Warn("product cache get failed", slog.String("barcode", barcode), slog.Any("error", err))
	}
	return p
}
