package catalog

import (
	"context"
	"errors"

	"github.com/smarttrolley/trolley-service/internal/domain"
)

type ProductCache interface {
	Get(ctx context.Context, barcode string) (*domain.Product, error)
	Set(ctx context.Context, product *domain.Product) error
}

var ErrCacheMiss = errors.New("cache miss")
