package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

// CartResult is the outcome of a cart mutation. Item is nil when the line was removed.
type CartResult struct {
	Action domain.CartAction
	Item   *domain.CartItem
	Cart   *domain.CartSnapshot
}

// AddBySession scans a barcode into the session's cart.
func (s *Service) AddBySession(ctx context.Context, sessionID, barcode string) (*CartResult, error) {
	if err := validateID("session_id", sessionID); err != nil {
		return nil, err
	}
	return s.add(ctx, bySession(sessionID), barcode)
}

// AddByTrolley scans a barcode into the cart of the trolley's current session.
// Used by the scanner mounted on the trolley, which knows no session token.
func (s *Service) AddByTrolley(ctx context.Context, trolleyID, barcode string) (*CartResult, error) {
	if err := validateID("trolley_id", trolleyID); err != nil {
		return nil, err
	}
	return s.add(ctx, byTrolley(trolleyID), barcode)
}

func (s *Service) add(ctx context.Context, t target, barcode string) (res *CartResult, err error) {
	if err := validateID("barcode", barcode); err != nil {
		return nil, err
	}
	ctx, end := s.span(ctx, "cart.add",
		attribute.String("session_id", t.sessionID),
		attribute.String("trolley_id", t.trolleyID),
		attribute.String("barcode", barcode))
	defer end(&err)

	var (
		product   *domain.Product
		lookupErr error
	)
	prepare := func(ctx context.Context) {
		product, lookupErr = s.lookup(ctx, barcode)
	}
	err = s.guardPrepared(ctx, t, prepare, func(ctx context.Context, tx repository.Tx, sc *scope) error {
		if lookupErr != nil {
			return lookupErr
		}
		if !product.IsActive {
			return domain.ErrProductInactive
		}

		action := domain.CartActionIncremented
		item, err := tx.GetCartItem(ctx, sc.session.ID, barcode)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			item = domain.NewCartItem(sc.session.ID, product, sc.now)
			action = domain.CartActionAdded
		case err != nil:
			return fmt.Errorf("load cart item: %w", err)
		default:
			item.Name = product.Name
			item.Reprice(product.Price, item.Quantity+1, sc.now)
		}

		if err := tx.SaveCartItem(ctx, item); err != nil {
			return fmt.Errorf("save cart item: %w", err)
		}
		if err := s.touch(ctx, tx, sc); err != nil {
			return err
		}

		cart, err := s.snapshot(ctx, tx, sc)
		if err != nil {
			return err
		}
		res = &CartResult{Action: action, Item: item, Cart: cart}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Remove takes one unit of barcode out of the cart, dropping the line at zero.
func (s *Service) Remove(ctx context.Context, sessionID, barcode string) (res *CartResult, err error) {
	if err := validateID("session_id", sessionID); err != nil {
		return nil, err
	}
	if err := validateID("barcode", barcode); err != nil {
		return nil, err
	}
	ctx, end := s.span(ctx, "cart.remove",
		attribute.String("session_id", sessionID),
		attribute.String("barcode", barcode))
	defer end(&err)

	var (
		product   *domain.Product
		lookupErr error
	)
	prepare := func(ctx context.Context) {
		product, lookupErr = s.lookup(ctx, barcode)
	}
	err = s.guardPrepared(ctx, bySession(sessionID), prepare, func(ctx context.Context, tx repository.Tx, sc *scope) error {
		item, err := tx.GetCartItem(ctx, sc.session.ID, barcode)
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrItemNotFound
		}
		if err != nil {
			return fmt.Errorf("load cart item: %w", err)
		}

		res = &CartResult{}
		if item.Quantity <= 1 {
			if err := tx.DeleteCartItem(ctx, sc.session.ID, barcode); err != nil {
				return fmt.Errorf("delete cart item: %w", err)
			}
			res.Action = domain.CartActionRemoved
		} else {
			item.Reprice(s.currentPrice(ctx, item, product, lookupErr), item.Quantity-1, sc.now)
			if err := tx.SaveCartItem(ctx, item); err != nil {
				return fmt.Errorf("save cart item: %w", err)
			}
			res.Action = domain.CartActionDecremented
			res.Item = item
		}

		if err := s.touch(ctx, tx, sc); err != nil {
			return err
		}
		res.Cart, err = s.snapshot(ctx, tx, sc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ViewCart returns the cart of a live session. Viewing a stale session expires it.
func (s *Service) ViewCart(ctx context.Context, sessionID string) (cart *domain.CartSnapshot, err error) {
	if err := validateID("session_id", sessionID); err != nil {
		return nil, err
	}
	ctx, end := s.span(ctx, "cart.view", attribute.String("session_id", sessionID))
	defer end(&err)

	err = s.guard(ctx, bySession(sessionID), func(ctx context.Context, tx repository.Tx, sc *scope) error {
		var err error
		cart, err = s.snapshot(ctx, tx, sc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

func (s *Service) snapshot(ctx context.Context, tx repository.Tx, sc *scope) (*domain.CartSnapshot, error) {
	items, err := tx.CartItems(ctx, sc.session.ID)
	if err != nil {
		return nil, fmt.Errorf("load cart items: %w", err)
	}
	return domain.NewCartSnapshot(sc.session.ID, sc.session.TrolleyID, items), nil
}

func (s *Service) lookup(ctx context.Context, barcode string) (*domain.Product, error) {
	product, err := s.catalog.Lookup(ctx, barcode)
	if errors.Is(err, domain.ErrProductNotFound) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup product: %w", err)
	}
	return product, nil
}

// currentPrice is the catalog price of the line's product, or the price it was
// last written at when the catalog could not answer.
func (s *Service) currentPrice(ctx context.Context, item *domain.CartItem, product *domain.Product, lookupErr error) decimal.Decimal {
	if lookupErr != nil {
		s.logger.WarnContext(ctx, "pricing removal at last known price",
			slog.String("barcode", item.Barcode), slog.Any("error", lookupErr))
		return item.UnitPrice
	}
	return product.Price
}
