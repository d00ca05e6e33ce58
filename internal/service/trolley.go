package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

// register returns the trolley, provisioning it on first sight.
func (s *Service) register(ctx context.Context, tx repository.Tx, trolleyID string, now time.Time) (*domain.Trolley, error) {
	if err := tx.InsertTrolley(ctx, domain.NewTrolley(trolleyID, now)); err != nil {
		return nil, fmt.Errorf("register trolley: %w", err)
	}
	t, err := tx.GetTrolley(ctx, trolleyID)
	if err != nil {
		return nil, fmt.Errorf("load trolley: %w", err)
	}
	return t, nil
}

// claim binds the trolley to a freshly created session.
func (s *Service) claim(ctx context.Context, tx repository.Tx, t *domain.Trolley, userID string, now time.Time) error {
	if err := t.Claim(userID, now); err != nil {
		return err
	}
	if err := tx.SaveTrolley(ctx, t); err != nil {
		return fmt.Errorf("claim trolley: %w", err)
	}
	return nil
}

func (s *Service) release(ctx context.Context, tx repository.Tx, t *domain.Trolley, now time.Time) error {
	t.Release(now)
	if err := tx.SaveTrolley(ctx, t); err != nil {
		return fmt.Errorf("release trolley: %w", err)
	}
	return nil
}

// GetOrRegisterTrolley returns the trolley, creating an active, free one for an unseen id.
func (s *Service) GetOrRegisterTrolley(ctx context.Context, trolleyID string) (t *domain.Trolley, err error) {
	if err := validateID("trolley_id", trolleyID); err != nil {
		return nil, err
	}
	ctx, end := s.span(ctx, "trolley.get_or_register", attribute.String("trolley_id", trolleyID))
	defer end(&err)

	err = s.locked(ctx, trolleyID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			t, err = s.register(ctx, tx, trolleyID, s.now())
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) GetTrolley(ctx context.Context, trolleyID string) (*domain.Trolley, error) {
	t, err := s.store.GetTrolley(ctx, trolleyID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.ErrTrolleyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trolley: %w", err)
	}
	return t, nil
}

func (s *Service) ListTrolleys(ctx context.Context) ([]*domain.Trolley, error) {
	trolleys, err := s.store.ListTrolleys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trolleys: %w", err)
	}
	return trolleys, nil
}

// TrolleyQR returns the URL encoded in the QR sticker of an active trolley.
func (s *Service) TrolleyQR(ctx context.Context, trolleyID string) (string, error) {
	t, err := s.GetTrolley(ctx, trolleyID)
	if err != nil {
		return "", err
	}
	if !t.IsActive {
		return "", domain.ErrTrolleyInactive
	}
	return fmt.Sprintf("%s/connect?trolley_id=%s", strings.TrimRight(s.cfg.PublicURL, "/"), url.QueryEscape(t.ID)), nil
}

// SetTrolleyActive enables or disables a trolley. A trolley with a live session
// cannot be disabled; a stale session is expired first.
func (s *Service) SetTrolleyActive(ctx context.Context, trolleyID string, active bool) (t *domain.Trolley, err error) {
	if err := validateID("trolley_id", trolleyID); err != nil {
		return nil, err
	}
	ctx, end := s.span(ctx, "trolley.set_active",
		attribute.String("trolley_id", trolleyID), attribute.Bool("active", active))
	defer end(&err)

	var expired *domain.Session
	err = s.locked(ctx, trolleyID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			now := s.now()
			var err error
			t, err = s.register(ctx, tx, trolleyID, now)
			if err != nil {
				return err
			}

			if !active {
				current, err := tx.ActiveSession(ctx, trolleyID)
				switch {
				case errors.Is(err, repository.ErrNotFound):
				case err != nil:
					return fmt.Errorf("load active session: %w", err)
				case !current.IsStale(now, s.cfg.SessionTimeout):
					return domain.ErrTrolleyBusy
				default:
					if err := s.terminate(ctx, tx, &scope{trolley: t, session: current, now: now}, domain.EndReasonExpired); err != nil {
						return err
					}
					expired = current
				}
			}

			t.IsActive = active
			t.LastSeen = now
			if err := tx.SaveTrolley(ctx, t); err != nil {
				return fmt.Errorf("save trolley: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if expired != nil {
		s.sessionEnded(ctx, expired, domain.EndReasonExpired)
	}
	return t, nil
}

func validateID(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, name)
	}
	return nil
}
