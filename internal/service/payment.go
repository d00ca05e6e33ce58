package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

const reconcileTimeout = 5 * time.Second

// PaymentView is the read-only payment status of a session.
type PaymentView struct {
	SessionID     string
	Status        domain.PaymentStatus
	Amount        decimal.Decimal
	PaymentString string
	SessionActive bool
	PaidAt        *time.Time
}

// CreatePayment prices the session's cart and opens (or reopens) its payment as PENDING.
func (s *Service) CreatePayment(ctx context.Context, sessionID string) (payment *domain.Payment, err error) {
	if err := validateID("session_id", sessionID); err != nil {
		return nil, err
	}
	ctx, end := s.span(ctx, "payment.create", attribute.String("session_id", sessionID))
	defer end(&err)

	err = s.guard(ctx, bySession(sessionID), func(ctx context.Context, tx repository.Tx, sc *scope) error {
		cart, err := s.snapshot(ctx, tx, sc)
		if err != nil {
			return err
		}
		if cart.IsEmpty() {
			return domain.ErrCartEmpty
		}

		uri := s.cfg.Payee.PaymentURI(sessionID, cart.Total)
		p, err := tx.GetPayment(ctx, sessionID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			p = &domain.Payment{
				SessionID:     sessionID,
				Amount:        cart.Total,
				Status:        domain.PaymentStatusPending,
				PaymentString: uri,
				CreatedAt:     sc.now,
				UpdatedAt:     sc.now,
			}
		case err != nil:
			return fmt.Errorf("load payment: %w", err)
		default:
			if err := p.Reset(cart.Total, uri, sc.now); err != nil {
				return err
			}
		}

		if err := tx.SavePayment(ctx, p); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		if err := s.touch(ctx, tx, sc); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ConfirmPayment settles the session in one unit of work: the payment becomes
// SUCCESS, the cart is cleared, the session ends and the trolley is released.
// When that unit fails for a storage reason the settlement is reconciled before
// the error is returned, so a paid session never keeps its trolley.
func (s *Service) ConfirmPayment(ctx context.Context, sessionID string) (payment *domain.Payment, err error) {
	if err := validateID("session_id", sessionID); err != nil {
		return nil, err
	}
	ctx, end := s.span(ctx, "payment.confirm", attribute.String("session_id", sessionID))
	defer end(&err)

	key, err := s.lockKey(ctx, bySession(sessionID))
	if err != nil {
		return nil, err
	}

	var settled *domain.Session
	err = s.locked(ctx, key, func(ctx context.Context) error {
		errSettle := s.guardLocked(ctx, key, bySession(sessionID), func(ctx context.Context, tx repository.Tx, sc *scope) error {
			p, err := tx.GetPayment(ctx, sessionID)
			if errors.Is(err, repository.ErrNotFound) {
				return domain.ErrNoPayment
			}
			if err != nil {
				return fmt.Errorf("load payment: %w", err)
			}
			if err := p.Succeed(sc.now); err != nil {
				return err
			}

			cart, err := s.snapshot(ctx, tx, sc)
			if err != nil {
				return err
			}
			if err := tx.SavePayment(ctx, p); err != nil {
				return fmt.Errorf("save payment: %w", err)
			}
			if err := appendEvent(ctx, tx, sessionID, domain.EventPaymentSettled,
				domain.NewPaymentSettledEvent(sc.session, cart, sc.now)); err != nil {
				return err
			}
			if err := s.terminate(ctx, tx, sc, domain.EndReasonPaid); err != nil {
				return err
			}

			payment = p
			settled = sc.session
			return nil
		})
		if errSettle == nil || domain.IsBusinessError(errSettle) {
			return errSettle
		}

		s.logger.ErrorContext(ctx, "settlement failed, reconciling",
			slog.String("session_id", sessionID), slog.Any("error", errSettle))
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
		defer cancel()
		p, errRec := s.reconcileLocked(rctx, key, sessionID)
		if errRec != nil {
			s.logger.ErrorContext(ctx, "settlement reconciliation failed",
				slog.String("session_id", sessionID), slog.Any("error", errRec))
			return errSettle
		}
		if p == nil || p.Status != domain.PaymentStatusSuccess {
			return errSettle
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settled != nil {
		s.metrics.PaymentSettled()
		s.sessionEnded(ctx, settled, domain.EndReasonPaid)
		s.logger.InfoContext(ctx, "payment settled",
			slog.String("session_id", sessionID),
			slog.String("amount", domain.FormatMoney(payment.Amount)))
	}
	return payment, nil
}

// ReconcileSettlement finishes a settlement whose payment is SUCCESS while the
// session is still active or the trolley still held. It returns the payment, or
// nil when the session has none.
func (s *Service) ReconcileSettlement(ctx context.Context, sessionID string) (payment *domain.Payment, err error) {
	ctx, end := s.span(ctx, "payment.reconcile", attribute.String("session_id", sessionID))
	defer end(&err)

	key, err := s.lockKey(ctx, bySession(sessionID))
	if err != nil {
		return nil, err
	}
	err = s.locked(ctx, key, func(ctx context.Context) error {
		var err error
		payment, err = s.reconcileLocked(ctx, key, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) reconcileLocked(ctx context.Context, key, sessionID string) (*domain.Payment, error) {
	var payment *domain.Payment
	var finished *domain.Session

	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetPayment(ctx, sessionID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load payment: %w", err)
		}
		payment = p
		if p.Status != domain.PaymentStatusSuccess {
			return nil
		}

		trolley, err := tx.GetTrolley(ctx, key)
		if err != nil {
			return fmt.Errorf("load trolley: %w", err)
		}
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		sc := &scope{trolley: trolley, session: sess, now: s.now()}

		if sess.IsActive {
			cart, err := s.snapshot(ctx, tx, sc)
			if err != nil {
				return err
			}
			paidAt := sc.now
			if p.PaidAt != nil {
				paidAt = *p.PaidAt
			}
			if err := appendEvent(ctx, tx, sessionID, domain.EventPaymentSettled,
				domain.NewPaymentSettledEvent(sess, cart, paidAt)); err != nil {
				return err
			}
			finished = sess
			return s.terminate(ctx, tx, sc, domain.EndReasonPaid)
		}

		if !trolley.IsLocked && !trolley.IsAssigned {
			return nil
		}
		if _, err := tx.ActiveSession(ctx, key); err == nil {
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("load active session: %w", err)
		}
		finished = sess
		return s.release(ctx, tx, trolley, sc.now)
	})
	if err != nil {
		return nil, err
	}

	if finished != nil {
		s.metrics.SettlementReconciled()
		s.logger.WarnContext(ctx, "settlement reconciled",
			slog.String("session_id", sessionID),
			slog.String("trolley_id", key))
	}
	return payment, nil
}

// PaymentStatus reads the payment of any session, ended or not, without
// applying expiry. A session that never started checkout reports NOT_CREATED.
func (s *Service) PaymentStatus(ctx context.Context, sessionID string) (*PaymentView, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	view := &PaymentView{
		SessionID:     sessionID,
		Status:        domain.PaymentStatusNotCreated,
		Amount:        decimal.Zero,
		SessionActive: sess.IsActive,
	}

	p, err := s.store.GetPayment(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}

	view.Status = p.Status
	view.Amount = p.Amount
	view.PaymentString = p.PaymentString
	view.PaidAt = p.PaidAt
	return view, nil
}
