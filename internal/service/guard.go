package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/gate"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

// target addresses a session directly, or through the trolley it is bound to.
type target struct {
	sessionID string
	trolleyID string
}

func bySession(id string) target { return target{sessionID: id} }

func byTrolley(id string) target { return target{trolleyID: id} }

// scope is the locked state a guarded operation works on.
type scope struct {
	trolley *domain.Trolley
	session *domain.Session
	now     time.Time
}

type scopeFunc func(ctx context.Context, tx repository.Tx, sc *scope) error

// lockKey returns the trolley whose lock guards t. A session never changes
// trolley, so reading it before the lock is safe.
func (s *Service) lockKey(ctx context.Context, t target) (string, error) {
	if t.trolleyID != "" {
		return t.trolleyID, nil
	}
	if t.sessionID == "" {
		return "", fmt.Errorf("%w: session_id or trolley_id is required", domain.ErrInvalidArgument)
	}
	trolleyID, err := s.store.SessionTrolley(ctx, t.sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", domain.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve session trolley: %w", err)
	}
	return trolleyID, nil
}

// locked runs fn holding the lock of trolleyID.
func (s *Service) locked(ctx context.Context, trolleyID string, fn func(ctx context.Context) error) error {
	err := s.gate.Do(ctx, trolleyID, fn)
	if errors.Is(err, gate.ErrBusy) {
		return domain.ErrBusy
	}
	return err
}

// guard resolves t to a live session and runs fn, all under the trolley lock and
// inside one unit of work. A stale session is expired instead: the expiry is
// committed and ErrSessionExpired returned, so no racing call can revive it.
func (s *Service) guard(ctx context.Context, t target, fn scopeFunc) error {
	return s.guardPrepared(ctx, t, nil, fn)
}

// guardPrepared is guard with a prepare step run under the trolley lock but
// before the unit of work opens. Catalog reads go there so that the store is
// never held across remote calls.
func (s *Service) guardPrepared(ctx context.Context, t target, prepare func(ctx context.Context), fn scopeFunc) error {
	key, err := s.lockKey(ctx, t)
	if err != nil {
		return err
	}
	return s.locked(ctx, key, func(ctx context.Context) error {
		if prepare != nil {
			prepare(ctx)
		}
		return s.guardLocked(ctx, key, t, fn)
	})
}

func (s *Service) guardLocked(ctx context.Context, key string, t target, fn scopeFunc) error {
	var expired *domain.Session
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		sc, err := s.resolve(ctx, tx, key, t)
		if err != nil {
			return err
		}
		if sc.session.IsStale(sc.now, s.cfg.SessionTimeout) {
			if err := s.terminate(ctx, tx, sc, domain.EndReasonExpired); err != nil {
				return err
			}
			expired = sc.session
			return nil
		}
		return fn(ctx, tx, sc)
	})
	if err != nil {
		return err
	}
	if expired != nil {
		s.sessionEnded(ctx, expired, domain.EndReasonExpired)
		return domain.ErrSessionExpired
	}
	return nil
}

// resolve locks the trolley row and finds the session addressed by t.
func (s *Service) resolve(ctx context.Context, tx repository.Tx, key string, t target) (*scope, error) {
	trolley, err := tx.GetTrolley(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.ErrTrolleyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load trolley: %w", err)
	}

	var sess *domain.Session
	if t.sessionID != "" {
		sess, err = tx.GetSession(ctx, t.sessionID)
	} else {
		sess, err = tx.ActiveSession(ctx, key)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !sess.IsActive {
		return nil, domain.ErrSessionInactive
	}

	return &scope{trolley: trolley, session: sess, now: s.now()}, nil
}

// terminate clears the cart, ends the session and releases its trolley.
func (s *Service) terminate(ctx context.Context, tx repository.Tx, sc *scope, reason domain.EndReason) error {
	if err := tx.ClearCart(ctx, sc.session.ID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	sc.session.End(sc.now)
	if err := tx.UpdateSession(ctx, sc.session); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	if err := s.release(ctx, tx, sc.trolley, sc.now); err != nil {
		return err
	}

	return appendEvent(ctx, tx, sc.session.ID, domain.EventSessionEnded, domain.SessionEndedEvent{
		SessionID: sc.session.ID,
		TrolleyID: sc.session.TrolleyID,
		Reason:    reason,
		EndedAt:   sc.now,
	})
}

// touch records activity on the session and its trolley.
func (s *Service) touch(ctx context.Context, tx repository.Tx, sc *scope) error {
	sc.session.Heartbeat(sc.now)
	if err := tx.UpdateSession(ctx, sc.session); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	sc.trolley.Touch(sc.now)
	if err := tx.SaveTrolley(ctx, sc.trolley); err != nil {
		return fmt.Errorf("touch trolley: %w", err)
	}
	return nil
}

func (s *Service) sessionEnded(ctx context.Context, sess *domain.Session, reason domain.EndReason) {
	s.metrics.SessionEnded(reason)
	s.logger.InfoContext(ctx, "session ended",
		slog.String("session_id", sess.ID),
		slog.String("trolley_id", sess.TrolleyID),
		slog.String("reason", string(reason)))
}
