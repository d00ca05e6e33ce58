package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

// StartSession binds a new session to the trolley. An unseen trolley is
// registered on the way. A previous session past its heartbeat window is expired
// first; a live one makes the call fail with ErrTrolleyBusy.
func (s *Service) StartSession(ctx context.Context, trolleyID, userID string) (sess *domain.Session, err error) {
	if err := validateID("trolley_id", trolleyID); err != nil {
		return nil, err
	}
	ctx, end := s.span(ctx, "session.start", attribute.String("trolley_id", trolleyID))
	defer end(&err)

	var previous *domain.Session
	err = s.locked(ctx, trolleyID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			now := s.now()
			trolley, err := s.register(ctx, tx, trolleyID, now)
			if err != nil {
				return err
			}
			if !trolley.IsActive {
				return domain.ErrTrolleyInactive
			}

			if userID != "" {
				if _, err := tx.GetUser(ctx, userID); errors.Is(err, repository.ErrNotFound) {
					return domain.ErrUserNotFound
				} else if err != nil {
					return fmt.Errorf("load user: %w", err)
				}
			}

			current, err := tx.ActiveSession(ctx, trolleyID)
			switch {
			case errors.Is(err, repository.ErrNotFound):
			case err != nil:
				return fmt.Errorf("load active session: %w", err)
			case !current.IsStale(now, s.cfg.SessionTimeout):
				return domain.ErrTrolleyBusy
			default:
				if err := s.terminate(ctx, tx, &scope{trolley: trolley, session: current, now: now}, domain.EndReasonExpired); err != nil {
					return err
				}
				previous = current
			}

			sess = domain.NewSession(trolleyID, userID, now)
			if err := tx.CreateSession(ctx, sess); err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			if err := s.claim(ctx, tx, trolley, userID, now); err != nil {
				return err
			}

			return appendEvent(ctx, tx, sess.ID, domain.EventSessionStarted, domain.SessionStartedEvent{
				SessionID: sess.ID,
				TrolleyID: trolleyID,
				UserID:    userID,
				StartedAt: now,
			})
		})
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil, domain.ErrTrolleyBusy
	}
	if err != nil {
		return nil, err
	}

	if previous != nil {
		s.sessionEnded(ctx, previous, domain.EndReasonExpired)
	}
	s.metrics.SessionStarted()
	s.logger.InfoContext(ctx, "session started",
		slog.String("session_id", sess.ID),
		slog.String("trolley_id", trolleyID))
	return sess, nil
}

// Heartbeat refreshes the session's activity and its trolley's last_seen.
func (s *Service) Heartbeat(ctx context.Context, sessionID string) (sess *domain.Session, err error) {
	ctx, end := s.span(ctx, "session.heartbeat", attribute.String("session_id", sessionID))
	defer end(&err)

	err = s.guard(ctx, bySession(sessionID), func(ctx context.Context, tx repository.Tx, sc *scope) error {
		if err := s.touch(ctx, tx, sc); err != nil {
			return err
		}
		sess = sc.session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// EndSession terminates the session. Ending an already ended session succeeds
// and still releases the trolley, unless a newer session has claimed it since.
func (s *Service) EndSession(ctx context.Context, sessionID string) (err error) {
	ctx, end := s.span(ctx, "session.end", attribute.String("session_id", sessionID))
	defer end(&err)

	key, err := s.lockKey(ctx, bySession(sessionID))
	if err != nil {
		return err
	}

	var ended *domain.Session
	err = s.locked(ctx, key, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			now := s.now()
			trolley, err := tx.GetTrolley(ctx, key)
			if errors.Is(err, repository.ErrNotFound) {
				return domain.ErrTrolleyNotFound
			}
			if err != nil {
				return fmt.Errorf("load trolley: %w", err)
			}
			sess, err := tx.GetSession(ctx, sessionID)
			if errors.Is(err, repository.ErrNotFound) {
				return domain.ErrSessionNotFound
			}
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}

			if sess.IsActive {
				ended = sess
				return s.terminate(ctx, tx, &scope{trolley: trolley, session: sess, now: now}, domain.EndReasonEnded)
			}

			if _, err := tx.ActiveSession(ctx, key); err == nil {
				return nil
			} else if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("load active session: %w", err)
			}
			if trolley.IsLocked || trolley.IsAssigned {
				s.logger.WarnContext(ctx, "releasing trolley left locked by an ended session",
					slog.String("session_id", sessionID),
					slog.String("trolley_id", key))
			}
			return s.release(ctx, tx, trolley, now)
		})
	})
	if err != nil {
		return err
	}

	if ended != nil {
		s.sessionEnded(ctx, ended, domain.EndReasonEnded)
	}
	return nil
}

// SessionState reports the lifecycle state of a session without side effects.
func (s *Service) SessionState(ctx context.Context, sessionID string) (*domain.Session, domain.SessionState, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, "", domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get session: %w", err)
	}
	return sess, sess.State(s.now(), s.cfg.SessionTimeout), nil
}
