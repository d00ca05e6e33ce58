package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the externally visible state of a session.
// EXPIRED is never persisted: an expired session is ended as soon as it is observed.
type SessionState string

const (
	SessionStateActive  SessionState = "ACTIVE"
	SessionStateExpired SessionState = "EXPIRED"
	SessionStateEnded   SessionState = "ENDED"
)

// EndReason records why a session stopped being active.
type EndReason string

const (
	EndReasonEnded   EndReason = "ended"
	EndReasonExpired EndReason = "expired"
	EndReasonPaid    EndReason = "paid"
)

// Session is a bounded shopping interaction on one trolley.
type Session struct {
	ID           string     `json:"session_id"`
	TrolleyID    string     `json:"trolley_id"`
	UserID       string     `json:"user_id,omitempty"`
	IsActive     bool       `json:"is_active"`
	LastActivity time.Time  `json:"last_activity"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func NewSession(trolleyID, userID string, now time.Time) *Session {
	return &Session{
		ID:           uuid.New().String(),
		TrolleyID:    trolleyID,
		UserID:       userID,
		IsActive:     true,
		LastActivity: now,
		CreatedAt:    now,
	}
}

// IsStale reports whether an active session has gone longer than timeout without activity.
func (s *Session) IsStale(now time.Time, timeout time.Duration) bool {
	return s.IsActive && now.Sub(s.LastActivity) > timeout
}

// State derives the lifecycle state at the given instant.
func (s *Session) State(now time.Time, timeout time.Duration) SessionState {
	switch {
	case !s.IsActive:
		return SessionStateEnded
	case s.IsStale(now, timeout):
		return SessionStateExpired
	default:
		return SessionStateActive
	}
}

func (s *Session) Heartbeat(now time.Time) {
	s.LastActivity = now
}

// End marks the session terminated. Ending an ended session keeps the first EndedAt.
func (s *Session) End(now time.Time) {
	if !s.IsActive {
		return
	}
	s.IsActive = false
	s.EndedAt = &now
}
