package domain

import "time"

// Trolley is a physical cart that can be bound to one session at a time.
// IsLocked and IsAssigned are set together on claim and cleared together on release.
type Trolley struct {
	ID           string    `json:"trolley_id"`
	IsActive     bool      `json:"is_active"`
	IsLocked     bool      `json:"is_locked"`
	IsAssigned   bool      `json:"is_assigned"`
	AssignedUser string    `json:"assigned_user,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewTrolley returns a freshly provisioned trolley: active and free.
func NewTrolley(id string, now time.Time) *Trolley {
	return &Trolley{
		ID:        id,
		IsActive:  true,
		LastSeen:  now,
		CreatedAt: now,
	}
}

// Claim binds the trolley to a session owner.
func (t *Trolley) Claim(userID string, now time.Time) error {
	if !t.IsActive {
		return ErrTrolleyInactive
	}
	t.IsLocked = true
	t.IsAssigned = true
	t.AssignedUser = userID
	t.LastSeen = now
	return nil
}

// Release frees the trolley. Releasing a free trolley only stamps LastSeen.
func (t *Trolley) Release(now time.Time) {
	t.IsLocked = false
	t.IsAssigned = false
	t.AssignedUser = ""
	t.LastSeen = now
}

func (t *Trolley) Touch(now time.Time) {
	t.LastSeen = now
}

// IsFree reports whether the trolley can be claimed right now.
func (t *Trolley) IsFree() bool {
	return t.IsActive && !t.IsLocked
}
