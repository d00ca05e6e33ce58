package domain

import "time"

// User is an optional shopper identity a session can be linked to.
type User struct {
	ID        string    `json:"user_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
