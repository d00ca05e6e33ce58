package receipt

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound  = errors.New("receipt not found")
	ErrDuplicateReceipt = errors.New("receipt for session already exists")
)

// Line is one settled cart line. Money stays in its fixed two-place string form.
type Line struct {
	Barcode   string `bson:"barcode" json:"barcode"`
	Name      string `bson:"name" json:"name"`
	Quantity  int    `bson:"quantity" json:"quantity"`
	UnitPrice string `bson:"unit_price" json:"unit_price"`
	Subtotal  string `bson:"subtotal" json:"subtotal"`
}

// Receipt is the record of a settled session, one per session.
type Receipt struct {
	SessionID string    `bson:"session_id" json:"session_id"`
	TrolleyID string    `bson:"trolley_id" json:"trolley_id"`
	UserID    string    `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Items     []Line    `bson:"items" json:"items"`
	Total     string    `bson:"total" json:"total"`
	Currency  string    `bson:"currency" json:"currency"`
	PaidAt    time.Time `bson:"paid_at" json:"paid_at"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Repository stores receipts.
type Repository interface {
	// Create returns ErrDuplicateReceipt when the session already has one.
	Create(ctx context.Context, r *Receipt) error
	GetBySessionID(ctx context.Context, sessionID string) (*Receipt, error)
}
