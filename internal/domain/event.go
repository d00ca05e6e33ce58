package domain

import "time"

// Event types written to the outbox.
const (
	EventSessionStarted = "session.started"
	EventSessionEnded   = "session.ended"
	EventPaymentSettled = "payment.settled"
)

type SessionStartedEvent struct {
	SessionID string    `json:"session_id"`
	TrolleyID string    `json:"trolley_id"`
	UserID    string    `json:"user_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type SessionEndedEvent struct {
	SessionID string    `json:"session_id"`
	TrolleyID string    `json:"trolley_id"`
	Reason    EndReason `json:"reason"`
	EndedAt   time.Time `json:"ended_at"`
}

// SettledLine is a cart line as it was at the moment of settlement.
type SettledLine struct {
	Barcode   string `json:"barcode"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
}

// PaymentSettledEvent carries the cart snapshot captured before the cart was cleared.
type PaymentSettledEvent struct {
	SessionID string        `json:"session_id"`
	TrolleyID string        `json:"trolley_id"`
	UserID    string        `json:"user_id,omitempty"`
	Items     []SettledLine `json:"items"`
	Total     string        `json:"total"`
	Currency  string        `json:"currency"`
	PaidAt    time.Time     `json:"paid_at"`
}

// NewPaymentSettledEvent captures the cart lines of snapshot for the settled payment.
func NewPaymentSettledEvent(sess *Session, snapshot *CartSnapshot, paidAt time.Time) PaymentSettledEvent {
	lines := make([]SettledLine, len(snapshot.Items))
	for i, item := range snapshot.Items {
		lines[i] = SettledLine{
			Barcode:   item.Barcode,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: FormatMoney(item.UnitPrice),
			Subtotal:  FormatMoney(item.Subtotal),
		}
	}
	return PaymentSettledEvent{
		SessionID: sess.ID,
		TrolleyID: sess.TrolleyID,
		UserID:    sess.UserID,
		Items:     lines,
		Total:     FormatMoney(snapshot.Total),
		Currency:  Currency,
		PaidAt:    paidAt,
	}
}
