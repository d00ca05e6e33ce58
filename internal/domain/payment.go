package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"

	// PaymentStatusNotCreated is reported for sessions that never started checkout. It is never stored.
	PaymentStatusNotCreated PaymentStatus = "NOT_CREATED"
)

var validTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusPending, PaymentStatusSuccess, PaymentStatusFailed},
	PaymentStatusFailed:  {PaymentStatusPending},
}

// CanTransitionTo reports whether a payment in status from may move to status to.
// SUCCESS is terminal.
func CanTransitionTo(from, to PaymentStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSuccess
}

// String representation (for logging)
func (s PaymentStatus) String() string {
	return string(s)
}

// Payment is the single payment record of a session.
type Payment struct {
	SessionID     string
	Amount        decimal.Decimal
	Status        PaymentStatus
	PaymentString string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PaidAt        *time.Time
}

// Payee identifies the merchant account that shoppers pay into.
type Payee struct {
	VPA      string
	Merchant string
}

// PaymentURI builds the UPI deep link shown to the shopper as a QR code.
func (p Payee) PaymentURI(sessionID string, amount decimal.Decimal) string {
	return fmt.Sprintf("upi://pay?pa=%s&pn=%s&am=%s&cu=%s&tn=Payment_for_session_%s",
		p.VPA, p.Merchant, FormatMoney(amount), Currency, sessionID)
}

// Reset prices the payment at amount and puts it back to PENDING.
func (p *Payment) Reset(amount decimal.Decimal, paymentString string, now time.Time) error {
	if !CanTransitionTo(p.Status, PaymentStatusPending) {
		return ErrAlreadyPaid
	}
	p.Amount = RoundMoney(amount)
	p.Status = PaymentStatusPending
	p.PaymentString = paymentString
	p.UpdatedAt = now
	return nil
}

// Succeed marks the payment as settled.
func (p *Payment) Succeed(now time.Time) error {
	if p.Status == PaymentStatusSuccess {
		return ErrAlreadyPaid
	}
	if !CanTransitionTo(p.Status, PaymentStatusSuccess) {
		return ErrIllegalTransition
	}
	p.Status = PaymentStatusSuccess
	p.UpdatedAt = now
	p.PaidAt = &now
	return nil
}
