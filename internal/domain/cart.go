package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartItem is one product line of a session cart, unique per (session, barcode).
// Subtotal is computed at the last mutation and never repriced afterwards.
type CartItem struct {
	SessionID string
	Barcode   string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	Subtotal  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewCartItem(sessionID string, p *Product, now time.Time) *CartItem {
	return &CartItem{
		SessionID: sessionID,
		Barcode:   p.Barcode,
		Name:      p.Name,
		UnitPrice: p.Price,
		Quantity:  1,
		Subtotal:  LineSubtotal(p.Price, 1),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Reprice sets a new quantity and recomputes the subtotal from price.
func (i *CartItem) Reprice(price decimal.Decimal, quantity int, now time.Time) {
	i.UnitPrice = price
	i.Quantity = quantity
	i.Subtotal = LineSubtotal(price, quantity)
	i.UpdatedAt = now
}

// CartAction describes what a mutation did to a cart line.
type CartAction string

const (
	CartActionAdded       CartAction = "added"
	CartActionIncremented CartAction = "quantity_updated"
	CartActionDecremented CartAction = "quantity_decremented"
	CartActionRemoved     CartAction = "removed"
)

// CartSnapshot is the view of a cart at one instant.
type CartSnapshot struct {
	SessionID  string
	TrolleyID  string
	Items      []CartItem
	Total      decimal.Decimal
	TotalItems int
}

// NewCartSnapshot totals the stored line subtotals. Lines are never repriced here.
func NewCartSnapshot(sessionID, trolleyID string, items []CartItem) *CartSnapshot {
	total := decimal.Zero
	count := 0
	for _, item := range items {
		total = total.Add(item.Subtotal)
		count += item.Quantity
	}
	if items == nil {
		items = []CartItem{}
	}
	return &CartSnapshot{
		SessionID:  sessionID,
		TrolleyID:  trolleyID,
		Items:      items,
		Total:      RoundMoney(total),
		TotalItems: count,
	}
}

func (c *CartSnapshot) IsEmpty() bool {
	return len(c.Items) == 0
}
