package http

import (
	"time"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/service"
)

// Money crosses the boundary as fixed two-place strings ("70.00").

type StartSessionRequestDTO struct {
	TrolleyID string `json:"trolley_id"`
	UserID    string `json:"user_id,omitempty"`
}

type ScanRequestDTO struct {
	Barcode string `json:"barcode"`
}

type SignupRequestDTO struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type SetActiveRequestDTO struct {
	Active *bool `json:"active"`
}

type SessionDTO struct {
	SessionID    string     `json:"session_id"`
	TrolleyID    string     `json:"trolley_id"`
	UserID       string     `json:"user_id,omitempty"`
	State        string     `json:"state"`
	LastActivity time.Time  `json:"last_activity"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

type CartItemDTO struct {
	Barcode   string `json:"barcode"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Subtotal  string `json:"subtotal"`
}

type CartDTO struct {
	SessionID  string        `json:"session_id"`
	TrolleyID  string        `json:"trolley_id"`
	Items      []CartItemDTO `json:"items"`
	Total      string        `json:"total"`
	TotalItems int           `json:"total_items"`
	Currency   string        `json:"currency"`
}

type CartMutationDTO struct {
	Action string       `json:"action"`
	Item   *CartItemDTO `json:"item,omitempty"`
	Cart   CartDTO      `json:"cart"`
}

type PaymentDTO struct {
	SessionID     string     `json:"session_id"`
	Status        string     `json:"status"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	PaymentString string     `json:"payment_string,omitempty"`
	SessionActive *bool      `json:"session_active,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

type ProductDTO struct {
	Barcode  string `json:"barcode"`
	Name     string `json:"name"`
	Price    string `json:"price"`
	Category string `json:"category"`
	IsActive bool   `json:"is_active"`
}

type QRResponseDTO struct {
	TrolleyID string `json:"trolley_id"`
	URL       string `json:"url"`
}

func toSessionDTO(s *domain.Session, state domain.SessionState) SessionDTO {
	return SessionDTO{
		SessionID:    s.ID,
		TrolleyID:    s.TrolleyID,
		UserID:       s.UserID,
		State:        string(state),
		LastActivity: s.LastActivity,
		CreatedAt:    s.CreatedAt,
		EndedAt:      s.EndedAt,
	}
}

func toCartItemDTO(item *domain.CartItem) CartItemDTO {
	return CartItemDTO{
		Barcode:   item.Barcode,
		Name:      item.Name,
		UnitPrice: domain.FormatMoney(item.UnitPrice),
		Quantity:  item.Quantity,
		Subtotal:  domain.FormatMoney(item.Subtotal),
	}
}

func toCartDTO(c *domain.CartSnapshot) CartDTO {
	items := make([]CartItemDTO, len(c.Items))
	for i := range c.Items {
		items[i] = toCartItemDTO(&c.Items[i])
	}
	return CartDTO{
		SessionID:  c.SessionID,
		TrolleyID:  c.TrolleyID,
		Items:      items,
		Total:      domain.FormatMoney(c.Total),
		TotalItems: c.TotalItems,
		Currency:   domain.Currency,
	}
}

func toCartMutationDTO(res *service.CartResult) CartMutationDTO {
	dto := CartMutationDTO{
		Action: string(res.Action),
		Cart:   toCartDTO(res.Cart),
	}
	if res.Item != nil {
		item := toCartItemDTO(res.Item)
		dto.Item = &item
	}
	return dto
}

func toPaymentDTO(p *domain.Payment) PaymentDTO {
	return PaymentDTO{
		SessionID:     p.SessionID,
		Status:        p.Status.String(),
		Amount:        domain.FormatMoney(p.Amount),
		Currency:      domain.Currency,
		PaymentString: p.PaymentString,
		PaidAt:        p.PaidAt,
	}
}

func toPaymentStatusDTO(v *service.PaymentView) PaymentDTO {
	active := v.SessionActive
	return PaymentDTO{
		SessionID:     v.SessionID,
		Status:        v.Status.String(),
		Amount:        domain.FormatMoney(v.Amount),
		Currency:      domain.Currency,
		PaymentString: v.PaymentString,
		SessionActive: &active,
		PaidAt:        v.PaidAt,
	}
}

func toProductDTO(p *domain.Product) ProductDTO {
	return ProductDTO{
		Barcode:  p.Barcode,
		Name:     p.Name,
		Price:    domain.FormatMoney(p.Price),
		Category: p.Category,
		IsActive: p.IsActive,
	}
}
