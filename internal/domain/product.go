package domain

import "github.com/shopspring/decimal"

// Product is a catalog entry keyed by barcode.
type Product struct {
	Barcode  string          `json:"barcode"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
	IsActive bool            `json:"is_active"`
}
