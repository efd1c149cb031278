package catalog

import (
	"errors"
	"time"
)

var (
	ErrProductNotFound   = errors.New("catalog: product not found")
	ErrInsufficientStock = errors.New("catalog: insufficient stock")
)

type Product struct {
	ID         string    `json:"id"`
	SellerID   string    `json:"seller_id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	PriceCents int64     `json:"price_cents"`
	Stock      int       `json:"stock"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
