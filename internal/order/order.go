package order

import (
	"errors"
	"time"
)

var (
	ErrEmptyCart          = errors.New("order: cart is empty")
	ErrAddressNotFound    = errors.New("order: address not found")
	ErrOrderNotFound      = errors.New("order: not found")
	ErrItemNotFound       = errors.New("order: item not found")
	ErrReservationExpired = errors.New("order: cart reservation expired")
	ErrInvalidTransition  = errors.New("order: invalid status transition")
	ErrNotSeller          = errors.New("order: sub-order belongs to another seller")
	ErrNotCancellable     = errors.New("order: not cancellable in current status")
)

// Order is either the parent of a checkout (IsParent, no seller) or one
// per-seller sub-order under it.
type Order struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	AddressID     string        `json:"address_id,omitempty"`
	SellerID      string        `json:"seller_id,omitempty"`
	ParentOrderID string        `json:"parent_order_id,omitempty"`
	IsParent      bool          `json:"is_parent"`
	TotalCents    int64         `json:"total_cents"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	SubOrders     []*Order      `json:"sub_orders,omitempty"`
	Items         []Item        `json:"items,omitempty"`
}

// Item freezes the price at purchase time; it is never re-read from the
// catalog afterward.
type Item struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	ProductID  string `json:"product_id"`
	SellerID   string `json:"seller_id"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
	Status     Status `json:"status"`
}

type Address struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Label   string `json:"label,omitempty"`
	Line1   string `json:"line1"`
	City    string `json:"city"`
	Country string `json:"country"`
}
