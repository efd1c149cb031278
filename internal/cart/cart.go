package cart

import (
	"errors"
	"time"
)

var (
	ErrCartNotFound    = errors.New("cart: not found")
	ErrNoOwner         = errors.New("cart: no user or session")
	ErrInvalidQuantity = errors.New("cart: invalid quantity")
)

// Cart is owned by either a user or an anonymous session, never both.
// Anonymous carts carry an absolute expiry; authenticated carts never expire.
type Cart struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Item is a soft reservation: an advisory, time-bounded hold on stock that
// counts against availability while ReservedUntil is in the future.
type Item struct {
	ID            string    `json:"id"`
	CartID        string    `json:"cart_id"`
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	ReservedUntil time.Time `json:"reserved_until"`
}
