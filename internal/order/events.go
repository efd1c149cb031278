package order

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated      = "OrderCreated"
	EventOrderCancelled    = "OrderCancelled"
	EventOrderPaid         = "OrderPaid"
	EventPaymentFailed     = "PaymentFailed"
	EventStockRestored     = "StockRestored"
	EventPaymentAuthorized = "PaymentAuthorized"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "shop-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually order_id
	Payload       json.RawMessage `json:"payload"`                  // event-specific payload
}

// ---- Payload types per event ----

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type ItemLine struct {
	ProductID  string `json:"product_id"`
	SellerID   string `json:"seller_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type OrderCreatedPayload struct {
	OrderID    string     `json:"order_id"`
	UserID     string     `json:"user_id"`
	Sellers    []string   `json:"sellers"`
	Items      []ItemLine `json:"items"`
	TotalCents int64      `json:"total_cents"`
}

type OrderCancelledPayload struct {
	OrderID  string    `json:"order_id"`
	Scope    string    `json:"scope"` // parent | sub
	Restored []ItemQty `json:"restored,omitempty"`
}

type OrderPaidPayload struct {
	OrderID string `json:"order_id"`
}

type PaymentFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"` // e.g., INSUFFICIENT_FUNDS
}

type StockRestoredPayload struct {
	OrderID string    `json:"order_id"`
	Items   []ItemQty `json:"items"`
}

type PaymentAuthorizedPayload struct {
	OrderID     string `json:"order_id"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int64  `json:"amount_cents"`
}
