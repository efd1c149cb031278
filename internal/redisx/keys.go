package redisx

import "time"

const (
	// Stock lock per product: product:{product_id}:stock -> holder token
	KeyProductStock = "product:%s:stock"

	// Cache order status: order_status:{order_id} -> {"status": "...", "payment_status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
