package order

const (
	TopicOrderCreated       = "order.created"
	TopicOrderCancelled     = "order.cancelled"
	TopicOrderPaid          = "order.paid"
	TopicOrderPaymentFailed = "order.payment.failed"
	TopicStockRestored      = "stock.restored"

	// Inbound, produced by the payment gateway simulator.
	TopicPaymentAuthorized = "payment.authorized"
	TopicPaymentFailed     = "payment.failed"
)

// Partition key = order_id, so every event of one order keeps its ordering.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
