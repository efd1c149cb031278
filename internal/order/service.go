package order

import (
	"context"
	"errors"
	"fmt"
	"github.com/Sertturk16/e-commerce-api/internal/cart"
	"github.com/Sertturk16/e-commerce-api/internal/catalog"
	kafkax "github.com/Sertturk16/e-commerce-api/internal/kafka"
	"github.com/Sertturk16/e-commerce-api/internal/lockx"
	"github.com/Sertturk16/e-commerce-api/internal/metrics"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"github.com/Sertturk16/e-commerce-api/internal/redisx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"time"
)

// Locker is the slice of the lock manager the orchestrator needs.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

// Carts is the slice of the reservation ledger the orchestrator needs.
type Carts interface {
	ForUser(ctx context.Context, userID string) (*cart.Cart, []cart.Item, error)
	Available(ctx context.Context, db postgres.DB, productID string, now time.Time, exclude ...string) (int, error)
	ClearItems(ctx context.Context, db postgres.DB, cartID string) error
}

// Publisher hands envelopes to kafka without blocking the request.
type Publisher interface {
	Publish(topic string, key, value []byte)
}

// Service is the order orchestrator: it converts carts into parent and
// per-seller sub-orders, and reverses stock through the same lock and ledger
// primitives on cancellation.
type Service struct {
	DB       postgres.DB
	Runner   postgres.TxRunner
	Store    Store
	Stock    catalog.Store
	Carts    Carts
	Locks    Locker
	Producer Publisher
	Redis    *redis.Client // optional, status cache invalidation
	Name     string        // producer name stamped into envelopes
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Checkout turns the user's cart into a parent order plus per-seller
// sub-orders. Holds and availability are pre-checked advisorily, prices are
// frozen, then one transaction re-verifies and decrements every item under
// its product lock. Any single failure rolls the whole order back; the cart
// is cleared only after every item succeeded.
func (s *Service) Checkout(ctx context.Context, userID, addressID string) (*Order, error) {
	o, err := s.checkout(ctx, userID, addressID)
	metrics.CheckoutTotal.WithLabelValues(checkoutResult(err)).Inc()
	return o, err
}

func checkoutResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, catalog.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrReservationExpired):
		return "reservation_expired"
	case errors.Is(err, lockx.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrAddressNotFound):
		return "rejected"
	default:
		return "error"
	}
}

func (s *Service) checkout(ctx context.Context, userID, addressID string) (*Order, error) {
	c, items, err := s.Carts.ForUser(ctx, userID)
	if errors.Is(err, cart.ErrCartNotFound) {
		return nil, ErrEmptyCart
	}
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	if _, err := s.Store.Address(ctx, s.DB, addressID, userID); err != nil {
		return nil, err
	}

	// Advisory pre-check. The authoritative verdict is the conditional
	// decrement inside the transaction below.
	now := s.now()
	for _, it := range items {
		if !it.ReservedUntil.After(now) {
			return nil, ErrReservationExpired
		}
		avail, err := s.Carts.Available(ctx, s.DB, it.ProductID, now, c.ID)
		if err != nil {
			return nil, err
		}
		if avail < it.Quantity {
			return nil, catalog.ErrInsufficientStock
		}
	}

	// Partition by seller and freeze prices. The transaction re-verifies
	// stock but never re-reads price.
	var (
		sellers     []string
		bySeller    = map[string][]ItemLine{}
		sellerTotal = map[string]int64{}
		lines       []ItemLine
		total       int64
	)
	for _, it := range items {
		p, err := s.Stock.Get(ctx, s.DB, it.ProductID)
		if err != nil {
			return nil, err
		}
		ln := ItemLine{ProductID: p.ID, SellerID: p.SellerID, Qty: it.Quantity, PriceCents: p.PriceCents}
		if _, ok := bySeller[p.SellerID]; !ok {
			sellers = append(sellers, p.SellerID)
		}
		bySeller[p.SellerID] = append(bySeller[p.SellerID], ln)
		sellerTotal[p.SellerID] += ln.PriceCents * int64(ln.Qty)
		total += ln.PriceCents * int64(ln.Qty)
		lines = append(lines, ln)
	}

	parent := &Order{
		ID: uuid.NewString(), UserID: userID, AddressID: addressID,
		IsParent: true, TotalCents: total,
		Status: StatusPending, PaymentStatus: PaymentPending,
	}
	err = s.Runner.WithTx(ctx, func(db postgres.DB) error {
		if err := s.Store.Insert(ctx, db, parent); err != nil {
			return err
		}
		for _, sellerID := range sellers {
			sub := &Order{
				ID: uuid.NewString(), UserID: userID, AddressID: addressID,
				SellerID: sellerID, ParentOrderID: parent.ID,
				TotalCents: sellerTotal[sellerID],
				Status:     StatusPending, PaymentStatus: PaymentPending,
			}
			if err := s.Store.Insert(ctx, db, sub); err != nil {
				return err
			}
			for _, ln := range bySeller[sellerID] {
				key := fmt.Sprintf(redisx.KeyProductStock, ln.ProductID)
				err := s.Locks.WithLock(ctx, key, func() error {
					p, err := s.Stock.Get(ctx, db, ln.ProductID)
					if err != nil {
						return err
					}
					if p.Stock < ln.Qty {
						return catalog.ErrInsufficientStock
					}
					if err := s.Stock.DecrementStock(ctx, db, ln.ProductID, ln.Qty); err != nil {
						return err
					}
					return s.Store.InsertItem(ctx, db, &Item{
						ID: uuid.NewString(), OrderID: sub.ID,
						ProductID: ln.ProductID, SellerID: ln.SellerID,
						Quantity: ln.Qty, PriceCents: ln.PriceCents,
						Status: StatusPending,
					})
				})
				if err != nil {
					return err
				}
			}
		}
		return s.Carts.ClearItems(ctx, db, c.ID)
	})
	if err != nil {
		return nil, err
	}

	s.publish(TopicOrderCreated, EventOrderCreated, parent.ID, OrderCreatedPayload{
		OrderID: parent.ID, UserID: userID, Sellers: sellers,
		Items: lines, TotalCents: total,
	})
	return s.load(ctx, parent.ID)
}

// Cancel cancels a whole PENDING order owned by userID. Parents cascade into
// every not-yet-cancelled sub-order; stock restoration runs under each
// product's lock inside the same transaction.
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (*Order, error) {
	o, err := s.Store.GetForUser(ctx, s.DB, orderID, userID)
	if err != nil {
		return nil, err
	}
	if o.ParentOrderID != "" {
		// Sub-orders are cancelled by their seller, not through here.
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return nil, ErrNotCancellable
	}

	var (
		restored  []ItemQty
		cancelled []string
	)
	err = s.Runner.WithTx(ctx, func(db postgres.DB) error {
		if o.IsParent {
			subs, err := s.Store.SubOrders(ctx, db, o.ID)
			if err != nil {
				return err
			}
			for _, sub := range subs {
				if sub.Status == StatusCancelled {
					continue // its stock came back when it was cancelled
				}
				r, err := s.cancelOne(ctx, db, sub.ID)
				if err != nil {
					return err
				}
				restored = append(restored, r...)
				cancelled = append(cancelled, sub.ID)
			}
			if err := s.Store.SetStatus(ctx, db, o.ID, StatusCancelled); err != nil {
				return err
			}
			return s.Store.SetPaymentStatus(ctx, db, o.ID, PaymentRefunded)
		}
		r, err := s.cancelOne(ctx, db, o.ID)
		restored = r
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStatus(ctx, orderID)
	for _, id := range cancelled {
		s.invalidateStatus(ctx, id)
	}
	s.publish(TopicOrderCancelled, EventOrderCancelled, orderID, OrderCancelledPayload{
		OrderID: orderID, Scope: "parent", Restored: restored,
	})
	if len(restored) > 0 {
		s.publish(TopicStockRestored, EventStockRestored, orderID, StockRestoredPayload{
			OrderID: orderID, Items: restored,
		})
	}
	return s.load(ctx, orderID)
}

// cancelOne restores stock for every item of one order row, then marks the
// row and its items CANCELLED/REFUNDED.
func (s *Service) cancelOne(ctx context.Context, db postgres.DB, orderID string) ([]ItemQty, error) {
	items, err := s.Store.Items(ctx, db, orderID)
	if err != nil {
		return nil, err
	}
	var restored []ItemQty
	for _, it := range items {
		key := fmt.Sprintf(redisx.KeyProductStock, it.ProductID)
		if err := s.Locks.WithLock(ctx, key, func() error {
			return s.Stock.IncrementStock(ctx, db, it.ProductID, it.Quantity)
		}); err != nil {
			return nil, err
		}
		restored = append(restored, ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	if err := s.Store.SetItemsStatus(ctx, db, orderID, StatusCancelled); err != nil {
		return nil, err
	}
	if err := s.Store.SetStatus(ctx, db, orderID, StatusCancelled); err != nil {
		return nil, err
	}
	if err := s.Store.SetPaymentStatus(ctx, db, orderID, PaymentRefunded); err != nil {
		return nil, err
	}
	return restored, nil
}

// CancelSubOrder lets the owning seller cancel their slice of a parent order
// while it is PENDING or CONFIRMED. When the last live sibling goes, the
// parent follows.
func (s *Service) CancelSubOrder(ctx context.Context, sellerID, subOrderID string) (*Order, error) {
	sub, err := s.Store.Get(ctx, s.DB, subOrderID)
	if err != nil {
		return nil, err
	}
	if sub.ParentOrderID == "" {
		return nil, ErrOrderNotFound
	}
	if sub.SellerID != sellerID {
		return nil, ErrNotSeller
	}
	if sub.Status != StatusPending && sub.Status != StatusConfirmed {
		return nil, ErrNotCancellable
	}

	var (
		restored       []ItemQty
		parentFollowed bool
	)
	err = s.Runner.WithTx(ctx, func(db postgres.DB) error {
		r, err := s.cancelOne(ctx, db, sub.ID)
		if err != nil {
			return err
		}
		restored = r

		siblings, err := s.Store.SubOrders(ctx, db, sub.ParentOrderID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.Status != StatusCancelled {
				return nil
			}
		}
		parentFollowed = true
		if err := s.Store.SetStatus(ctx, db, sub.ParentOrderID, StatusCancelled); err != nil {
			return err
		}
		return s.Store.SetPaymentStatus(ctx, db, sub.ParentOrderID, PaymentRefunded)
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStatus(ctx, sub.ID)
	s.invalidateStatus(ctx, sub.ParentOrderID)
	s.publish(TopicOrderCancelled, EventOrderCancelled, sub.ID, OrderCancelledPayload{
		OrderID: sub.ID, Scope: "sub", Restored: restored,
	})
	if len(restored) > 0 {
		s.publish(TopicStockRestored, EventStockRestored, sub.ID, StockRestoredPayload{
			OrderID: sub.ID, Items: restored,
		})
	}
	if parentFollowed {
		s.publish(TopicOrderCancelled, EventOrderCancelled, sub.ParentOrderID, OrderCancelledPayload{
			OrderID: sub.ParentOrderID, Scope: "parent",
		})
	}
	return s.load(ctx, sub.ID)
}

// UpdateItemStatus moves one line item through the fulfillment machine and
// mirrors the new status onto the owning sub-order and its parent.
func (s *Service) UpdateItemStatus(ctx context.Context, sellerID, itemID string, next Status) (*Item, error) {
	it, err := s.Store.GetItem(ctx, s.DB, itemID)
	if err != nil {
		return nil, err
	}
	if it.SellerID != sellerID {
		return nil, ErrNotSeller
	}
	if !CanTransition(it.Status, next) {
		return nil, ErrInvalidTransition
	}
	sub, err := s.Store.Get(ctx, s.DB, it.OrderID)
	if err != nil {
		return nil, err
	}

	err = s.Runner.WithTx(ctx, func(db postgres.DB) error {
		if err := s.Store.SetItemStatus(ctx, db, it.ID, next); err != nil {
			return err
		}
		if err := s.Store.SetStatus(ctx, db, sub.ID, next); err != nil {
			return err
		}
		if sub.ParentOrderID != "" {
			return s.Store.SetStatus(ctx, db, sub.ParentOrderID, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStatus(ctx, sub.ID)
	if sub.ParentOrderID != "" {
		s.invalidateStatus(ctx, sub.ParentOrderID)
	}
	it.Status = next
	return it, nil
}

// MarkPaid is the payment collaborator's success callback: the order, every
// sub-order and every item move to CONFIRMED/PAID in one transaction. A
// redelivered callback is a no-op; a callback landing after cancellation is
// rejected, since the cancelled order's stock is already back on the shelf.
func (s *Service) MarkPaid(ctx context.Context, orderID string) error {
	o, err := s.Store.Get(ctx, s.DB, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus == PaymentPaid {
		return nil
	}
	if o.Status == StatusCancelled {
		return ErrInvalidTransition
	}

	err = s.Runner.WithTx(ctx, func(db postgres.DB) error {
		ids, err := s.familyIDs(ctx, db, o)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.Store.SetStatus(ctx, db, id, StatusConfirmed); err != nil {
				return err
			}
			if err := s.Store.SetPaymentStatus(ctx, db, id, PaymentPaid); err != nil {
				return err
			}
			if err := s.Store.SetItemsStatus(ctx, db, id, StatusConfirmed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateStatus(ctx, orderID)
	s.publish(TopicOrderPaid, EventOrderPaid, orderID, OrderPaidPayload{OrderID: orderID})
	return nil
}

// MarkFailed records a declined payment. Status stays PENDING and stock stays
// deducted; only explicit cancellation releases units. A redelivered callback
// is a no-op; one landing after cancellation is rejected so it cannot
// overwrite the refund.
func (s *Service) MarkFailed(ctx context.Context, orderID, reason string) error {
	o, err := s.Store.Get(ctx, s.DB, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus == PaymentFailed {
		return nil
	}
	if o.Status == StatusCancelled {
		return ErrInvalidTransition
	}

	err = s.Runner.WithTx(ctx, func(db postgres.DB) error {
		ids, err := s.familyIDs(ctx, db, o)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.Store.SetPaymentStatus(ctx, db, id, PaymentFailed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateStatus(ctx, orderID)
	s.publish(TopicOrderPaymentFailed, EventPaymentFailed, orderID, PaymentFailedPayload{
		OrderID: orderID, Reason: reason,
	})
	return nil
}

// MarkRefunded records a gateway-side refund on the order and its sub-orders.
// Cancellation already leaves the family REFUNDED, so a redelivered or
// post-cancel callback is a no-op.
func (s *Service) MarkRefunded(ctx context.Context, orderID string) error {
	o, err := s.Store.Get(ctx, s.DB, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus == PaymentRefunded {
		return nil
	}
	err = s.Runner.WithTx(ctx, func(db postgres.DB) error {
		ids, err := s.familyIDs(ctx, db, o)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.Store.SetPaymentStatus(ctx, db, id, PaymentRefunded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidateStatus(ctx, orderID)
	return nil
}

func (s *Service) familyIDs(ctx context.Context, db postgres.DB, o *Order) ([]string, error) {
	ids := []string{o.ID}
	if !o.IsParent {
		return ids, nil
	}
	subs, err := s.Store.SubOrders(ctx, db, o.ID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		ids = append(ids, sub.ID)
	}
	return ids, nil
}

// Get returns an order owned by userID with sub-orders and items aggregated.
func (s *Service) Get(ctx context.Context, userID, orderID string) (*Order, error) {
	if _, err := s.Store.GetForUser(ctx, s.DB, orderID, userID); err != nil {
		return nil, err
	}
	return s.load(ctx, orderID)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Order, error) {
	return s.Store.ListByUser(ctx, s.DB, userID)
}

// StatusOf returns the status pair of an order by id for the light poll
// endpoint. The unguessable order id is the capability here, as in event
// payloads.
func (s *Service) StatusOf(ctx context.Context, orderID string) (Status, PaymentStatus, error) {
	o, err := s.Store.Get(ctx, s.DB, orderID)
	if err != nil {
		return "", "", err
	}
	return o.Status, o.PaymentStatus, nil
}

// load hydrates an order row with its sub-orders and aggregated items.
func (s *Service) load(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.Store.Get(ctx, s.DB, orderID)
	if err != nil {
		return nil, err
	}
	if o.IsParent {
		subs, err := s.Store.SubOrders(ctx, s.DB, o.ID)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			items, err := s.Store.Items(ctx, s.DB, sub.ID)
			if err != nil {
				return nil, err
			}
			sub.Items = items
		}
		o.SubOrders = subs
		o.Items, err = s.Store.ItemsOfParent(ctx, s.DB, o.ID)
		if err != nil {
			return nil, err
		}
		return o, nil
	}
	o.Items, err = s.Store.Items(ctx, s.DB, o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) publish(topic, eventType, orderID string, payload any) {
	if s.Producer == nil {
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    s.now(),
		Producer:      s.Name,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	s.Producer.Publish(topic, PartitionKey(orderID), kafkax.MustMarshal(env))
}

func (s *Service) invalidateStatus(ctx context.Context, orderID string) {
	if s.Redis == nil {
		return
	}
	_ = s.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Err()
}
