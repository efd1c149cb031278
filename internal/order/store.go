package order

import (
	"context"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
)

// Store persists orders, their items and the address ownership lookup. Every
// method runs against the caller's unit of work; the orchestrator threads one
// transaction through all of them.
type Store interface {
	Insert(ctx context.Context, db postgres.DB, o *Order) error
	InsertItem(ctx context.Context, db postgres.DB, it *Item) error

	Get(ctx context.Context, db postgres.DB, orderID string) (*Order, error)
	GetForUser(ctx context.Context, db postgres.DB, orderID, userID string) (*Order, error)
	ListByUser(ctx context.Context, db postgres.DB, userID string) ([]*Order, error)
	SubOrders(ctx context.Context, db postgres.DB, parentID string) ([]*Order, error)

	Items(ctx context.Context, db postgres.DB, orderID string) ([]Item, error)
	ItemsOfParent(ctx context.Context, db postgres.DB, parentID string) ([]Item, error)
	GetItem(ctx context.Context, db postgres.DB, itemID string) (*Item, error)

	SetStatus(ctx context.Context, db postgres.DB, orderID string, st Status) error
	SetPaymentStatus(ctx context.Context, db postgres.DB, orderID string, ps PaymentStatus) error
	SetItemStatus(ctx context.Context, db postgres.DB, itemID string, st Status) error
	SetItemsStatus(ctx context.Context, db postgres.DB, orderID string, st Status) error

	Address(ctx context.Context, db postgres.DB, addressID, userID string) (*Address, error)
}
