package cart

import (
	"context"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"time"
)

// Store persists carts and their reservations. Methods run against the
// caller's unit of work so checkout can clear a cart inside its own
// transaction.
type Store interface {
	Create(ctx context.Context, db postgres.DB, c *Cart) error
	ByUser(ctx context.Context, db postgres.DB, userID string) (*Cart, error)
	BySession(ctx context.Context, db postgres.DB, sessionID string) (*Cart, error)
	Delete(ctx context.Context, db postgres.DB, cartID string) error

	Items(ctx context.Context, db postgres.DB, cartID string) ([]Item, error)
	UpsertItem(ctx context.Context, db postgres.DB, it *Item) error
	DeleteItem(ctx context.Context, db postgres.DB, cartID, productID string) error
	ClearItems(ctx context.Context, db postgres.DB, cartID string) error

	// ReservedByOthers sums active holds on a product outside the excluded
	// carts. Active means reserved_until is still in the future at now.
	ReservedByOthers(ctx context.Context, db postgres.DB, productID string, now time.Time, exclude []string) (int, error)
	RefreshReservations(ctx context.Context, db postgres.DB, cartID string, until time.Time) error

	DeleteExpiredItems(ctx context.Context, db postgres.DB, cartID string, now time.Time) (int64, error)
	DeleteDeadStockItems(ctx context.Context, db postgres.DB, cartID string) (int64, error)
	SweepExpiredCarts(ctx context.Context, db postgres.DB, now time.Time) (int64, error)
	SweepExpiredReservations(ctx context.Context, db postgres.DB, now time.Time) (int64, error)
}
