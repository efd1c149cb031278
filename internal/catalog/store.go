package catalog

import (
	"context"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
)

// Store is the stock ledger. Every method runs against the caller's unit of
// work so checkout can read and decrement inside its own transaction.
type Store interface {
	Get(ctx context.Context, db postgres.DB, productID string) (*Product, error)
	DecrementStock(ctx context.Context, db postgres.DB, productID string, qty int) error
	IncrementStock(ctx context.Context, db postgres.DB, productID string, qty int) error
}
