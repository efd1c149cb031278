package catalog

import (
	"context"
	"errors"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"github.com/jackc/pgx/v5"
)

type PostgresStore struct{}

func (PostgresStore) Get(ctx context.Context, db postgres.DB, productID string) (*Product, error) {
	var p Product
	err := db.QueryRow(ctx, `
		SELECT id, seller_id, name, category, price_cents, stock, created_at, updated_at
		FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.SellerID, &p.Name, &p.Category, &p.PriceCents, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DecrementStock refuses to take stock below zero even when the caller got
// its availability read wrong.
func (PostgresStore) DecrementStock(ctx context.Context, db postgres.DB, productID string, qty int) error {
	ct, err := db.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrInsufficientStock
	}
	return nil
}

// IncrementStock is not idempotent. Compensation paths must call it exactly
// once per restored row.
func (PostgresStore) IncrementStock(ctx context.Context, db postgres.DB, productID string, qty int) error {
	ct, err := db.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrProductNotFound
	}
	return nil
}
