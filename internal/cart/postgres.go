package cart

import (
	"context"
	"errors"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"github.com/jackc/pgx/v5"
	"time"
)

type PostgresStore struct{}

func (PostgresStore) Create(ctx context.Context, db postgres.DB, c *Cart) error {
	_, err := db.Exec(ctx, `
		INSERT INTO carts (id, user_id, session_id, expires_at)
		VALUES ($1, NULLIF($2,'')::uuid, NULLIF($3,''), $4)`,
		c.ID, c.UserID, c.SessionID, c.ExpiresAt)
	return err
}

func (PostgresStore) ByUser(ctx context.Context, db postgres.DB, userID string) (*Cart, error) {
	return scanCart(db.QueryRow(ctx, `
		SELECT id, COALESCE(user_id::text,''), COALESCE(session_id,''), expires_at, created_at, updated_at
		FROM carts WHERE user_id = $1
		ORDER BY created_at DESC LIMIT 1`, userID))
}

func (PostgresStore) BySession(ctx context.Context, db postgres.DB, sessionID string) (*Cart, error) {
	return scanCart(db.QueryRow(ctx, `
		SELECT id, COALESCE(user_id::text,''), COALESCE(session_id,''), expires_at, created_at, updated_at
		FROM carts WHERE session_id = $1
		ORDER BY created_at DESC LIMIT 1`, sessionID))
}

func scanCart(row pgx.Row) (*Cart, error) {
	var c Cart
	err := row.Scan(&c.ID, &c.UserID, &c.SessionID, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (PostgresStore) Delete(ctx context.Context, db postgres.DB, cartID string) error {
	_, err := db.Exec(ctx, `DELETE FROM carts WHERE id = $1`, cartID)
	return err
}

func (PostgresStore) Items(ctx context.Context, db postgres.DB, cartID string) ([]Item, error) {
	rows, err := db.Query(ctx, `
		SELECT id, cart_id, product_id, quantity, reserved_until
		FROM cart_items WHERE cart_id = $1
		ORDER BY created_at`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.CartID, &it.ProductID, &it.Quantity, &it.ReservedUntil); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// UpsertItem replaces the quantity on repeat adds, it never sums.
func (PostgresStore) UpsertItem(ctx context.Context, db postgres.DB, it *Item) error {
	_, err := db.Exec(ctx, `
		INSERT INTO cart_items (id, cart_id, product_id, quantity, reserved_until)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cart_id, product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, reserved_until = EXCLUDED.reserved_until, updated_at = now()`,
		it.ID, it.CartID, it.ProductID, it.Quantity, it.ReservedUntil)
	return err
}

func (PostgresStore) DeleteItem(ctx context.Context, db postgres.DB, cartID, productID string) error {
	_, err := db.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2`, cartID, productID)
	return err
}

func (PostgresStore) ClearItems(ctx context.Context, db postgres.DB, cartID string) error {
	_, err := db.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID)
	return err
}

func (PostgresStore) ReservedByOthers(ctx context.Context, db postgres.DB, productID string, now time.Time, exclude []string) (int, error) {
	if exclude == nil {
		exclude = []string{}
	}
	var n int
	err := db.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM cart_items
		WHERE product_id = $1 AND reserved_until > $2
		AND NOT (cart_id = ANY($3::uuid[]))`, productID, now, exclude).Scan(&n)
	return n, err
}

func (PostgresStore) RefreshReservations(ctx context.Context, db postgres.DB, cartID string, until time.Time) error {
	_, err := db.Exec(ctx, `
		UPDATE cart_items SET reserved_until = $2, updated_at = now()
		WHERE cart_id = $1`, cartID, until)
	return err
}

func (PostgresStore) DeleteExpiredItems(ctx context.Context, db postgres.DB, cartID string, now time.Time) (int64, error) {
	ct, err := db.Exec(ctx, `
		DELETE FROM cart_items WHERE cart_id = $1 AND reserved_until <= $2`, cartID, now)
	return ct.RowsAffected(), err
}

func (PostgresStore) DeleteDeadStockItems(ctx context.Context, db postgres.DB, cartID string) (int64, error) {
	ct, err := db.Exec(ctx, `
		DELETE FROM cart_items ci USING products p
		WHERE ci.cart_id = $1 AND p.id = ci.product_id AND p.stock <= 0`, cartID)
	return ct.RowsAffected(), err
}

func (PostgresStore) SweepExpiredCarts(ctx context.Context, db postgres.DB, now time.Time) (int64, error) {
	ct, err := db.Exec(ctx, `
		DELETE FROM carts WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	return ct.RowsAffected(), err
}

func (PostgresStore) SweepExpiredReservations(ctx context.Context, db postgres.DB, now time.Time) (int64, error) {
	ct, err := db.Exec(ctx, `DELETE FROM cart_items WHERE reserved_until <= $1`, now)
	return ct.RowsAffected(), err
}
