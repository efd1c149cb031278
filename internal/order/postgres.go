package order

import (
	"context"
	"errors"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"github.com/jackc/pgx/v5"
)

type PostgresStore struct{}

const orderColumns = `
	id, user_id, COALESCE(address_id::text,''), COALESCE(seller_id::text,''),
	COALESCE(parent_order_id::text,''), is_parent, total_cents, status,
	payment_status, created_at, updated_at`

func (PostgresStore) Insert(ctx context.Context, db postgres.DB, o *Order) error {
	_, err := db.Exec(ctx, `
		INSERT INTO orders (id, user_id, address_id, seller_id, parent_order_id, is_parent, total_cents, status, payment_status)
		VALUES ($1, $2, NULLIF($3,'')::uuid, NULLIF($4,'')::uuid, NULLIF($5,'')::uuid, $6, $7, $8, $9)`,
		o.ID, o.UserID, o.AddressID, o.SellerID, o.ParentOrderID, o.IsParent, o.TotalCents, o.Status, o.PaymentStatus)
	return err
}

func (PostgresStore) InsertItem(ctx context.Context, db postgres.DB, it *Item) error {
	_, err := db.Exec(ctx, `
		INSERT INTO order_items (id, order_id, product_id, seller_id, quantity, price_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		it.ID, it.OrderID, it.ProductID, it.SellerID, it.Quantity, it.PriceCents, it.Status)
	return err
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.AddressID, &o.SellerID, &o.ParentOrderID,
		&o.IsParent, &o.TotalCents, &o.Status, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (PostgresStore) Get(ctx context.Context, db postgres.DB, orderID string) (*Order, error) {
	return scanOrder(db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

func (PostgresStore) GetForUser(ctx context.Context, db postgres.DB, orderID, userID string) (*Order, error) {
	return scanOrder(db.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, orderID, userID))
}

func collectOrders(rows pgx.Rows) ([]*Order, error) {
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.AddressID, &o.SellerID, &o.ParentOrderID,
			&o.IsParent, &o.TotalCents, &o.Status, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// ListByUser returns parent orders newest first. Sub-orders are reachable
// through their parent, not listed on their own.
func (PostgresStore) ListByUser(ctx context.Context, db postgres.DB, userID string) ([]*Order, error) {
	rows, err := db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND parent_order_id IS NULL
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (PostgresStore) SubOrders(ctx context.Context, db postgres.DB, parentID string) ([]*Order, error) {
	rows, err := db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id = $1 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

const itemColumns = `id, order_id, product_id, seller_id, quantity, price_cents, status`

func collectItems(rows pgx.Rows) ([]Item, error) {
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.SellerID,
			&it.Quantity, &it.PriceCents, &it.Status); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (PostgresStore) Items(ctx context.Context, db postgres.DB, orderID string) ([]Item, error) {
	rows, err := db.Query(ctx, `
		SELECT `+itemColumns+` FROM order_items WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (PostgresStore) ItemsOfParent(ctx context.Context, db postgres.DB, parentID string) ([]Item, error) {
	rows, err := db.Query(ctx, `
		SELECT oi.id, oi.order_id, oi.product_id, oi.seller_id, oi.quantity, oi.price_cents, oi.status
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE o.parent_order_id = $1
		ORDER BY oi.created_at`, parentID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (PostgresStore) GetItem(ctx context.Context, db postgres.DB, itemID string) (*Item, error) {
	var it Item
	err := db.QueryRow(ctx, `
		SELECT `+itemColumns+` FROM order_items WHERE id = $1`, itemID).
		Scan(&it.ID, &it.OrderID, &it.ProductID, &it.SellerID, &it.Quantity, &it.PriceCents, &it.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (PostgresStore) SetStatus(ctx context.Context, db postgres.DB, orderID string, st Status) error {
	ct, err := db.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, orderID, st)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrOrderNotFound
	}
	return nil
}

func (PostgresStore) SetPaymentStatus(ctx context.Context, db postgres.DB, orderID string, ps PaymentStatus) error {
	ct, err := db.Exec(ctx, `
		UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`, orderID, ps)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrOrderNotFound
	}
	return nil
}

func (PostgresStore) SetItemStatus(ctx context.Context, db postgres.DB, itemID string, st Status) error {
	ct, err := db.Exec(ctx, `
		UPDATE order_items SET status = $2, updated_at = now() WHERE id = $1`, itemID, st)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrItemNotFound
	}
	return nil
}

func (PostgresStore) SetItemsStatus(ctx context.Context, db postgres.DB, orderID string, st Status) error {
	_, err := db.Exec(ctx, `
		UPDATE order_items SET status = $2, updated_at = now() WHERE order_id = $1`, orderID, st)
	return err
}

func (PostgresStore) Address(ctx context.Context, db postgres.DB, addressID, userID string) (*Address, error) {
	var a Address
	err := db.QueryRow(ctx, `
		SELECT id, user_id, label, line1, city, country
		FROM addresses WHERE id = $1 AND user_id = $2`, addressID, userID).
		Scan(&a.ID, &a.UserID, &a.Label, &a.Line1, &a.City, &a.Country)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
