package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-discounts/internal/domain/cart"
)

const (
	getCartSQL = `SELECT user_id, shipping_cost, tax_amount FROM carts WHERE user_id = $1`

	getCartItemsSQL = `SELECT ci.product_id, p.name, p.price, ci.quantity, p.category_id
		FROM cart_items ci JOIN products p ON p.id = ci.product_id
		WHERE ci.user_id = $1 ORDER BY ci.product_id`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository reads cart snapshots with current catalog prices.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// GetByUserID returns the user's cart. Returns cart.ErrNotFound when the
// user has none.
func (r *CartRepository) GetByUserID(ctx context.Context, userID int64) (*cart.Cart, error) {
	var c cart.Cart
	err := r.pool.QueryRow(ctx, getCartSQL, userID).Scan(&c.UserID, &c.ShippingCost, &c.TaxAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart of user %d: %w", userID, err)
	}

	rows, err := r.pool.Query(ctx, getCartItemsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("getting cart items of user %d: %w", userID, err)
	}
	c.Items, err = pgx.CollectRows(rows, scanCartItem)
	if err != nil {
		return nil, fmt.Errorf("getting cart items of user %d: %w", userID, err)
	}
	return &c, nil
}

func scanCartItem(row pgx.CollectableRow) (cart.Item, error) {
	var (
		it       cart.Item
		price    decimal.Decimal
		quantity int32
	)
	err := row.Scan(&it.ProductID, &it.Name, &price, &quantity, &it.CategoryID)
	it.Price = price
	it.Quantity = int(quantity)
	return it, err
}

const (
	upsertCartSQL = `INSERT INTO carts (user_id, shipping_cost, tax_amount) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET shipping_cost = EXCLUDED.shipping_cost,
			tax_amount = EXCLUDED.tax_amount, updated_at = now()`

	deleteCartItemsSQL = `DELETE FROM cart_items WHERE user_id = $1`

	insertCartItemSQL = `INSERT INTO cart_items (user_id, product_id, quantity) VALUES ($1, $2, $3)`
)

// Replace overwrites the stored cart of c.UserID. Item names, prices and
// categories come from the catalog and are not stored.
func (r *CartRepository) Replace(ctx context.Context, c *cart.Cart) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertCartSQL, c.UserID, c.ShippingCost, c.TaxAmount); err != nil {
			return fmt.Errorf("upserting cart of user %d: %w", c.UserID, err)
		}
		if _, err := tx.Exec(ctx, deleteCartItemsSQL, c.UserID); err != nil {
			return fmt.Errorf("clearing cart of user %d: %w", c.UserID, err)
		}
		batch := &pgx.Batch{}
		for _, it := range c.Items {
			batch.Queue(insertCartItemSQL, c.UserID, it.ProductID, int32(it.Quantity))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting cart items of user %d: %w", c.UserID, err)
		}
		return nil
	})
}
