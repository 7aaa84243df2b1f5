package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-discounts/internal/domain/customer"
)

const getCustomerByIDSQL = `SELECT c.id, c.email, c.name,
		(SELECT count(*) FROM orders o WHERE o.customer_id = c.id)
	FROM customers c WHERE c.id = $1`

var _ customer.Repository = (*CustomerRepository)(nil)

// CustomerRepository reads customers and their order history.
type CustomerRepository struct {
	pool *pgxpool.Pool
}

// NewCustomerRepository returns a CustomerRepository that uses the given pool.
func NewCustomerRepository(pool *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{pool: pool}
}

// GetByID returns the customer with the number of orders placed so far.
func (r *CustomerRepository) GetByID(ctx context.Context, id int64) (*customer.Customer, error) {
	var (
		c      customer.Customer
		orders int64
	)
	err := r.pool.QueryRow(ctx, getCustomerByIDSQL, id).Scan(&c.ID, &c.Email, &c.Name, &orders)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, customer.ErrNotFound
		}
		return nil, fmt.Errorf("getting customer %d: %w", id, err)
	}
	c.OrderCount = int(orders)
	return &c, nil
}

const upsertCustomerSQL = `INSERT INTO customers (id, email, name) VALUES ($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name`

// Upsert stores c under its id. OrderCount is derived and ignored.
func (r *CustomerRepository) Upsert(ctx context.Context, c customer.Customer) error {
	if _, err := r.pool.Exec(ctx, upsertCustomerSQL, c.ID, c.Email, c.Name); err != nil {
		return fmt.Errorf("upserting customer %d: %w", c.ID, err)
	}
	return nil
}
