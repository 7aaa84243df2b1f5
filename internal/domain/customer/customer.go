package customer

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when no customer exists for the requested id.
var ErrNotFound = errors.New("customer not found")

// Customer is the read model of a shopper as seen by discount evaluation.
type Customer struct {
	ID    int64
	Email string
	Name  string
	// OrderCount is the number of orders the customer placed before now.
	OrderCount int
}

// FirstOrder reports whether the customer has never ordered before.
func (c *Customer) FirstOrder() bool {
	return c.OrderCount == 0
}

// Repository provides customer lookups.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Customer, error)
}
