package cart

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the user has no cart.
var ErrNotFound = errors.New("cart not found")

// Item is a single cart line.
type Item struct {
	ProductID  int64
	Name       string
	Price      decimal.Decimal
	Quantity   int
	CategoryID *int64
}

// Cart is a snapshot of a user's live cart.
type Cart struct {
	UserID       int64
	Items        []Item
	ShippingCost decimal.NullDecimal
	TaxAmount    decimal.NullDecimal
}

// Subtotal returns the sum of price times quantity over all lines.
func (c *Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		total = total.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// Repository provides read access to carts owned by the cart service.
type Repository interface {
	GetByUserID(ctx context.Context, userID int64) (*Cart, error)
}
