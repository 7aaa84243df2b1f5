package pricing

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Errors returned by Service operations.
var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrCartUnavailable  = errors.New("cart not available")
	ErrCartEmpty        = errors.New("cart is empty")
)

// InvalidQuantityError indicates a cart line has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID int64
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %d, got %d", e.ProductID, e.Quantity)
}
