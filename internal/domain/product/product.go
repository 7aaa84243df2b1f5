package product

import (
	"context"

	"github.com/shopspring/decimal"
)

// Product is the catalog entry referenced by cart lines.
type Product struct {
	ID         int64
	Name       string
	Price      decimal.Decimal
	CategoryID *int64
}

// Repository provides batch catalog lookups.
type Repository interface {
	// GetByIDs returns the products that exist among ids. Missing ids are
	// silently skipped.
	GetByIDs(ctx context.Context, ids []int64) ([]Product, error)
}
