package discount

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-discounts/internal/domain/customer"
)

// Item is one cart line as seen by rule evaluation.
type Item struct {
	ProductID  int64
	Name       string
	UnitPrice  decimal.Decimal
	Quantity   int
	CategoryID *int64
}

// LineTotal returns unit price times quantity.
func (it Item) LineTotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// OrderContext is the snapshot a single evaluation runs against. It is built
// per request and must not be modified once handed to the engine.
type OrderContext struct {
	Customer     *customer.Customer
	Items        []Item
	Subtotal     decimal.NullDecimal
	ShippingCost decimal.NullDecimal
	TaxAmount    decimal.NullDecimal
	CouponCodes  []string
	AutoApply    bool
	OrderTime    time.Time

	// Redemptions maps rule id to how many times this customer already
	// redeemed it. Nil unless per-customer limits are enforced.
	Redemptions map[int64]int
}

// CouponCode returns the first requested coupon code, or "".
func (c *OrderContext) CouponCode() string {
	if len(c.CouponCodes) == 0 {
		return ""
	}
	return c.CouponCodes[0]
}

// HasCode reports whether code was requested.
func (c *OrderContext) HasCode(code string) bool {
	return code != "" && slices.Contains(c.CouponCodes, code)
}

// ProductQuantity sums the quantity of all lines for productID.
func (c *OrderContext) ProductQuantity(productID int64) int {
	var n int
	for _, it := range c.Items {
		if it.ProductID == productID {
			n += it.Quantity
		}
	}
	return n
}

// TotalQuantity sums the quantity of all lines.
func (c *OrderContext) TotalQuantity() int {
	var n int
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// ContainsCategory reports whether any line belongs to categoryID.
func (c *OrderContext) ContainsCategory(categoryID int64) bool {
	return slices.ContainsFunc(c.Items, func(it Item) bool {
		return it.CategoryID != nil && *it.CategoryID == categoryID
	})
}

// CategorySubtotal sums the line totals of categoryID.
func (c *OrderContext) CategorySubtotal(categoryID int64) decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		if it.CategoryID != nil && *it.CategoryID == categoryID {
			total = total.Add(it.LineTotal())
		}
	}
	return total
}

// CartTotal returns subtotal plus shipping plus tax. Absent parts count as zero.
func (c *OrderContext) CartTotal() decimal.Decimal {
	return orZero(c.Subtotal).Add(orZero(c.ShippingCost)).Add(orZero(c.TaxAmount))
}

func orZero(v decimal.NullDecimal) decimal.Decimal {
	if !v.Valid {
		return decimal.Zero
	}
	return v.Decimal
}
