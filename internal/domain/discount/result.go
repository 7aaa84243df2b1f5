package discount

import "github.com/shopspring/decimal"

// Result is the monetary effect of one applied rule.
type Result struct {
	Amount  decimal.Decimal
	Name    string
	Code    string
	Message string

	ValueType ValueType
	// Discount is the rule that produced the result.
	Discount *Discount
	// ItemDiscounts optionally breaks Amount down by product id.
	ItemDiscounts map[int64]decimal.Decimal
}

// Redeemable reports whether applying the result consumes a use of its rule.
func (r Result) Redeemable() bool {
	return r.Discount != nil && r.Amount.IsPositive()
}

// WithItemDiscount returns a copy of r with amount recorded for productID.
func (r Result) WithItemDiscount(productID int64, amount decimal.Decimal) Result {
	items := make(map[int64]decimal.Decimal, len(r.ItemDiscounts)+1)
	for k, v := range r.ItemDiscounts {
		items[k] = v
	}
	items[productID] = amount
	r.ItemDiscounts = items
	return r
}
