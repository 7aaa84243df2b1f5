package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-discounts/internal/domain/discount"
)

// Summary is the final charge breakdown of an order.
type Summary struct {
	Applied       []discount.Result
	TotalDiscount decimal.Decimal
	GrandTotal    decimal.Decimal
	Subtotal      decimal.Decimal
	ShippingCost  decimal.Decimal
	TaxAmount     decimal.Decimal
}

// Summarize combines the applied results with the order totals. The total
// discount never exceeds the cart total and the grand total is never
// negative.
func Summarize(oc *discount.OrderContext, results []discount.Result) Summary {
	cartTotal := oc.CartTotal()

	total := decimal.Zero
	for _, r := range results {
		total = total.Add(r.Amount)
	}
	if total.GreaterThan(cartTotal) {
		total = cartTotal
	}

	grand := cartTotal.Sub(total)
	if grand.IsNegative() {
		grand = decimal.Zero
	}

	return Summary{
		Applied:       results,
		TotalDiscount: total,
		GrandTotal:    grand,
		Subtotal:      valueOrZero(oc.Subtotal),
		ShippingCost:  valueOrZero(oc.ShippingCost),
		TaxAmount:     valueOrZero(oc.TaxAmount),
	}
}

// Redeemable returns the results whose rules must have a use recorded.
func Redeemable(results []discount.Result) []discount.Result {
	var out []discount.Result
	for _, r := range results {
		if r.Redeemable() {
			out = append(out, r)
		}
	}
	return out
}

func valueOrZero(v decimal.NullDecimal) decimal.Decimal {
	if !v.Valid {
		return decimal.Zero
	}
	return v.Decimal
}
