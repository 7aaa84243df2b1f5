package discount

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculate computes the result of applying d to c. It does not re-run the
// validator. The boolean is false when the rule kind produces no result,
// which is currently the case for promotions.
func Calculate(d *Discount, c *OrderContext) (Result, bool) {
	switch d.Kind {
	case KindCoupon:
		return calculateCoupon(d, c), true
	case KindBulk:
		return calculateBulk(d, c), true
	default:
		return Result{}, false
	}
}

func calculateCoupon(d *Discount, c *OrderContext) Result {
	return Result{
		Amount:    ruleAmount(d, orZero(c.Subtotal)),
		Name:      d.Name,
		Code:      d.Code,
		Message:   "Coupon applied: " + d.Name,
		ValueType: d.ValueType,
		Discount:  d,
	}
}

func calculateBulk(d *Discount, c *OrderContext) Result {
	res := Result{
		Name:      d.Name,
		ValueType: d.ValueType,
		Discount:  d,
	}
	if matchedQuantity(d.Bulk, c) < minimumQuantity(d.Bulk) {
		res.Amount = decimal.Zero
		res.Message = "Minimum quantity not met for bulk discount"
		return res
	}
	res.Amount = ruleAmount(d, orZero(c.Subtotal))
	res.Message = "Bulk discount applied: " + d.Name
	if d.Bulk != nil && d.Bulk.ProductID != nil {
		res = res.WithItemDiscount(*d.Bulk.ProductID, res.Amount)
	}
	return res
}

// ruleAmount applies the value type to base and clips the outcome to the
// rule's maximum discount.
func ruleAmount(d *Discount, base decimal.Decimal) decimal.Decimal {
	value := orZero(d.Value)

	var amount decimal.Decimal
	switch d.ValueType {
	case ValuePercentage:
		amount = base.Mul(value).DivRound(hundred, 2)
	case ValueFixedAmount:
		amount = value
	default:
		amount = decimal.Zero
	}

	if d.MaximumDiscountAmount.Valid && amount.GreaterThan(d.MaximumDiscountAmount.Decimal) {
		return d.MaximumDiscountAmount.Decimal
	}
	return amount
}
