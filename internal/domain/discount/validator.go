package discount

import (
	"github.com/go-faster/errors"
)

// Reasons a rule is not applicable to an order. Check returns the first one
// that applies.
var (
	ErrNotStarted           = errors.New("discount not started")
	ErrExpired              = errors.New("discount expired")
	ErrUsageLimitReached    = errors.New("discount usage limit reached")
	ErrCustomerLimitReached = errors.New("customer usage limit reached")
	ErrBelowMinimum         = errors.New("cart below minimum value")
	ErrNoCustomer           = errors.New("customer required")
	ErrNotEligible          = errors.New("customer not eligible")
	ErrExcludedItem         = errors.New("cart contains excluded item")
	ErrQuantityNotMet       = errors.New("minimum quantity not met")
)

// Policy switches on eligibility checks that need customer history. With the
// zero Policy both checks always pass.
type Policy struct {
	// EnforcePerCustomerLimit compares OrderContext.Redemptions against
	// MaxUsesPerCustomer.
	EnforcePerCustomerLimit bool
	// EnforceFirstOrderOnly rejects first-order coupons for customers with
	// previous orders.
	EnforceFirstOrderOnly bool
}

// Validator decides whether a rule applies to an order.
type Validator struct {
	policy Policy
}

// NewValidator creates a Validator with the given policy.
func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// Policy returns the eligibility policy the validator was built with.
func (v *Validator) Policy() Policy {
	return v.policy
}

// IsValid reports whether d applies to c.
func (v *Validator) IsValid(d *Discount, c *OrderContext) bool {
	return v.Check(d, c) == nil
}

// Check runs the applicability checks in order and returns the first
// failure, or nil.
func (v *Validator) Check(d *Discount, c *OrderContext) error {
	if err := checkDates(d, c); err != nil {
		return err
	}
	if err := v.checkUsage(d, c); err != nil {
		return err
	}
	if err := checkMinimum(d, c); err != nil {
		return err
	}
	if err := v.checkCustomer(d, c); err != nil {
		return err
	}
	if err := checkExclusions(d, c); err != nil {
		return err
	}
	if d.Kind == KindBulk && matchedQuantity(d.Bulk, c) < minimumQuantity(d.Bulk) {
		return ErrQuantityNotMet
	}
	return nil
}

func checkDates(d *Discount, c *OrderContext) error {
	if d.StartDate != nil && c.OrderTime.Before(*d.StartDate) {
		return ErrNotStarted
	}
	if d.EndDate != nil && c.OrderTime.After(*d.EndDate) {
		return ErrExpired
	}
	return nil
}

func (v *Validator) checkUsage(d *Discount, c *OrderContext) error {
	if d.MaxUses != nil && d.UsesCount >= *d.MaxUses {
		return ErrUsageLimitReached
	}
	if v.policy.EnforcePerCustomerLimit && d.MaxUsesPerCustomer != nil &&
		c.Redemptions[d.ID] >= *d.MaxUsesPerCustomer {
		return ErrCustomerLimitReached
	}
	return nil
}

func checkMinimum(d *Discount, c *OrderContext) error {
	if !d.MinimumCartValue.Valid {
		return nil
	}
	if !c.Subtotal.Valid || c.Subtotal.Decimal.LessThan(d.MinimumCartValue.Decimal) {
		return ErrBelowMinimum
	}
	return nil
}

func (v *Validator) checkCustomer(d *Discount, c *OrderContext) error {
	if c.Customer == nil {
		return ErrNoCustomer
	}
	if d.Kind != KindCoupon || d.Coupon == nil {
		return nil
	}
	if d.Coupon.CustomerEmail != "" && d.Coupon.CustomerEmail != c.Customer.Email {
		return ErrNotEligible
	}
	if d.Coupon.FirstOrderOnly && v.policy.EnforceFirstOrderOnly && !c.Customer.FirstOrder() {
		return ErrNotEligible
	}
	return nil
}

func checkExclusions(d *Discount, c *OrderContext) error {
	for _, it := range c.Items {
		if d.ExcludedProducts.Has(it.ProductID) {
			return ErrExcludedItem
		}
		if it.CategoryID != nil && d.ExcludedCategories.Has(*it.CategoryID) {
			return ErrExcludedItem
		}
	}
	return nil
}

// matchedQuantity counts the quantity a bulk rule applies to.
func matchedQuantity(t *BulkTerms, c *OrderContext) int {
	if t != nil && t.ProductID != nil {
		return c.ProductQuantity(*t.ProductID)
	}
	return c.TotalQuantity()
}

func minimumQuantity(t *BulkTerms) int {
	if t == nil {
		return 0
	}
	return t.MinimumQuantity
}
