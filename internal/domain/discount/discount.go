package discount

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind discriminates the rule variants.
type Kind string

const (
	// KindCoupon is a code-redeemable rule, optionally personalized.
	KindCoupon Kind = "coupon"
	// KindBulk is a volume-threshold rule tied to item quantity.
	KindBulk Kind = "bulk_discount"
	// KindPromotion is an auto-applied marketing rule.
	KindPromotion Kind = "promotion"
)

// Target names what part of the order a rule is aimed at.
type Target string

const (
	TargetProduct  Target = "product"
	TargetCategory Target = "category"
	TargetCart     Target = "cart"
	TargetShipping Target = "shipping"
	TargetBuyXGetY Target = "buy_x_get_y"
)

// ValueType selects how the rule value is turned into an amount.
type ValueType string

const (
	// ValuePercentage takes Value percent of the subtotal.
	ValuePercentage ValueType = "percentage"
	// ValueFixedAmount takes Value as the amount.
	ValueFixedAmount ValueType = "fixed_amount"
	// ValueFixedPrice and ValueFreeShipping are stored but yield no amount.
	ValueFixedPrice   ValueType = "fixed_price"
	ValueFreeShipping ValueType = "free_shipping"
)

// Type is the marketing classification of a rule. It is carried for
// reporting and never evaluated.
type Type string

const (
	TypePromotional Type = "promotional"
	TypeCoupon      Type = "coupon"
	TypeLoyalty     Type = "loyalty"
	TypeSeasonal    Type = "seasonal"
	TypeFlashSale   Type = "flash_sale"
	TypeBulk        Type = "bulk_discount"
	TypeMembership  Type = "membership"
)

// Lookup errors.
var (
	// ErrInvalidCode is returned when no rule matches a code.
	ErrInvalidCode = errors.New("invalid discount code")
	// ErrInactiveRule is returned when the matching rule is switched off.
	ErrInactiveRule = errors.New("discount is not active")
)

// Structural errors returned by Discount.Check.
var (
	ErrNegativeValue   = errors.New("discount value must not be negative")
	ErrPayloadMismatch = errors.New("discount payload does not match kind")
	ErrInvalidWindow   = errors.New("discount start date is after end date")
)

// CouponTerms holds the coupon-specific fields.
type CouponTerms struct {
	CouponCode     string
	SingleUse      bool
	FirstOrderOnly bool
	// CustomerEmail personalizes the coupon to one customer when set.
	CustomerEmail string
}

// BulkTerms holds the volume threshold. When ProductID is nil the quantities
// of all cart lines count towards MinimumQuantity.
type BulkTerms struct {
	MinimumQuantity int
	ProductID       *int64
}

// PromotionTerms holds the promotion display fields.
type PromotionTerms struct {
	AutoApply  bool
	BannerText string
	ImageURL   string
}

// Discount is a promotional rule. Kind selects which of Coupon, Bulk and
// Promotion is populated.
type Discount struct {
	ID          int64
	Name        string
	Code        string
	Description string
	Kind        Kind
	Type        Type
	Target      Target
	ValueType   ValueType
	Value       decimal.NullDecimal

	StartDate *time.Time
	EndDate   *time.Time

	MaxUses            *int
	UsesCount          int
	MaxUsesPerCustomer *int

	MinimumCartValue      decimal.NullDecimal
	MaximumDiscountAmount decimal.NullDecimal

	Active    bool
	Stackable bool
	Exclusive bool

	ExcludedProducts   IDSet
	ExcludedCategories IDSet

	Coupon    *CouponTerms
	Bulk      *BulkTerms
	Promotion *PromotionTerms
}

// Check verifies the structural invariants of the rule.
func (d *Discount) Check() error {
	if d.Value.Valid && d.Value.Decimal.IsNegative() {
		return ErrNegativeValue
	}
	if d.StartDate != nil && d.EndDate != nil && d.StartDate.After(*d.EndDate) {
		return ErrInvalidWindow
	}
	switch d.Kind {
	case KindCoupon:
		if d.Coupon == nil || d.Bulk != nil || d.Promotion != nil {
			return errors.Wrap(ErrPayloadMismatch, string(d.Kind))
		}
	case KindBulk:
		if d.Bulk == nil || d.Coupon != nil || d.Promotion != nil {
			return errors.Wrap(ErrPayloadMismatch, string(d.Kind))
		}
		if d.Bulk.MinimumQuantity < 0 {
			return errors.New("minimum quantity must not be negative")
		}
	case KindPromotion:
		if d.Promotion == nil || d.Coupon != nil || d.Bulk != nil {
			return errors.Wrap(ErrPayloadMismatch, string(d.Kind))
		}
	default:
		return errors.Errorf("unknown discount kind %q", d.Kind)
	}
	return nil
}

// ActiveAt reports whether the rule is switched on and now lies inside its
// validity window.
func (d *Discount) ActiveAt(now time.Time) bool {
	if !d.Active {
		return false
	}
	if d.StartDate != nil && now.Before(*d.StartDate) {
		return false
	}
	if d.EndDate != nil && now.After(*d.EndDate) {
		return false
	}
	return true
}

// RedeemCode returns the code a customer types to redeem the rule. The
// coupon code wins over the generic code when both are set.
func (d *Discount) RedeemCode() string {
	if d.Coupon != nil && d.Coupon.CouponCode != "" {
		return d.Coupon.CouponCode
	}
	return d.Code
}

// IDSet is a set of product or category ids.
type IDSet map[int64]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set. A nil set has no members.
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the members in ascending order.
func (s IDSet) Slice() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Repository provides lookup and persistence of discount rules.
type Repository interface {
	// FindActive returns the rules that are active and inside their
	// validity window at now.
	FindActive(ctx context.Context, now time.Time) ([]*Discount, error)
	// FindByCode returns every rule whose code matches exactly, active or not.
	FindByCode(ctx context.Context, code string) ([]*Discount, error)
	FindActiveByCode(ctx context.Context, code string, now time.Time) (*Discount, error)
	FindByTarget(ctx context.Context, target Target) ([]*Discount, error)
	// Save inserts the rule when ID is zero and updates it otherwise,
	// returning the stored id.
	Save(ctx context.Context, d *Discount) (int64, error)
}
