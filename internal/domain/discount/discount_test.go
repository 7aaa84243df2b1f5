package discount

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-discounts/internal/domain/customer"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func nd(v string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d(v), Valid: true}
}

func intPtr(v int) *int { return &v }

func idPtr(v int64) *int64 { return &v }

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newCoupon(name, value string) *Discount {
	return &Discount{
		ID:        1,
		Name:      name,
		Code:      name,
		Kind:      KindCoupon,
		ValueType: ValuePercentage,
		Value:     nd(value),
		Active:    true,
		Coupon:    &CouponTerms{CouponCode: name},
	}
}

func newContext(subtotal string, items ...Item) *OrderContext {
	return &OrderContext{
		Customer:  &customer.Customer{ID: 7, Email: "ann@example.com"},
		Items:     items,
		Subtotal:  nd(subtotal),
		OrderTime: fixedNow,
	}
}

func TestDiscount_Check(t *testing.T) {
	past := fixedNow.Add(-time.Hour)

	tests := []struct {
		name    string
		rule    *Discount
		wantErr error
	}{
		{name: "valid coupon", rule: newCoupon("SAVE10", "10")},
		{
			name:    "negative value",
			rule:    &Discount{Kind: KindCoupon, Value: nd("-1"), Coupon: &CouponTerms{}},
			wantErr: ErrNegativeValue,
		},
		{
			name:    "coupon without terms",
			rule:    &Discount{Kind: KindCoupon},
			wantErr: ErrPayloadMismatch,
		},
		{
			name:    "bulk with coupon terms",
			rule:    &Discount{Kind: KindBulk, Bulk: &BulkTerms{}, Coupon: &CouponTerms{}},
			wantErr: ErrPayloadMismatch,
		},
		{
			name:    "window reversed",
			rule:    &Discount{Kind: KindPromotion, Promotion: &PromotionTerms{}, StartDate: &fixedNow, EndDate: &past},
			wantErr: ErrInvalidWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Check()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	t.Run("unknown kind", func(t *testing.T) {
		require.Error(t, (&Discount{Kind: "mystery"}).Check())
	})
}

func TestDiscount_ActiveAt(t *testing.T) {
	start := fixedNow.Add(-time.Hour)
	end := fixedNow.Add(time.Hour)
	rule := &Discount{Active: true, StartDate: &start, EndDate: &end}

	assert.True(t, rule.ActiveAt(fixedNow))
	assert.False(t, rule.ActiveAt(start.Add(-time.Second)))
	assert.False(t, rule.ActiveAt(end.Add(time.Second)))

	rule.Active = false
	assert.False(t, rule.ActiveAt(fixedNow))
}

func TestOrderContext_Helpers(t *testing.T) {
	c := newContext("70.00",
		Item{ProductID: 1, UnitPrice: d("10.00"), Quantity: 2, CategoryID: idPtr(5)},
		Item{ProductID: 2, UnitPrice: d("25.00"), Quantity: 2, CategoryID: idPtr(6)},
		Item{ProductID: 1, UnitPrice: d("10.00"), Quantity: 1, CategoryID: idPtr(5)},
	)
	c.ShippingCost = nd("5.00")

	assert.Equal(t, 3, c.ProductQuantity(1))
	assert.Equal(t, 0, c.ProductQuantity(99))
	assert.Equal(t, 5, c.TotalQuantity())
	assert.True(t, c.ContainsCategory(6))
	assert.False(t, c.ContainsCategory(7))
	assert.True(t, d("30.00").Equal(c.CategorySubtotal(5)))
	assert.True(t, d("75.00").Equal(c.CartTotal()))
	assert.Equal(t, "", c.CouponCode())
}

func TestIDSet(t *testing.T) {
	s := NewIDSet(3, 1, 2)
	assert.True(t, s.Has(2))
	assert.False(t, s.Has(4))
	assert.Equal(t, []int64{1, 2, 3}, s.Slice())

	var empty IDSet
	assert.False(t, empty.Has(1))
}
