package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-discounts/internal/domain/customer"
	"github.com/xenking/kart-discounts/internal/domain/discount"
)

// --- Mock implementations ---

type mockSource struct {
	rules []*discount.Discount
	err   error
	asked time.Time
}

func (m *mockSource) FindActive(_ context.Context, now time.Time) ([]*discount.Discount, error) {
	m.asked = now
	return m.rules, m.err
}

// --- Helpers ---

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func nd(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(v))
}

func coupon(id int64, code, value string) *discount.Discount {
	return &discount.Discount{
		ID:        id,
		Name:      code,
		Code:      code,
		Kind:      discount.KindCoupon,
		ValueType: discount.ValueFixedAmount,
		Value:     nd(value),
		Active:    true,
		Coupon:    &discount.CouponTerms{CouponCode: code},
	}
}

func promotion(id int64, name string) *discount.Discount {
	return &discount.Discount{
		ID:        id,
		Name:      name,
		Kind:      discount.KindPromotion,
		ValueType: discount.ValuePercentage,
		Active:    true,
		Promotion: &discount.PromotionTerms{AutoApply: true},
	}
}

func orderContext(subtotal string) *discount.OrderContext {
	return &discount.OrderContext{
		Customer: &customer.Customer{ID: 1, Email: "ann@example.com"},
		Items: []discount.Item{
			{ProductID: 1, UnitPrice: d(subtotal), Quantity: 1},
		},
		Subtotal:  nd(subtotal),
		OrderTime: fixedNow,
	}
}

func names(results []discount.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Name
	}
	return out
}

// --- Tests ---

func TestParseStackingPolicy(t *testing.T) {
	p, err := ParseStackingPolicy("")
	require.NoError(t, err)
	assert.Equal(t, StackAll, p)

	p, err = ParseStackingPolicy("stackable_only")
	require.NoError(t, err)
	assert.Equal(t, StackStackableOnly, p)

	_, err = ParseStackingPolicy("best")
	require.Error(t, err)
}

func TestEngine_ExclusiveSuppressesOthers(t *testing.T) {
	exclusive := coupon(1, "ONLYME", "5")
	exclusive.Exclusive = true
	stackable := coupon(2, "STACK", "3")
	stackable.Stackable = true

	src := &mockSource{rules: []*discount.Discount{stackable, exclusive}}
	e := NewEngine(src, discount.NewValidator(discount.Policy{}), EngineOptions{})

	results, err := e.ApplyDiscounts(context.Background(), orderContext("100.00"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ONLYME"}, names(results))
	assert.Equal(t, fixedNow, src.asked)
}

func TestEngine_InapplicableExclusiveDoesNotSuppress(t *testing.T) {
	exclusive := coupon(1, "BIGSPEND", "50")
	exclusive.Exclusive = true
	exclusive.MinimumCartValue = nd("500")
	other := coupon(2, "SMALL", "5")

	e := NewEngine(&mockSource{rules: []*discount.Discount{exclusive, other}},
		discount.NewValidator(discount.Policy{}), EngineOptions{})

	results, err := e.ApplyDiscounts(context.Background(), orderContext("100.00"))
	require.NoError(t, err)
	assert.Equal(t, []string{"SMALL"}, names(results))
}

func TestEngine_StackingPolicies(t *testing.T) {
	rules := func() []*discount.Discount {
		a := coupon(1, "A", "10")
		b := coupon(2, "B", "2")
		c := coupon(3, "C", "5")
		c.Stackable = true
		dd := coupon(4, "D", "1")
		dd.Stackable = true
		return []*discount.Discount{a, b, c, dd}
	}

	tests := []struct {
		policy StackingPolicy
		rules  func() []*discount.Discount
		want   []string
	}{
		{policy: StackAll, rules: rules, want: []string{"D", "B", "C", "A"}},
		{policy: StackFirstThenStackable, rules: rules, want: []string{"D", "C"}},
		{policy: StackStackableOnly, rules: rules, want: []string{"D", "C"}},
		{
			policy: StackStackableOnly,
			rules: func() []*discount.Discount {
				return []*discount.Discount{coupon(1, "A", "10"), coupon(2, "B", "2")}
			},
			want: []string{"A"},
		},
		{
			policy: StackFirstThenStackable,
			rules: func() []*discount.Discount {
				return []*discount.Discount{coupon(1, "A", "10"), coupon(2, "B", "2")}
			},
			want: []string{"B"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			e := NewEngine(&mockSource{rules: tt.rules()},
				discount.NewValidator(discount.Policy{}), EngineOptions{Stacking: tt.policy})

			results, err := e.ApplyDiscounts(context.Background(), orderContext("100.00"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(results))
		})
	}
}

func TestEngine_PromotionYieldsNothing(t *testing.T) {
	e := NewEngine(&mockSource{rules: []*discount.Discount{promotion(1, "Banner")}},
		discount.NewValidator(discount.Policy{}), EngineOptions{Stacking: StackFirstThenStackable})

	results, err := e.ApplyDiscounts(context.Background(), orderContext("100.00"))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_NullValuesSortLast(t *testing.T) {
	noValue := coupon(1, "NOVALUE", "0")
	noValue.Value = decimal.NullDecimal{}
	cheap := coupon(2, "CHEAP", "1")

	e := NewEngine(&mockSource{rules: []*discount.Discount{noValue, cheap}},
		discount.NewValidator(discount.Policy{}), EngineOptions{})

	results, err := e.ApplyDiscounts(context.Background(), orderContext("100.00"))
	require.NoError(t, err)
	assert.Equal(t, []string{"CHEAP", "NOVALUE"}, names(results))
}

func TestEngine_RequireCouponCode(t *testing.T) {
	rules := []*discount.Discount{coupon(1, "SAVE5", "5"), coupon(2, "OTHER", "3")}
	bulk := &discount.Discount{
		ID: 3, Name: "Volume", Kind: discount.KindBulk, Active: true,
		ValueType: discount.ValueFixedAmount, Value: nd("1"),
		Bulk: &discount.BulkTerms{MinimumQuantity: 1},
	}
	rules = append(rules, bulk)

	e := NewEngine(&mockSource{rules: rules},
		discount.NewValidator(discount.Policy{}), EngineOptions{RequireCouponCode: true})

	oc := orderContext("100.00")
	oc.CouponCodes = []string{"SAVE5"}
	results, err := e.ApplyDiscounts(context.Background(), oc)
	require.NoError(t, err)
	assert.Equal(t, []string{"SAVE5"}, names(results))

	oc.AutoApply = true
	results, err = e.ApplyDiscounts(context.Background(), oc)
	require.NoError(t, err)
	assert.Equal(t, []string{"Volume", "SAVE5"}, names(results))
}

func TestEngine_SourceError(t *testing.T) {
	e := NewEngine(&mockSource{err: errors.New("db down")},
		discount.NewValidator(discount.Policy{}), EngineOptions{})

	_, err := e.ApplyDiscounts(context.Background(), orderContext("10.00"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestEngine_ValidateDiscount(t *testing.T) {
	e := NewEngine(&mockSource{}, discount.NewValidator(discount.Policy{}), EngineOptions{})
	rule := coupon(1, "LATE", "5")
	end := fixedNow.Add(-time.Hour)
	rule.EndDate = &end

	assert.False(t, e.ValidateDiscount(rule, orderContext("10.00")))
	rule.EndDate = nil
	assert.True(t, e.ValidateDiscount(rule, orderContext("10.00")))
}
