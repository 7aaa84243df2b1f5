package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-discounts/internal/domain/discount"
)

const discountColumns = `id, kind, name, code, description, discount_type, target, value_type,
	discount_value, start_date, end_date, max_uses, uses_count, max_uses_per_customer,
	minimum_cart_value, maximum_discount_amount, is_active, is_stackable, is_exclusive,
	excluded_products, excluded_categories,
	coupon_code, is_single_use, is_first_order_only, customer_email,
	minimum_quantity, product_id,
	auto_apply, banner_text, image_url`

const (
	findActiveDiscountsSQL = `SELECT ` + discountColumns + ` FROM discounts
		WHERE is_active
		AND (start_date IS NULL OR start_date <= $1)
		AND (end_date IS NULL OR end_date >= $1)
		ORDER BY id`

	findDiscountsByCodeSQL = `SELECT ` + discountColumns + ` FROM discounts
		WHERE code = $1 ORDER BY id`

	findActiveDiscountByCodeSQL = `SELECT ` + discountColumns + ` FROM discounts
		WHERE code = $1 AND is_active
		AND (start_date IS NULL OR start_date <= $2)
		AND (end_date IS NULL OR end_date >= $2)`

	findDiscountsByTargetSQL = `SELECT ` + discountColumns + ` FROM discounts
		WHERE target = $1 AND is_active ORDER BY id`

	listDiscountCodesSQL = `SELECT code FROM discounts WHERE code IS NOT NULL`

	insertDiscountSQL = `INSERT INTO discounts (
		kind, name, code, description, discount_type, target, value_type,
		discount_value, start_date, end_date, max_uses, uses_count, max_uses_per_customer,
		minimum_cart_value, maximum_discount_amount, is_active, is_stackable, is_exclusive,
		excluded_products, excluded_categories,
		coupon_code, is_single_use, is_first_order_only, customer_email,
		minimum_quantity, product_id,
		auto_apply, banner_text, image_url
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	RETURNING id`

	// uses_count is owned by the redemption path and never written here.
	updateDiscountSQL = `UPDATE discounts SET
		kind = $2, name = $3, code = $4, description = $5, discount_type = $6, target = $7,
		value_type = $8, discount_value = $9, start_date = $10, end_date = $11,
		max_uses = $12, max_uses_per_customer = $13,
		minimum_cart_value = $14, maximum_discount_amount = $15,
		is_active = $16, is_stackable = $17, is_exclusive = $18,
		excluded_products = $19, excluded_categories = $20,
		coupon_code = $21, is_single_use = $22, is_first_order_only = $23, customer_email = $24,
		minimum_quantity = $25, product_id = $26,
		auto_apply = $27, banner_text = $28, image_url = $29,
		updated_at = now()
	WHERE id = $1
	RETURNING id`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// FindActive returns the rules active at now. Absent dates are unbounded.
func (r *DiscountRepository) FindActive(ctx context.Context, now time.Time) ([]*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, findActiveDiscountsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("finding active discounts: %w", err)
	}
	rules, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, fmt.Errorf("finding active discounts: %w", err)
	}
	return rules, nil
}

// FindByCode returns all rules with the exact code, active or not.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) ([]*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, findDiscountsByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding discounts by code %q: %w", code, err)
	}
	rules, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, fmt.Errorf("finding discounts by code %q: %w", code, err)
	}
	return rules, nil
}

// FindActiveByCode returns the rule with code that is active at now.
// Returns discount.ErrInvalidCode when there is none.
func (r *DiscountRepository) FindActiveByCode(ctx context.Context, code string, now time.Time) (*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, findActiveDiscountByCodeSQL, code, now)
	if err != nil {
		return nil, fmt.Errorf("finding active discount by code %q: %w", code, err)
	}
	rule, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrInvalidCode
		}
		return nil, fmt.Errorf("finding active discount by code %q: %w", code, err)
	}
	return rule, nil
}

// FindByTarget returns the active rules aimed at target, ignoring dates.
func (r *DiscountRepository) FindByTarget(ctx context.Context, target discount.Target) ([]*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, findDiscountsByTargetSQL, string(target))
	if err != nil {
		return nil, fmt.Errorf("finding discounts by target %q: %w", target, err)
	}
	rules, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, fmt.Errorf("finding discounts by target %q: %w", target, err)
	}
	return rules, nil
}

// ListCodes returns every code in use, for the code index.
func (r *DiscountRepository) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listDiscountCodesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing discount codes: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing discount codes: %w", err)
	}
	return codes, nil
}

// CodesChannel is the notification channel the discounts table publishes new
// codes on.
const CodesChannel = "discount_codes"

// WatchCodes listens for codes added to the discounts table. ready runs once
// the listener is registered, so a snapshot taken there misses nothing. Each
// notified code is passed to added. It blocks until ctx is done or the
// connection fails.
func (r *DiscountRepository) WatchCodes(ctx context.Context, ready func(context.Context) error, added func(string)) error {
	pooled, err := r.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire listener connection")
	}
	// The session keeps LISTEN state, so it must not go back to the pool.
	conn := pooled.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+CodesChannel); err != nil {
		return errors.Wrap(err, "listen")
	}
	if err := ready(ctx); err != nil {
		return errors.Wrap(err, "ready")
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "wait for notification")
		}
		added(n.Payload)
	}
}

// Save inserts d when its ID is zero and updates it otherwise. The usage
// counter is only written on insert.
func (r *DiscountRepository) Save(ctx context.Context, d *discount.Discount) (int64, error) {
	if err := d.Check(); err != nil {
		return 0, errors.Wrapf(err, "invalid discount %q", d.Name)
	}

	args := discountArgs(d)
	var (
		id  int64
		err error
	)
	if d.ID == 0 {
		err = r.pool.QueryRow(ctx, insertDiscountSQL, args...).Scan(&id)
	} else {
		update := make([]any, 0, len(args))
		update = append(update, d.ID)
		update = append(update, args[:usesCountArg]...)
		update = append(update, args[usesCountArg+1:]...)
		err = r.pool.QueryRow(ctx, updateDiscountSQL, update...).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errors.Wrapf(discount.ErrInvalidCode, "discount %d", d.ID)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("saving discount %q: %w", d.Name, err)
	}
	return id, nil
}

// usesCountArg is the position of uses_count in discountArgs.
const usesCountArg = 11

// discountArgs returns the column values in insert order.
func discountArgs(d *discount.Discount) []any {
	var (
		couponCode, customerEmail *string
		singleUse, firstOrderOnly bool
		minimumQuantity           *int32
		productID                 *int64
		autoApply                 bool
		bannerText, imageURL      *string
	)
	switch {
	case d.Coupon != nil:
		couponCode = nullString(d.Coupon.CouponCode)
		customerEmail = nullString(d.Coupon.CustomerEmail)
		singleUse = d.Coupon.SingleUse
		firstOrderOnly = d.Coupon.FirstOrderOnly
	case d.Bulk != nil:
		q := int32(d.Bulk.MinimumQuantity)
		minimumQuantity = &q
		productID = d.Bulk.ProductID
	case d.Promotion != nil:
		autoApply = d.Promotion.AutoApply
		bannerText = nullString(d.Promotion.BannerText)
		imageURL = nullString(d.Promotion.ImageURL)
	}

	typ := d.Type
	if typ == "" {
		typ = discount.TypePromotional
	}
	target := d.Target
	if target == "" {
		target = discount.TargetCart
	}

	return []any{
		string(d.Kind), d.Name, nullString(d.Code), d.Description, string(typ), string(target),
		string(d.ValueType), d.Value, d.StartDate, d.EndDate,
		nullInt32(d.MaxUses), int32(d.UsesCount), nullInt32(d.MaxUsesPerCustomer),
		d.MinimumCartValue, d.MaximumDiscountAmount,
		d.Active, d.Stackable, d.Exclusive,
		d.ExcludedProducts.Slice(), d.ExcludedCategories.Slice(),
		couponCode, singleUse, firstOrderOnly, customerEmail,
		minimumQuantity, productID,
		autoApply, bannerText, imageURL,
	}
}

func scanDiscount(row pgx.CollectableRow) (*discount.Discount, error) {
	var (
		d                     discount.Discount
		kind, typ, target     string
		valueType             string
		code                  *string
		value                 decimal.NullDecimal
		maxUses, maxPerCust   *int32
		usesCount             int32
		excludedProducts      []int64
		excludedCategories    []int64
		couponCode, email     *string
		singleUse, firstOrder bool
		minimumQuantity       *int32
		productID             *int64
		autoApply             bool
		bannerText, imageURL  *string
	)
	err := row.Scan(
		&d.ID, &kind, &d.Name, &code, &d.Description, &typ, &target, &valueType,
		&value, &d.StartDate, &d.EndDate, &maxUses, &usesCount, &maxPerCust,
		&d.MinimumCartValue, &d.MaximumDiscountAmount, &d.Active, &d.Stackable, &d.Exclusive,
		&excludedProducts, &excludedCategories,
		&couponCode, &singleUse, &firstOrder, &email,
		&minimumQuantity, &productID,
		&autoApply, &bannerText, &imageURL,
	)
	if err != nil {
		return nil, err
	}

	d.Kind = discount.Kind(kind)
	d.Type = discount.Type(typ)
	d.Target = discount.Target(target)
	d.ValueType = discount.ValueType(valueType)
	d.Code = deref(code)
	d.Value = value
	d.MaxUses = intFrom32(maxUses)
	d.UsesCount = int(usesCount)
	d.MaxUsesPerCustomer = intFrom32(maxPerCust)
	d.ExcludedProducts = discount.NewIDSet(excludedProducts...)
	d.ExcludedCategories = discount.NewIDSet(excludedCategories...)

	switch d.Kind {
	case discount.KindCoupon:
		d.Coupon = &discount.CouponTerms{
			CouponCode:     deref(couponCode),
			SingleUse:      singleUse,
			FirstOrderOnly: firstOrder,
			CustomerEmail:  deref(email),
		}
	case discount.KindBulk:
		d.Bulk = &discount.BulkTerms{ProductID: productID}
		if minimumQuantity != nil {
			d.Bulk.MinimumQuantity = int(*minimumQuantity)
		}
	case discount.KindPromotion:
		d.Promotion = &discount.PromotionTerms{
			AutoApply:  autoApply,
			BannerText: deref(bannerText),
			ImageURL:   deref(imageURL),
		}
	}
	return &d, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullInt32(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}

func intFrom32(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
