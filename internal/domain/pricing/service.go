package pricing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-discounts/internal/domain/cart"
	"github.com/xenking/kart-discounts/internal/domain/customer"
	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/product"
)

// Messages returned by Validate.
const (
	MessageInvalidCode     = "Invalid coupon code"
	MessageInactive        = "Coupon is not active"
	MessageInvalidCustomer = "Invalid customer"
	MessageValid           = "Coupon is valid"
	MessageNotApplicable   = "Coupon is not applicable"
)

// Redemption records one use of a rule by a customer.
type Redemption struct {
	ID         uuid.UUID
	DiscountID int64
	CustomerID int64
	Amount     decimal.Decimal
	RedeemedAt time.Time
	// UsesCount and MaxUses are the rule's counters as seen during
	// evaluation. Stores keeping their own counter seed it from UsesCount.
	UsesCount int
	MaxUses   *int
}

// UsageStore records redemptions. RedeemAll records a batch as one atomic
// unit: redemptions whose rule already reached MaxUses are skipped and their
// rule ids returned, every other redemption is recorded. On error nothing is
// recorded.
type UsageStore interface {
	RedeemAll(ctx context.Context, rs []Redemption) (exhausted []int64, err error)
	CustomerRedemptions(ctx context.Context, customerID int64) (map[int64]int, error)
}

// CodeIndex is a probabilistic set of known coupon codes.
type CodeIndex interface {
	MayContain(code string) bool
}

// ValidateRequest asks whether a coupon code is usable by a customer.
type ValidateRequest struct {
	CouponCode string
	CustomerID int64
	// UserID selects the cart used for the preview. Optional.
	UserID *int64
}

// ValidateResponse is the outcome of Validate.
type ValidateResponse struct {
	Valid    bool
	Message  string
	Discount *discount.Discount
	Preview  *discount.Result
}

// ApplyRequest asks for the discounts of a customer's current cart.
type ApplyRequest struct {
	CustomerID  int64
	UserID      int64
	CouponCodes []string
	AutoApply   bool
}

// Options holds the optional collaborators of a Service.
type Options struct {
	// Codes short-circuits Validate for codes that certainly do not exist.
	Codes          CodeIndex
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Service exposes the discount operations to transports.
type Service struct {
	engine    *Engine
	discounts discount.Repository
	customers customer.Repository
	carts     cart.Repository
	products  product.Repository
	usage     UsageStore
	codes     CodeIndex

	now     func() time.Time
	tracer  trace.Tracer
	metrics *serviceMetrics
}

// NewService creates a Service with the required domain dependencies.
func NewService(
	engine *Engine,
	discounts discount.Repository,
	customers customer.Repository,
	carts cart.Repository,
	products product.Repository,
	usage UsageStore,
	opts Options,
) (*Service, error) {
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = metricnoop.NewMeterProvider()
	}
	m, err := newServiceMetrics(opts.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	return &Service{
		engine:    engine,
		discounts: discounts,
		customers: customers,
		carts:     carts,
		products:  products,
		usage:     usage,
		codes:     opts.Codes,
		now:       time.Now,
		tracer:    opts.TracerProvider.Tracer(instrumentationName),
		metrics:   m,
	}, nil
}

// Validate checks a single coupon code for a customer and previews its
// effect on the customer's cart when UserID is given. Rule failures are
// reported in the response; only infrastructure failures return an error.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.Validate")
	defer span.End()

	if s.codes != nil && !s.codes.MayContain(req.CouponCode) {
		return rejected(MessageInvalidCode), nil
	}

	rules, err := s.discounts.FindByCode(ctx, req.CouponCode)
	if err != nil {
		return nil, errors.Wrap(err, "find discount by code")
	}
	if len(rules) == 0 {
		return rejected(MessageInvalidCode), nil
	}
	rule := rules[0]
	if !rule.Active {
		return rejected(MessageInactive), nil
	}

	cust, err := s.customers.GetByID(ctx, req.CustomerID)
	if err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			return rejected(MessageInvalidCustomer), nil
		}
		return nil, errors.Wrap(err, "get customer")
	}

	oc := &discount.OrderContext{
		Customer:    cust,
		CouponCodes: []string{req.CouponCode},
		OrderTime:   s.now(),
	}
	if req.UserID != nil {
		c, err := s.carts.GetByUserID(ctx, *req.UserID)
		switch {
		case err == nil:
			if err := s.fillCart(ctx, oc, c); err != nil {
				return nil, err
			}
		case errors.Is(err, cart.ErrNotFound):
		default:
			return nil, errors.Wrap(err, "get cart")
		}
	}
	if err := s.loadRedemptions(ctx, oc); err != nil {
		return nil, err
	}

	if err := s.engine.Validator().Check(rule, oc); err != nil {
		zctx.From(ctx).Debug("Coupon not applicable",
			zap.String("code", req.CouponCode),
			zap.Int64("customer_id", req.CustomerID),
			zap.String("reason", err.Error()),
		)
		return rejected(MessageNotApplicable), nil
	}

	resp := &ValidateResponse{Valid: true, Message: MessageValid, Discount: rule}
	if preview, ok := discount.Calculate(rule, oc); ok {
		resp.Preview = &preview
	}
	return resp, nil
}

// Apply evaluates every active rule against the customer's cart, records a
// use of each redeemed rule and returns the charge breakdown.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*Summary, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.Apply", trace.WithAttributes(
		attribute.Int64("customer.id", req.CustomerID),
		attribute.Int64("user.id", req.UserID),
	))
	defer span.End()
	start := time.Now()

	summary, err := s.apply(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.recordApply(ctx, *summary, time.Since(start))
	return summary, nil
}

func (s *Service) apply(ctx context.Context, req ApplyRequest) (*Summary, error) {
	var (
		cust *customer.Customer
		c    *cart.Cart
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cust, err = s.customers.GetByID(gctx, req.CustomerID)
		if errors.Is(err, customer.ErrNotFound) {
			return ErrCustomerNotFound
		}
		if err != nil {
			return errors.Wrap(err, "get customer")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		c, err = s.carts.GetByUserID(gctx, req.UserID)
		if errors.Is(err, cart.ErrNotFound) {
			return ErrCartUnavailable
		}
		if err != nil {
			return errors.Wrap(err, "get cart")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCartUnavailable
	}
	if len(c.Items) == 0 {
		return nil, ErrCartEmpty
	}
	for _, it := range c.Items {
		if it.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: it.ProductID, Quantity: it.Quantity}
		}
	}

	oc := &discount.OrderContext{
		Customer:    cust,
		CouponCodes: req.CouponCodes,
		AutoApply:   req.AutoApply,
		OrderTime:   s.now(),
	}
	if err := s.fillCart(ctx, oc, c); err != nil {
		return nil, err
	}
	if err := s.loadRedemptions(ctx, oc); err != nil {
		return nil, err
	}

	results, err := s.engine.ApplyDiscounts(ctx, oc)
	if err != nil {
		return nil, err
	}
	applied, err := s.redeem(ctx, oc, results)
	if err != nil {
		return nil, err
	}

	summary := Summarize(oc, applied)
	zctx.From(ctx).Info("Discounts applied",
		zap.Int64("customer_id", req.CustomerID),
		zap.Int("applied", len(summary.Applied)),
		zap.String("total_discount", summary.TotalDiscount.StringFixed(2)),
		zap.String("grand_total", summary.GrandTotal.StringFixed(2)),
	)
	return &summary, nil
}

// Available lists every active rule. The list is not filtered by the
// customer's eligibility.
func (s *Service) Available(ctx context.Context, customerID int64) ([]*discount.Discount, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.Available")
	defer span.End()

	if _, err := s.customers.GetByID(ctx, customerID); err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, errors.Wrap(err, "get customer")
	}

	rules, err := s.discounts.FindActive(ctx, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "find active discounts")
	}
	return rules, nil
}

// redeem records a use for every redeemable result in one batch. Results
// whose rule ran out of uses since evaluation are dropped.
func (s *Service) redeem(ctx context.Context, oc *discount.OrderContext, results []discount.Result) ([]discount.Result, error) {
	var batch []Redemption
	for _, r := range results {
		if !r.Redeemable() {
			continue
		}
		batch = append(batch, Redemption{
			ID:         uuid.New(),
			DiscountID: r.Discount.ID,
			CustomerID: oc.Customer.ID,
			Amount:     r.Amount,
			RedeemedAt: oc.OrderTime,
			UsesCount:  r.Discount.UsesCount,
			MaxUses:    r.Discount.MaxUses,
		})
	}
	if len(batch) == 0 {
		return results, nil
	}

	exhausted, err := s.usage.RedeemAll(ctx, batch)
	if err != nil {
		return nil, errors.Wrapf(err, "redeem %d discounts", len(batch))
	}
	if len(exhausted) == 0 {
		return results, nil
	}

	dropped := make(map[int64]struct{}, len(exhausted))
	for _, id := range exhausted {
		dropped[id] = struct{}{}
	}
	kept := make([]discount.Result, 0, len(results))
	for _, r := range results {
		if !r.Redeemable() {
			kept = append(kept, r)
			continue
		}
		if _, ok := dropped[r.Discount.ID]; ok {
			zctx.From(ctx).Warn("Discount exhausted during redemption",
				zap.Int64("discount_id", r.Discount.ID),
				zap.Int64("customer_id", oc.Customer.ID),
			)
			s.metrics.recordRejected(ctx, r.Discount)
			continue
		}
		kept = append(kept, r)
	}
	return kept, nil
}

// fillCart copies the cart lines and totals into oc, resolving missing
// categories through the product catalog.
func (s *Service) fillCart(ctx context.Context, oc *discount.OrderContext, c *cart.Cart) error {
	items := make([]discount.Item, len(c.Items))
	var unresolved []int64
	for i, it := range c.Items {
		items[i] = discount.Item{
			ProductID:  it.ProductID,
			Name:       it.Name,
			UnitPrice:  it.Price,
			Quantity:   it.Quantity,
			CategoryID: it.CategoryID,
		}
		if it.CategoryID == nil {
			unresolved = append(unresolved, it.ProductID)
		}
	}

	if len(unresolved) > 0 && s.products != nil {
		products, err := s.products.GetByIDs(ctx, unresolved)
		if err != nil {
			return errors.Wrap(err, "resolve product categories")
		}
		categories := make(map[int64]*int64, len(products))
		for _, p := range products {
			categories[p.ID] = p.CategoryID
		}
		for i := range items {
			if items[i].CategoryID == nil {
				items[i].CategoryID = categories[items[i].ProductID]
			}
		}
	}

	oc.Items = items
	oc.Subtotal = decimal.NewNullDecimal(c.Subtotal())
	oc.ShippingCost = c.ShippingCost
	oc.TaxAmount = c.TaxAmount
	return nil
}

func (s *Service) loadRedemptions(ctx context.Context, oc *discount.OrderContext) error {
	if !s.engine.Validator().Policy().EnforcePerCustomerLimit || oc.Customer == nil {
		return nil
	}
	counts, err := s.usage.CustomerRedemptions(ctx, oc.Customer.ID)
	if err != nil {
		return errors.Wrap(err, "load customer redemptions")
	}
	oc.Redemptions = counts
	return nil
}

func rejected(message string) *ValidateResponse {
	return &ValidateResponse{Valid: false, Message: message}
}
