package pricing

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-discounts/internal/domain/discount"
)

// StackingPolicy selects how non-exclusive rules combine when no exclusive
// rule applied.
type StackingPolicy string

const (
	// StackAll applies every applicable rule regardless of its stackable flag.
	StackAll StackingPolicy = "all"
	// StackFirstThenStackable applies the first applicable rule in evaluation
	// order and then only stackable ones.
	StackFirstThenStackable StackingPolicy = "first_then_stackable"
	// StackStackableOnly combines stackable rules. When none of them yields a
	// result the single largest non-stackable rule is applied instead.
	StackStackableOnly StackingPolicy = "stackable_only"
)

// ParseStackingPolicy converts a configuration value into a policy.
func ParseStackingPolicy(s string) (StackingPolicy, error) {
	switch p := StackingPolicy(s); p {
	case StackAll, StackFirstThenStackable, StackStackableOnly:
		return p, nil
	case "":
		return StackAll, nil
	default:
		return "", errors.Errorf("unknown stacking policy %q", s)
	}
}

// Source provides the candidate rules for an evaluation.
type Source interface {
	FindActive(ctx context.Context, now time.Time) ([]*discount.Discount, error)
}

// EngineOptions tunes rule selection.
type EngineOptions struct {
	Stacking StackingPolicy
	// RequireCouponCode limits coupons to the codes present in the order and
	// other rules to orders that asked for automatic application.
	RequireCouponCode bool
}

// Engine selects and computes the discounts for an order.
type Engine struct {
	source    Source
	validator *discount.Validator
	opts      EngineOptions
}

// NewEngine creates an Engine reading candidate rules from source.
func NewEngine(source Source, validator *discount.Validator, opts EngineOptions) *Engine {
	if opts.Stacking == "" {
		opts.Stacking = StackAll
	}
	return &Engine{source: source, validator: validator, opts: opts}
}

// Validator returns the validator used for filtering.
func (e *Engine) Validator() *discount.Validator {
	return e.validator
}

// ValidateDiscount reports whether d applies to oc.
func (e *Engine) ValidateDiscount(d *discount.Discount, oc *discount.OrderContext) bool {
	return e.validator.IsValid(d, oc)
}

// ApplyDiscounts evaluates all active rules against oc and returns the
// results of the rules selected for application.
func (e *Engine) ApplyDiscounts(ctx context.Context, oc *discount.OrderContext) ([]discount.Result, error) {
	rules, err := e.source.FindActive(ctx, oc.OrderTime)
	if err != nil {
		return nil, errors.Wrap(err, "fetch active discounts")
	}

	lg := zctx.From(ctx)
	applicable := make([]*discount.Discount, 0, len(rules))
	for _, r := range rules {
		if !e.candidate(r, oc) {
			continue
		}
		if err := e.validator.Check(r, oc); err != nil {
			lg.Debug("Discount not applicable",
				zap.Int64("discount_id", r.ID),
				zap.String("reason", err.Error()),
			)
			continue
		}
		applicable = append(applicable, r)
	}
	sortForEvaluation(applicable)

	var results []discount.Result
	for _, r := range applicable {
		if !r.Exclusive {
			continue
		}
		if res, ok := discount.Calculate(r, oc); ok {
			results = append(results, res)
		}
	}
	if len(results) > 0 {
		return results, nil
	}

	return e.stack(applicable, oc), nil
}

func (e *Engine) candidate(r *discount.Discount, oc *discount.OrderContext) bool {
	if !e.opts.RequireCouponCode {
		return true
	}
	if r.Kind == discount.KindCoupon {
		return oc.HasCode(r.RedeemCode()) || oc.HasCode(r.Code)
	}
	return oc.AutoApply
}

func (e *Engine) stack(applicable []*discount.Discount, oc *discount.OrderContext) []discount.Result {
	var results []discount.Result
	switch e.opts.Stacking {
	case StackFirstThenStackable:
		for _, r := range applicable {
			if !r.Stackable && len(results) > 0 {
				continue
			}
			if res, ok := discount.Calculate(r, oc); ok {
				results = append(results, res)
			}
		}
	case StackStackableOnly:
		var best *discount.Result
		for _, r := range applicable {
			res, ok := discount.Calculate(r, oc)
			if !ok {
				continue
			}
			if r.Stackable {
				results = append(results, res)
				continue
			}
			if best == nil || res.Amount.GreaterThan(best.Amount) {
				best = &res
			}
		}
		if len(results) == 0 && best != nil {
			results = append(results, *best)
		}
	default:
		for _, r := range applicable {
			if res, ok := discount.Calculate(r, oc); ok {
				results = append(results, res)
			}
		}
	}
	return results
}

// sortForEvaluation orders exclusive rules first, then by ascending value
// with valueless rules last. The sort is stable.
func sortForEvaluation(rules []*discount.Discount) {
	slices.SortStableFunc(rules, func(a, b *discount.Discount) int {
		if a.Exclusive != b.Exclusive {
			if a.Exclusive {
				return -1
			}
			return 1
		}
		switch {
		case a.Value.Valid && b.Value.Valid:
			return a.Value.Decimal.Cmp(b.Value.Decimal)
		case a.Value.Valid:
			return -1
		case b.Value.Valid:
			return 1
		}
		return 0
	})
}
