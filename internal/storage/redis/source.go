package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-discounts/internal/domain/discount"
)

var _ discount.Repository = (*CountingSource)(nil)

type counters interface {
	Uses(ctx context.Context, discountIDs []int64) (map[int64]int, error)
}

// CountingSource overlays the Redis usage counters on every rule read from
// the underlying repository, so usage limits are checked against live
// counts. Writes go straight to the underlying repository.
type CountingSource struct {
	next   discount.Repository
	counts counters
}

// NewCountingSource wraps next.
func NewCountingSource(next discount.Repository, store *UsageStore) *CountingSource {
	return &CountingSource{next: next, counts: store}
}

// FindActive returns copies of the active rules with UsesCount raised to the
// Redis counter where that is higher.
func (s *CountingSource) FindActive(ctx context.Context, now time.Time) ([]*discount.Discount, error) {
	rules, err := s.next.FindActive(ctx, now)
	if err != nil {
		return nil, err
	}
	return s.overlayAll(ctx, rules)
}

func (s *CountingSource) FindByCode(ctx context.Context, code string) ([]*discount.Discount, error) {
	rules, err := s.next.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.overlayAll(ctx, rules)
}

func (s *CountingSource) FindActiveByCode(ctx context.Context, code string, now time.Time) (*discount.Discount, error) {
	rule, err := s.next.FindActiveByCode(ctx, code, now)
	if err != nil {
		return nil, err
	}
	rules, err := s.overlayAll(ctx, []*discount.Discount{rule})
	if err != nil {
		return nil, err
	}
	return rules[0], nil
}

func (s *CountingSource) FindByTarget(ctx context.Context, target discount.Target) ([]*discount.Discount, error) {
	rules, err := s.next.FindByTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	return s.overlayAll(ctx, rules)
}

func (s *CountingSource) Save(ctx context.Context, d *discount.Discount) (int64, error) {
	return s.next.Save(ctx, d)
}

func (s *CountingSource) overlayAll(ctx context.Context, rules []*discount.Discount) ([]*discount.Discount, error) {
	if len(rules) == 0 {
		return rules, nil
	}
	ids := make([]int64, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	uses, err := s.counts.Uses(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "overlay usage counters")
	}
	return overlay(rules, uses), nil
}

func overlay(rules []*discount.Discount, uses map[int64]int) []*discount.Discount {
	out := make([]*discount.Discount, len(rules))
	for i, r := range rules {
		n, ok := uses[r.ID]
		if !ok || n <= r.UsesCount {
			out[i] = r
			continue
		}
		cp := *r
		cp.UsesCount = n
		out[i] = &cp
	}
	return out
}
