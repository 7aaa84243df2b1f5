package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-discounts/internal/domain/pricing"
)

const (
	// The WHERE clause makes the limit check and the increment one atomic step.
	incrementDiscountUsesSQL = `UPDATE discounts
		SET uses_count = uses_count + 1, updated_at = now()
		WHERE id = $1 AND (max_uses IS NULL OR uses_count < max_uses)
		RETURNING uses_count`

	insertRedemptionSQL = `INSERT INTO discount_redemptions (id, discount_id, customer_id, amount, redeemed_at)
		VALUES ($1, $2, $3, $4, $5)`

	customerRedemptionsSQL = `SELECT discount_id, count(*) FROM discount_redemptions
		WHERE customer_id = $1 GROUP BY discount_id`
)

var _ pricing.UsageStore = (*UsageRepository)(nil)

// UsageRepository keeps usage counters on the discounts table and an
// append-only ledger of redemptions.
type UsageRepository struct {
	pool *pgxpool.Pool
}

// NewUsageRepository returns a UsageRepository that uses the given pool.
func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

// RedeemAll records the batch in one transaction. Each rule's counter is
// incremented only while below max_uses; rules already at the limit get no
// ledger row and are returned as exhausted. Any other failure rolls back the
// whole batch.
func (r *UsageRepository) RedeemAll(ctx context.Context, rs []pricing.Redemption) ([]int64, error) {
	if len(rs) == 0 {
		return nil, nil
	}
	// Lock rows in id order so concurrent batches cannot deadlock.
	ordered := slices.Clone(rs)
	slices.SortFunc(ordered, func(a, b pricing.Redemption) int {
		return cmp.Compare(a.DiscountID, b.DiscountID)
	})

	var exhausted []int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		exhausted = exhausted[:0]
		for _, red := range ordered {
			var uses int32
			if err := tx.QueryRow(ctx, incrementDiscountUsesSQL, red.DiscountID).Scan(&uses); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					exhausted = append(exhausted, red.DiscountID)
					continue
				}
				return fmt.Errorf("incrementing uses for discount %d: %w", red.DiscountID, err)
			}
			if _, err := tx.Exec(ctx, insertRedemptionSQL,
				red.ID, red.DiscountID, red.CustomerID, red.Amount, red.RedeemedAt,
			); err != nil {
				return fmt.Errorf("recording redemption of discount %d: %w", red.DiscountID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exhausted, nil
}

// CustomerRedemptions counts the ledger entries of customerID per rule.
func (r *UsageRepository) CustomerRedemptions(ctx context.Context, customerID int64) (map[int64]int, error) {
	rows, err := r.pool.Query(ctx, customerRedemptionsSQL, customerID)
	if err != nil {
		return nil, fmt.Errorf("counting redemptions of customer %d: %w", customerID, err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var (
			discountID int64
			n          int64
		)
		if err := rows.Scan(&discountID, &n); err != nil {
			return nil, fmt.Errorf("scanning redemption count: %w", err)
		}
		counts[discountID] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting redemptions of customer %d: %w", customerID, err)
	}
	return counts, nil
}
