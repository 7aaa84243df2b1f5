package redis

import (
	"context"
	"strconv"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/kart-discounts/internal/domain/pricing"
)

// redeemScript seeds each counter from the stored count on first use, then
// checks every limit before writing anything. Counters below their limit are
// incremented together with the customer's per-rule count. A negative limit
// means unlimited. Returns the ids of the rules at their limit.
//
// KEYS[1] customer hash, KEYS[2..] uses counters.
// ARGV holds a seed, limit and discount id triple per counter.
var redeemScript = goredis.NewScript(`
local exhausted = {}
local ready = {}
for i = 2, #KEYS do
	local base = (i - 2) * 3
	redis.call("SETNX", KEYS[i], ARGV[base + 1])
	local current = tonumber(redis.call("GET", KEYS[i]))
	local limit = tonumber(ARGV[base + 2])
	if limit >= 0 and current >= limit then
		table.insert(exhausted, ARGV[base + 3])
	else
		table.insert(ready, i)
	end
end
for _, i in ipairs(ready) do
	redis.call("INCR", KEYS[i])
	redis.call("HINCRBY", KEYS[1], ARGV[(i - 2) * 3 + 3], 1)
end
return exhausted
`)

var _ pricing.UsageStore = (*UsageStore)(nil)

// UsageStore implements pricing.UsageStore on Redis counters.
type UsageStore struct {
	client goredis.UniversalClient
	keys   keys
}

// NewUsageStore returns a UsageStore writing keys under prefix.
func NewUsageStore(client goredis.UniversalClient, prefix string) *UsageStore {
	return &UsageStore{client: client, keys: newKeys(prefix)}
}

// RedeemAll runs the whole batch in one script call. Every redemption in a
// batch must belong to the same customer.
func (s *UsageStore) RedeemAll(ctx context.Context, rs []pricing.Redemption) ([]int64, error) {
	if len(rs) == 0 {
		return nil, nil
	}
	customerID := rs[0].CustomerID
	ks := make([]string, 0, len(rs)+1)
	args := make([]any, 0, len(rs)*3)
	ks = append(ks, s.keys.customer(customerID))
	for _, r := range rs {
		if r.CustomerID != customerID {
			return nil, errors.Errorf("redemption batch mixes customers %d and %d", customerID, r.CustomerID)
		}
		limit := -1
		if r.MaxUses != nil {
			limit = *r.MaxUses
		}
		ks = append(ks, s.keys.uses(r.DiscountID))
		args = append(args, r.UsesCount, limit, r.DiscountID)
	}

	raw, err := redeemScript.Run(ctx, s.client, ks, args...).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, errors.Wrapf(err, "redeem %d discounts", len(rs))
	}
	if len(raw) == 0 {
		return nil, nil
	}
	exhausted := make([]int64, len(raw))
	for i, v := range raw {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse exhausted discount id %q", v)
		}
		exhausted[i] = id
	}
	return exhausted, nil
}

// CustomerRedemptions returns the customer's redemption count per rule id.
func (s *UsageStore) CustomerRedemptions(ctx context.Context, customerID int64) (map[int64]int, error) {
	raw, err := s.client.HGetAll(ctx, s.keys.customer(customerID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get redemptions of customer %d", customerID)
	}
	return parseCounts(raw)
}

// Uses returns the current counters of the given rules. Rules without a
// counter are absent from the result.
func (s *UsageStore) Uses(ctx context.Context, discountIDs []int64) (map[int64]int, error) {
	if len(discountIDs) == 0 {
		return map[int64]int{}, nil
	}
	ks := make([]string, len(discountIDs))
	for i, id := range discountIDs {
		ks[i] = s.keys.uses(id)
	}
	vals, err := s.client.MGet(ctx, ks...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get usage counters")
	}
	out := make(map[int64]int, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			return nil, errors.Wrapf(err, "parse counter of discount %d", discountIDs[i])
		}
		out[discountIDs[i]] = n
	}
	return out, nil
}

func parseCounts(raw map[string]string) (map[int64]int, error) {
	out := make(map[int64]int, len(raw))
	for field, value := range raw {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse discount id %q", field)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, errors.Wrapf(err, "parse count of discount %d", id)
		}
		out[id] = n
	}
	return out, nil
}
