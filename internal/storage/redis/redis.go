// Package redis keeps discount usage counters in Redis for deployments where
// redemption throughput outgrows row locks on the discounts table.
package redis

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "kart"

// Options configures the client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", opts.Addr)
	}
	return client, nil
}

type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return keys{prefix: prefix}
}

// Keys share the {prefix} hash tag so a redemption script touching several
// of them stays in one cluster slot.
func (k keys) uses(discountID int64) string {
	return "{" + k.prefix + "}:discount:" + strconv.FormatInt(discountID, 10) + ":uses"
}

func (k keys) customer(customerID int64) string {
	return "{" + k.prefix + "}:customer:" + strconv.FormatInt(customerID, 10) + ":redemptions"
}
