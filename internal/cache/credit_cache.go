package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// balanceTTL bounds how long a cached balance may outlive the account row
// without a mutation. Mutations invalidate synchronously, so readers only
// rely on the TTL when an invalidation is lost (e.g. redis restart).
const balanceTTL = 60 * time.Second

const balanceKeyPrefix = "credit:balance:"

// BalanceReader supplies authoritative balances on cache miss.
type BalanceReader interface {
	BalanceMicros(ctx context.Context, accountKey string) (int64, error)
}

// CreditCache is a read-through balance cache over redis. The ledger is the
// source of truth: redis failures degrade reads to the store and never block
// writes.
type CreditCache struct {
	rdb    *redis.Client
	source BalanceReader
	ttl    time.Duration
}

// New constructs a CreditCache. A nil client disables caching; every read
// goes straight to the source.
func New(rdb *redis.Client, source BalanceReader) *CreditCache {
	return &CreditCache{rdb: rdb, source: source, ttl: balanceTTL}
}

// Balance returns the account balance, serving from redis when possible and
// populating the cache on miss.
func (c *CreditCache) Balance(ctx context.Context, accountKey string) (int64, error) {
	if c.rdb == nil {
		return c.source.BalanceMicros(ctx, accountKey)
	}

	key := balanceKeyPrefix + accountKey
	cached, errGet := c.rdb.Get(ctx, key).Result()
	if errGet == nil {
		if value, errParse := strconv.ParseInt(cached, 10, 64); errParse == nil {
			return value, nil
		}
		// Unparseable entry: drop it and fall through to the source.
		_ = c.rdb.Del(ctx, key).Err()
	} else if errGet != redis.Nil {
		log.WithError(errGet).Warn("cache: redis read failed, serving from store")
		return c.source.BalanceMicros(ctx, accountKey)
	}

	value, errSource := c.source.BalanceMicros(ctx, accountKey)
	if errSource != nil {
		return 0, errSource
	}

	if errSet := c.rdb.Set(ctx, key, strconv.FormatInt(value, 10), c.ttl).Err(); errSet != nil {
		log.WithError(errSet).Warn("cache: redis populate failed")
	}
	return value, nil
}

// Invalidate removes the cached balance after a successful mutation. Called
// synchronously so no reader observes a balance stale beyond the gap between
// commit and invalidation.
func (c *CreditCache) Invalidate(ctx context.Context, accountKey string) {
	if c == nil || c.rdb == nil {
		return
	}
	if errDel := c.rdb.Del(ctx, balanceKeyPrefix+accountKey).Err(); errDel != nil {
		log.WithError(errDel).WithField("account", accountKey).
			Warn("cache: invalidate failed")
	}
}
