// Package cache holds the per-query result cache and the per-account search
// rate limiter, both layered on a kv.Store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/company-search/internal/kv"
)

const resultKeyPrefix = "search:results:"

// DefaultResultTTL is how long a query's result list is reused.
const DefaultResultTTL = 24 * time.Hour

var folder = cases.Fold()

// NormalizeQuery canonicalises a query so trivially different spellings share
// a cache entry: NFKC, case folded, whitespace collapsed.
func NormalizeQuery(q string) string {
	q = norm.NFKC.String(q)
	q = folder.String(q)
	return strings.Join(strings.Fields(q), " ")
}

// ResultKey returns the kv key for a query.
func ResultKey(query string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return resultKeyPrefix + hex.EncodeToString(sum[:])
}

// ResultCache stores the ordered company IDs found for a normalized query.
type ResultCache struct {
	store kv.Store
	ttl   time.Duration
}

// NewResultCache creates a ResultCache. ttl <= 0 uses DefaultResultTTL.
func NewResultCache(store kv.Store, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultCache{store: store, ttl: ttl}
}

// Get returns the cached IDs for query. A corrupt entry is removed and
// reported as a miss.
func (c *ResultCache) Get(ctx context.Context, query string) ([]int64, bool, error) {
	key := ResultKey(query)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, eris.Wrap(err, "cache: get results")
	}
	if !ok {
		return nil, false, nil
	}

	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		zap.L().Warn("cache: dropping corrupt result entry",
			zap.String("key", key),
			zap.Error(err),
		)
		if delErr := c.store.Delete(ctx, key); delErr != nil {
			return nil, false, eris.Wrap(delErr, "cache: delete corrupt results")
		}
		return nil, false, nil
	}
	return ids, true, nil
}

// Put stores ids for query, replacing any previous list.
func (c *ResultCache) Put(ctx context.Context, query string, ids []int64) error {
	if ids == nil {
		ids = []int64{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return eris.Wrap(err, "cache: marshal results")
	}
	return eris.Wrap(c.store.Set(ctx, ResultKey(query), raw, c.ttl), "cache: put results")
}
