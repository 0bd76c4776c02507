package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// Blacklist suppresses job items whose function failed recently. Nodes
// query it before running an item and report every item whose function
// threw.
type Blacklist interface {
	Blacklisted(ctx context.Context, item domain.JobItem) bool
	Failed(ctx context.Context, item domain.JobItem)
}

// BlacklistScope selects what a failure blacklists.
type BlacklistScope string

const (
	// BlacklistFunction suppresses the function on every target.
	BlacklistFunction BlacklistScope = "function"
	// BlacklistTarget suppresses the function on the failing target only.
	BlacklistTarget BlacklistScope = "target"
)

// IsValid reports whether s is a known scope.
func (s BlacklistScope) IsValid() bool {
	return s == BlacklistFunction || s == BlacklistTarget
}

const blacklistPrefix = "quasar:blacklist:"

// CacheBlacklist keeps blacklist entries in a cache, each expiring after
// its TTL. Over an in-memory cache it covers the nodes of one process;
// over the shared backend a failure on one host suppresses the item on
// every host using it.
type CacheBlacklist struct {
	c     cache.Cache
	scope BlacklistScope
	ttl   time.Duration
}

var _ Blacklist = (*CacheBlacklist)(nil)

// NewCacheBlacklist creates a blacklist in c. An unknown scope selects
// BlacklistFunction; ttl must be positive so entries lapse.
func NewCacheBlacklist(c cache.Cache, scope BlacklistScope, ttl time.Duration) (*CacheBlacklist, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("blacklist ttl must be positive, got %s", ttl)
	}
	if !scope.IsValid() {
		scope = BlacklistFunction
	}
	return &CacheBlacklist{c: c, scope: scope, ttl: ttl}, nil
}

func (b *CacheBlacklist) key(item domain.JobItem) string {
	if b.scope == BlacklistTarget {
		return blacklistPrefix + item.FunctionID + "@" + item.TargetID
	}
	return blacklistPrefix + item.FunctionID
}

// Blacklisted reports whether item is suppressed. A cache error counts as
// not blacklisted.
func (b *CacheBlacklist) Blacklisted(ctx context.Context, item domain.JobItem) bool {
	ok, err := b.c.Exists(ctx, b.key(item))
	if err != nil {
		logging.Op().Warn("blacklist lookup failed", "function", item.FunctionID, "error", err)
		return false
	}
	return ok
}

// Failed blacklists item for the TTL.
func (b *CacheBlacklist) Failed(ctx context.Context, item domain.JobItem) {
	if err := b.c.Set(ctx, b.key(item), []byte(item.TargetID), b.ttl); err != nil {
		logging.Op().Warn("blacklist update failed", "function", item.FunctionID, "error", err)
		return
	}
	logging.Op().Info("function blacklisted",
		"function", item.FunctionID,
		"target", item.TargetID,
		"scope", string(b.scope),
		"ttl", b.ttl)
}
