package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// ValueStore lays calculation values out in a backend: one namespace per
// view, cycle and calculation configuration. Shared writes go to the
// shared backend; private writes stay in the node-local cache and are only
// visible to jobs executing on the same node.
type ValueStore struct {
	shared  Cache
	private Cache
	ttl     time.Duration
}

// NewValueStore builds a store. private may be nil, in which case private
// writes go to the shared backend. ttl bounds how long values of a cycle
// survive when the cycle is never released; zero keeps them until then.
func NewValueStore(shared, private Cache, ttl time.Duration) *ValueStore {
	if private == nil {
		private = shared
	}
	return &ValueStore{shared: shared, private: private, ttl: ttl}
}

func cyclePrefix(view string, cycle int64) string {
	return fmt.Sprintf("%s/%d/", view, cycle)
}

// Cache returns the view of the store for the cycle and configuration
// of spec.
func (s *ValueStore) Cache(spec domain.JobSpecification) *ViewCache {
	return &ViewCache{
		store:  s,
		prefix: cyclePrefix(spec.ViewName, spec.CycleID) + spec.CalcConfig + "/",
	}
}

// ReleaseCycle drops every value of a finished cycle from both backends.
func (s *ValueStore) ReleaseCycle(ctx context.Context, view string, cycle int64) (int, error) {
	prefix := cyclePrefix(view, cycle)
	n, err := s.shared.DeletePrefix(ctx, prefix)
	if err != nil {
		return n, fmt.Errorf("release shared values: %w", err)
	}
	if s.private != s.shared {
		m, err := s.private.DeletePrefix(ctx, prefix)
		n += m
		if err != nil {
			return n, fmt.Errorf("release private values: %w", err)
		}
	}
	return n, nil
}

// Shared returns the backend shared by every host.
func (s *ValueStore) Shared() Cache { return s.shared }

// Private returns the node-local backend, the shared one when the store
// has none.
func (s *ValueStore) Private() Cache { return s.private }

// Ping checks the shared backend.
func (s *ValueStore) Ping(ctx context.Context) error {
	return s.shared.Ping(ctx)
}

// ViewCache is the value cache of one cycle and calculation configuration.
type ViewCache struct {
	store  *ValueStore
	prefix string
}

func (c *ViewCache) key(id domain.ValueID) string {
	return c.prefix + string(id)
}

// Get reads private values first, then shared ones. It returns
// ErrNotFound when neither has the value.
func (c *ViewCache) Get(ctx context.Context, id domain.ValueID) ([]byte, error) {
	key := c.key(id)
	if c.store.private != c.store.shared {
		v, err := c.store.private.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return c.store.shared.Get(ctx, key)
}

// Put writes value under the given policy.
func (c *ViewCache) Put(ctx context.Context, id domain.ValueID, value []byte, policy domain.CachePolicy) error {
	target := c.store.shared
	if policy == domain.CachePrivate {
		target = c.store.private
	}
	return target.Set(ctx, c.key(id), value, c.store.ttl)
}
