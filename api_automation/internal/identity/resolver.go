// Package identity maps webhook-reported account ids onto internal accounts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quickrevert/api_automation/internal/store"
	"quickrevert/pkg/cache"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountStore interface {
	GetActiveAccountByExternalID(ctx context.Context, externalID string) (*store.Account, error)
}

// Resolver resolves by exact external id only. A mismatch between the id a
// webhook reports and the stored one is left to operators to reconcile.
type Resolver struct {
	accounts AccountStore
	cache    *cache.Cache[*store.Account]
}

// NewResolver reads the store on every call when ttl is 0, so a repaired or
// revoked external id applies to the very next event. A positive ttl opts into
// caching hits in process; misses are never cached.
func NewResolver(accounts AccountStore, ttl time.Duration, hooks cache.MetricsHooks) *Resolver {
	r := &Resolver{accounts: accounts}
	if ttl > 0 {
		r.cache = cache.New[*store.Account](cache.Options{
			Name:       "accounts",
			TTL:        ttl,
			MaxEntries: 10000,
		}, hooks)
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, externalID string) (*store.Account, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: empty external id", ErrAccountNotFound)
	}
	if r.cache == nil {
		return r.load(ctx, externalID)
	}

	acc, ok, err := r.cache.Get(ctx, externalID, func(ctx context.Context, key string) (*store.Account, bool, error) {
		acc, err := r.load(ctx, key)
		if err != nil {
			return nil, false, err
		}
		return acc, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, externalID)
	}
	return acc, nil
}

func (r *Resolver) load(ctx context.Context, externalID string) (*store.Account, error) {
	acc, err := r.accounts.GetActiveAccountByExternalID(ctx, externalID)
	switch {
	case err == nil:
		return acc, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, externalID)
	case errors.Is(err, store.ErrAmbiguous):
		return nil, fmt.Errorf("%w: %w", ErrAccountNotFound, err)
	default:
		return nil, fmt.Errorf("resolve account %s: %w", externalID, err)
	}
}
