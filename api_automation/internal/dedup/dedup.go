// Package dedup holds short-lived claims that make each (event, route)
// delivery happen at most once inside a window.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"quickrevert/pkg/logging"
)

// ErrUnavailable wraps claim store failures. The pipeline does not dispatch
// when a claim cannot be taken.
var ErrUnavailable = errors.New("dedup store unavailable")

const (
	ScopeUnresolved = "unresolved"
	ScopeNoRoute    = "noroute"
)

// Claimer takes and releases claims. Claim returns false when the key is
// already held.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Key scopes an event key to one route or to a pre-route outcome.
func Key(eventKey, scope string) string {
	return eventKey + ":" + scope
}

type RedisClaimer struct {
	client goredis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisClaimer(client goredis.UniversalClient, prefix string, window time.Duration) *RedisClaimer {
	return &RedisClaimer{client: client, prefix: prefix, window: window}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, 1, c.window).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

type ClaimStore interface {
	ClaimDispatch(ctx context.Context, key string, window time.Duration) (bool, error)
	ReleaseDispatch(ctx context.Context, key string) error
	PurgeExpiredClaims(ctx context.Context) (int64, error)
}

// PostgresClaimer keeps claims in the shared database when no Redis is
// configured.
type PostgresClaimer struct {
	store  ClaimStore
	window time.Duration
	logger logging.Logger
}

func NewPostgresClaimer(store ClaimStore, window time.Duration, logger logging.Logger) *PostgresClaimer {
	return &PostgresClaimer{store: store, window: window, logger: logger}
}

func (c *PostgresClaimer) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := c.store.ClaimDispatch(ctx, key, c.window)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

func (c *PostgresClaimer) Release(ctx context.Context, key string) error {
	if err := c.store.ReleaseDispatch(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RunJanitor purges expired claims every interval until ctx is done.
func (c *PostgresClaimer) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.store.PurgeExpiredClaims(ctx)
			if err != nil {
				c.logger.WithError(err).Warn("Failed to purge expired dispatch claims")
				continue
			}
			if n > 0 {
				c.logger.WithField("purged", n).Debug("Purged expired dispatch claims")
			}
		}
	}
}

// Observed reports every claim attempt as "claimed", "duplicate" or "error".
type Observed struct {
	Claimer
	observe func(result string)
}

func WithObserver(c Claimer, observe func(result string)) *Observed {
	return &Observed{Claimer: c, observe: observe}
}

func (o *Observed) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := o.Claimer.Claim(ctx, key)
	switch {
	case err != nil:
		o.observe("error")
	case ok:
		o.observe("claimed")
	default:
		o.observe("duplicate")
	}
	return ok, err
}
