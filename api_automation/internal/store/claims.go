package store

import (
	"context"
	"fmt"
	"time"
)

// ClaimDispatch inserts key for window. It succeeds only when the key is absent
// or its previous claim has expired.
func (s *Store) ClaimDispatch(ctx context.Context, key string, window time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bosun.dispatch_claims (claim_key, claimed_at, expires_at)
		VALUES ($1, NOW(), NOW() + ($2 * INTERVAL '1 millisecond'))
		ON CONFLICT (claim_key) DO UPDATE SET
			claimed_at = EXCLUDED.claimed_at,
			expires_at = EXCLUDED.expires_at
		WHERE bosun.dispatch_claims.expires_at <= NOW()
	`, key, window.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("claim dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim dispatch rows: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseDispatch(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bosun.dispatch_claims WHERE claim_key = $1`, key); err != nil {
		return fmt.Errorf("release dispatch claim: %w", err)
	}
	return nil
}

// PurgeExpiredClaims deletes claims whose window has passed.
func (s *Store) PurgeExpiredClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bosun.dispatch_claims WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge dispatch claims: %w", err)
	}
	return res.RowsAffected()
}
