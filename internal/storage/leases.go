package storage

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes the named lease for owner when it is free, expired, or
// already held by owner. Returns false when another owner holds it.
func (db *DB) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO leases (lease_key, owner, expires_at, acquired_at)
		 VALUES ($1, $2, now() + $3 * interval '1 millisecond', now())
		 ON CONFLICT (lease_key) DO UPDATE
		 SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at, acquired_at = EXCLUDED.acquired_at
		 WHERE leases.expires_at < now() OR leases.owner = EXCLUDED.owner`,
		key, owner, ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (db *DB) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM leases WHERE lease_key = $1 AND owner = $2`, key, owner,
	); err != nil {
		return fmt.Errorf("storage: release lease: %w", err)
	}
	return nil
}
