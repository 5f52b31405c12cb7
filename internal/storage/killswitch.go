package storage

import (
	"context"
	"fmt"
)

// KillSwitchActive reports whether any of the given scopes is switched on.
func (db *DB) KillSwitchActive(ctx context.Context, scopes []string) (bool, error) {
	var active bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM kill_switches WHERE scope = ANY($1) AND active)`,
		scopes,
	).Scan(&active); err != nil {
		return false, fmt.Errorf("storage: kill switch lookup: %w", err)
	}
	return active, nil
}

// SetKillSwitch turns a scope on or off.
func (db *DB) SetKillSwitch(ctx context.Context, scope string, active bool, reason string) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO kill_switches (scope, active, reason, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (scope) DO UPDATE
		 SET active = EXCLUDED.active, reason = EXCLUDED.reason, updated_at = now()`,
		scope, active, reason,
	); err != nil {
		return fmt.Errorf("storage: set kill switch: %w", err)
	}
	return nil
}
