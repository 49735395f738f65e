package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ensureScanner guarantees a scanners row exists for deviceID so that
// foreign keys from heartbeats are satisfied.
//
// New rows start disabled and uncommissioned. Only PutScanner or the dev
// seeder makes a device known.
//
// Must be called inside an existing transaction.
func ensureScanner(ctx context.Context, tx *sql.Tx, deviceID string, nowMs int64) error {
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO scanners(
  device_id, enabled, created_at_ms, updated_at_ms
) VALUES (?, 0, ?, ?);
`, deviceID, nowMs, nowMs); err != nil {
		return fmt.Errorf("ensureScanner %s: %w", deviceID, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
