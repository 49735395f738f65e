package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	dbpkg "github.com/BrandonDHaskell/campusgate/server/internal/db"
)

type HeartbeatStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewHeartbeatStore(db *sql.DB, writer *dbpkg.Worker) *HeartbeatStore {
	return &HeartbeatStore{db: db, writer: writer}
}

func (s *HeartbeatStore) UpsertHeartbeat(ctx context.Context, deviceID string, rec store.HeartbeatRecord) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	recvMs := rec.ReceivedAt.UTC().UnixMilli()

	fw := strings.TrimSpace(rec.Request.FirmwareVersion)
	ip := strings.TrimSpace(rec.Request.IP)
	bundleID := strings.TrimSpace(rec.Request.BundleID)

	var uptimeMs any
	if rec.Request.UptimeSeconds != 0 {
		uptimeMs = int64(rec.Request.UptimeSeconds) * 1000
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureScanner(ctx, tx, deviceID, recvMs); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO scanner_heartbeats(
  device_id, received_at_ms, uptime_ms, fw_version, bundle_id, queued_events, ip
) VALUES (?, ?, ?, ?, ?, ?, ?);
`, deviceID, recvMs, uptimeMs, fw, bundleID, rec.Request.QueuedEvents, ip); err != nil {
			return fmt.Errorf("UpsertHeartbeat insert heartbeat: %w", err)
		}

		// Snapshot columns answer "what is this scanner doing now".
		if _, err := tx.ExecContext(ctx, `
UPDATE scanners
SET last_seen_at_ms = ?,
    last_ip = ?,
    last_fw_version = ?,
    last_bundle_id = ?,
    updated_at_ms = ?
WHERE device_id = ?;
`, recvMs, ip, fw, bundleID, recvMs, deviceID); err != nil {
			return fmt.Errorf("UpsertHeartbeat update scanner snapshot: %w", err)
		}

		return nil
	})
}

// PruneOlderThan deletes heartbeat rows received before cutoff and returns
// the number deleted.
func (s *HeartbeatStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM scanner_heartbeats
WHERE received_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
