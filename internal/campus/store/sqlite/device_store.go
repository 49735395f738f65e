package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	dbpkg "github.com/BrandonDHaskell/campusgate/server/internal/db"
)

type DeviceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDeviceStore(db *sql.DB, writer *dbpkg.Worker) *DeviceStore {
	return &DeviceStore{db: db, writer: writer}
}

// IsKnown treats "known" as commissioned, enabled and not revoked.
func (s *DeviceStore) IsKnown(ctx context.Context, deviceID string) (bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false, nil
	}

	var enabled int
	var commissioned sql.NullInt64
	var revoked sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
SELECT enabled, commissioned_at_ms, revoked_at_ms
FROM scanners
WHERE device_id = ?;
`, deviceID).Scan(&enabled, &commissioned, &revoked)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}

	return enabled == 1 && commissioned.Valid && !revoked.Valid, nil
}

// MarkSeen makes sure a scanners row exists, even for unknown devices, and
// updates last_seen.
func (s *DeviceStore) MarkSeen(ctx context.Context, deviceID string, _ bool, t time.Time) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureScanner(ctx, tx, deviceID, ms); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE scanners
SET last_seen_at_ms = ?,
    updated_at_ms   = ?
WHERE device_id = ?;
`, ms, ms, deviceID); err != nil {
			return fmt.Errorf("MarkSeen update scanner: %w", err)
		}
		return nil
	})
}

func (s *DeviceStore) Scanner(ctx context.Context, deviceID string) (types.Scanner, error) {
	deviceID = strings.TrimSpace(deviceID)

	var (
		sc                    types.Scanner
		enabled               int
		commissioned, revoked sql.NullInt64
		lastSeen              sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT device_id, enabled, commissioned_at_ms, revoked_at_ms, age_recipient, last_seen_at_ms
FROM scanners
WHERE device_id = ?;
`, deviceID).Scan(&sc.DeviceID, &enabled, &commissioned, &revoked, &sc.AgeRecipient, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Scanner{}, store.ErrNotFound
	}
	if err != nil {
		return types.Scanner{}, fmt.Errorf("Scanner query: %w", err)
	}
	sc.Known = enabled == 1 && commissioned.Valid && !revoked.Valid
	if lastSeen.Valid {
		sc.LastSeen = time.UnixMilli(lastSeen.Int64).UTC()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT facility_id FROM scanner_facilities WHERE device_id = ? ORDER BY facility_id;
`, deviceID)
	if err != nil {
		return types.Scanner{}, fmt.Errorf("Scanner scope query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return types.Scanner{}, fmt.Errorf("Scanner scope scan: %w", err)
		}
		sc.FacilityScope = append(sc.FacilityScope, fid)
	}
	return sc, rows.Err()
}

// PutScanner commissions a device with the given scope. Facilities in the
// scope must already exist.
func (s *DeviceStore) PutScanner(ctx context.Context, sc types.Scanner, now time.Time) error {
	id := strings.TrimSpace(sc.DeviceID)
	if id == "" {
		return fmt.Errorf("PutScanner: empty device id")
	}
	ms := now.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scanners(
  device_id, enabled, commissioned_at_ms, age_recipient, created_at_ms, updated_at_ms
) VALUES (?, 1, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  enabled = 1,
  commissioned_at_ms = COALESCE(scanners.commissioned_at_ms, excluded.commissioned_at_ms),
  revoked_at_ms = NULL,
  age_recipient = excluded.age_recipient,
  updated_at_ms = excluded.updated_at_ms;
`, id, ms, sc.AgeRecipient, ms, ms); err != nil {
			return fmt.Errorf("PutScanner upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scanner_facilities WHERE device_id = ?;`, id); err != nil {
			return fmt.Errorf("PutScanner clear scope: %w", err)
		}
		for _, fid := range sc.FacilityScope {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO scanner_facilities(device_id, facility_id) VALUES (?, ?);
`, id, fid); err != nil {
				return fmt.Errorf("PutScanner scope %s: %w", fid, err)
			}
		}
		return nil
	})
}

// Revoke marks a device as no longer trusted. Its history is kept.
func (s *DeviceStore) Revoke(ctx context.Context, deviceID string, now time.Time) error {
	ms := now.UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE scanners SET revoked_at_ms = ?, updated_at_ms = ? WHERE device_id = ?;
`, ms, ms, deviceID)
		if err != nil {
			return fmt.Errorf("Revoke: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
