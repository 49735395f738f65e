package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

type SeedDevOptions struct {
	Facilities []types.Facility
	Scanners   []types.Scanner
}

// SeedDev upserts facilities and scanners. Existing occupancy is kept so a
// restart does not reset live counts. Scanners listed here are enabled and
// commissioned.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seed begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range opt.Facilities {
		var lat, lon any
		if f.Position != nil {
			lat, lon = f.Position.Lat, f.Position.Lon
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO facilities(
  facility_id, name, capacity, occupancy, emergency_lockdown, maintenance_active,
  lat, lon, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(facility_id) DO UPDATE SET
  name = excluded.name,
  capacity = excluded.capacity,
  lat = excluded.lat,
  lon = excluded.lon,
  updated_at_ms = excluded.updated_at_ms;
`, f.FacilityID, f.Name, f.Capacity, f.CurrentOccupancy, boolInt(f.EmergencyLockdown), boolInt(f.MaintenanceActive),
			lat, lon, now, now); err != nil {
			return fmt.Errorf("seed facility %s: %w", f.FacilityID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM facility_rules WHERE facility_id = ?;`, f.FacilityID); err != nil {
			return fmt.Errorf("seed facility %s rules: %w", f.FacilityID, err)
		}
		for _, r := range f.AccessRules {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO facility_rules(facility_id, role, access_type) VALUES (?, ?, ?);
`, f.FacilityID, string(r.Role), string(r.Access)); err != nil {
				return fmt.Errorf("seed facility %s rule %s: %w", f.FacilityID, r.Role, err)
			}
		}
	}

	for _, s := range opt.Scanners {
		id := strings.TrimSpace(s.DeviceID)
		if id == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scanners(
  device_id, enabled, commissioned_at_ms, age_recipient, created_at_ms, updated_at_ms
) VALUES (?, 1, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  enabled = 1,
  commissioned_at_ms = COALESCE(scanners.commissioned_at_ms, excluded.commissioned_at_ms),
  age_recipient = excluded.age_recipient,
  updated_at_ms = excluded.updated_at_ms;
`, id, now, s.AgeRecipient, now, now); err != nil {
			return fmt.Errorf("seed scanner %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM scanner_facilities WHERE device_id = ?;`, id); err != nil {
			return fmt.Errorf("seed scanner %s scope: %w", id, err)
		}
		for _, fid := range s.FacilityScope {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO scanner_facilities(device_id, facility_id) VALUES (?, ?);
`, id, fid); err != nil {
				return fmt.Errorf("seed scanner %s facility %s: %w", id, fid, err)
			}
		}
	}

	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
