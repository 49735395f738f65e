package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	dbpkg "github.com/BrandonDHaskell/campusgate/server/internal/db"
)

// FacilityRegistry keeps facility state in SQLite. Occupancy changes are
// single guarded UPDATE statements run on the writer, so the capacity
// check and the increment cannot be split by another admit.
type FacilityRegistry struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func NewFacilityRegistry(db *sql.DB, writer *dbpkg.Worker) *FacilityRegistry {
	return &FacilityRegistry{db: db, writer: writer, now: time.Now}
}

func (r *FacilityRegistry) Facility(ctx context.Context, facilityID string) (types.Facility, error) {
	var (
		f               types.Facility
		lockdown, maint int
		lat, lon        sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, `
SELECT facility_id, name, capacity, occupancy, emergency_lockdown, maintenance_active, lat, lon
FROM facilities
WHERE facility_id = ?;
`, facilityID).Scan(&f.FacilityID, &f.Name, &f.Capacity, &f.CurrentOccupancy, &lockdown, &maint, &lat, &lon)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Facility{}, store.ErrNotFound
	}
	if err != nil {
		return types.Facility{}, fmt.Errorf("Facility query: %w", err)
	}
	f.EmergencyLockdown = lockdown == 1
	f.MaintenanceActive = maint == 1
	if lat.Valid && lon.Valid {
		f.Position = &types.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT role, access_type FROM facility_rules WHERE facility_id = ? ORDER BY role;
`, facilityID)
	if err != nil {
		return types.Facility{}, fmt.Errorf("Facility rules query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role, access string
		if err := rows.Scan(&role, &access); err != nil {
			return types.Facility{}, fmt.Errorf("Facility rules scan: %w", err)
		}
		f.AccessRules = append(f.AccessRules, types.AccessRule{
			Role:   types.AccessLevel(role),
			Access: types.AccessType(access),
		})
	}
	return f, rows.Err()
}

func (r *FacilityRegistry) Admit(ctx context.Context, facilityID string) (int, bool, error) {
	var (
		occupancy int
		ok        bool
	)
	ms := r.now().UTC().UnixMilli()
	err := r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE facilities
SET occupancy = occupancy + 1,
    updated_at_ms = ?
WHERE facility_id = ?
  AND (capacity = 0 OR occupancy < capacity);
`, ms, facilityID)
		if err != nil {
			return fmt.Errorf("Admit update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("Admit rows affected: %w", err)
		}
		ok = n == 1

		err = tx.QueryRowContext(ctx, `SELECT occupancy FROM facilities WHERE facility_id = ?;`, facilityID).Scan(&occupancy)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("Admit read occupancy: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return occupancy, ok, nil
}

func (r *FacilityRegistry) Release(ctx context.Context, facilityID string) error {
	ms := r.now().UTC().UnixMilli()
	return r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE facilities
SET occupancy = occupancy - 1,
    updated_at_ms = ?
WHERE facility_id = ? AND occupancy > 0;
`, ms, facilityID); err != nil {
			return fmt.Errorf("Release update: %w", err)
		}
		return r.mustExist(ctx, tx, facilityID)
	})
}

func (r *FacilityRegistry) SetLockdown(ctx context.Context, facilityID string, active bool) error {
	return r.setFlag(ctx, facilityID, "emergency_lockdown", active)
}

func (r *FacilityRegistry) SetMaintenance(ctx context.Context, facilityID string, active bool) error {
	return r.setFlag(ctx, facilityID, "maintenance_active", active)
}

// setFlag is only called with the two column names above.
func (r *FacilityRegistry) setFlag(ctx context.Context, facilityID, column string, active bool) error {
	ms := r.now().UTC().UnixMilli()
	return r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE facilities SET `+column+` = ?, updated_at_ms = ? WHERE facility_id = ?;`,
			boolInt(active), ms, facilityID)
		if err != nil {
			return fmt.Errorf("set %s: %w", column, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (r *FacilityRegistry) mustExist(ctx context.Context, tx *sql.Tx, facilityID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM facilities WHERE facility_id = ?;`, facilityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
