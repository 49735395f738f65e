package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	dbpkg "github.com/BrandonDHaskell/campusgate/server/internal/db"
)

type BundleStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewBundleStore(db *sql.DB, writer *dbpkg.Worker) *BundleStore {
	return &BundleStore{db: db, writer: writer}
}

const bundleColumns = `bundle_id, device_id, facility_scope, bundle_key, issued_at_ms, expires_at_ms`

func scanBundle(r rowScanner) (store.BundleRecord, error) {
	var (
		rec                 store.BundleRecord
		scope               string
		issuedMs, expiresMs int64
	)
	if err := r.Scan(&rec.BundleID, &rec.ScannerDeviceID, &scope, &rec.BundleKey, &issuedMs, &expiresMs); err != nil {
		return store.BundleRecord{}, err
	}
	if scope != "" {
		rec.FacilityScope = strings.Split(scope, ",")
	}
	rec.IssuedAt = time.UnixMilli(issuedMs).UTC()
	rec.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	return rec, nil
}

func (s *BundleStore) PutBundle(ctx context.Context, rec store.BundleRecord) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO offline_bundles(`+bundleColumns+`) VALUES (?, ?, ?, ?, ?, ?);
`,
			rec.BundleID, rec.ScannerDeviceID, strings.Join(rec.FacilityScope, ","), rec.BundleKey,
			rec.IssuedAt.UTC().UnixMilli(), rec.ExpiresAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("PutBundle insert: %w", err)
		}
		for _, fid := range rec.FacilityScope {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO offline_bundle_facilities(bundle_id, facility_id) VALUES (?, ?);
`, rec.BundleID, fid); err != nil {
				return fmt.Errorf("PutBundle scope %s: %w", fid, err)
			}
		}
		return nil
	})
}

func (s *BundleStore) Bundle(ctx context.Context, bundleID string) (store.BundleRecord, error) {
	rec, err := scanBundle(s.db.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM offline_bundles WHERE bundle_id = ?;`, bundleID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.BundleRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.BundleRecord{}, fmt.Errorf("Bundle query: %w", err)
	}
	return rec, nil
}

func (s *BundleStore) LatestBundle(ctx context.Context, deviceID string, now time.Time) (store.BundleRecord, error) {
	rec, err := scanBundle(s.db.QueryRowContext(ctx, `
SELECT `+bundleColumns+`
FROM offline_bundles
WHERE device_id = ? AND expires_at_ms > ?
ORDER BY issued_at_ms DESC
LIMIT 1;
`, deviceID, now.UTC().UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return store.BundleRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.BundleRecord{}, fmt.Errorf("LatestBundle query: %w", err)
	}
	return rec, nil
}

func (s *BundleStore) ActiveBundlesFor(ctx context.Context, facilityID string, now time.Time) ([]store.BundleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT b.bundle_id, b.device_id, b.facility_scope, b.bundle_key, b.issued_at_ms, b.expires_at_ms
FROM offline_bundles b
JOIN offline_bundle_facilities f ON f.bundle_id = b.bundle_id
WHERE f.facility_id = ? AND b.expires_at_ms > ?
ORDER BY b.issued_at_ms DESC;
`, facilityID, now.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ActiveBundlesFor query: %w", err)
	}
	defer rows.Close()

	var out []store.BundleRecord
	for rows.Next() {
		rec, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("ActiveBundlesFor scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes bundles that expired before cutoff. Their scope
// rows go with them through ON DELETE CASCADE.
func (s *BundleStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM offline_bundles WHERE expires_at_ms < ?;`, cutoff.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("PruneOlderThan bundles: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
