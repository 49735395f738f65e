package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	dbpkg "github.com/BrandonDHaskell/campusgate/server/internal/db"
)

type AccessEventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func NewAccessEventStore(db *sql.DB, writer *dbpkg.Worker) *AccessEventStore {
	return &AccessEventStore{db: db, writer: writer, now: time.Now}
}

func (s *AccessEventStore) RecordEvent(ctx context.Context, ev types.AccessEvent) (bool, error) {
	var inserted bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		inserted, err = s.insert(ctx, tx, ev)
		return err
	})
	return inserted, err
}

// RecordEvents inserts the batch in one transaction. Either every new event
// is stored or none is.
func (s *AccessEventStore) RecordEvents(ctx context.Context, evs []types.AccessEvent) ([]bool, error) {
	out := make([]bool, len(evs))
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for i, ev := range evs {
			ok, err := s.insert(ctx, tx, ev)
			if err != nil {
				return err
			}
			out[i] = ok
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *AccessEventStore) insert(ctx context.Context, tx *sql.Tx, ev types.AccessEvent) (bool, error) {
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = uuid.NewString()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = s.now().UTC()
	}
	if ev.Origin == "" {
		ev.Origin = types.OriginOnline
	}

	var occupancy any
	if ev.OccupancyAfter != nil {
		occupancy = *ev.OccupancyAfter
	}

	// For offline-sync events the partial unique index on
	// (source_credential_id, event_at_ms, scanner_device_id) turns a
	// replayed event into a no-op. Online events are never deduplicated.
	res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO access_events(
  event_id, subject_id, facility_id, decision_granted, decision_reason,
  event_at_ms, scanner_device_id, location, source_credential_id, origin,
  post_hoc_invalid, occupancy_after, recorded_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		ev.ID, ev.SubjectID, ev.FacilityID, boolInt(ev.Granted), string(ev.Reason),
		ev.Timestamp.UTC().UnixMilli(), ev.ScannerDeviceID, ev.Location, ev.SourceCredentialID, string(ev.Origin),
		boolInt(ev.PostHocInvalid), occupancy, ev.RecordedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("RecordEvent insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("RecordEvent rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *AccessEventStore) ListEvents(ctx context.Context, f store.EventFilter) ([]types.AccessEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.FacilityID != "" {
		where = append(where, "facility_id = ?")
		args = append(args, f.FacilityID)
	}
	if !f.From.IsZero() {
		where = append(where, "event_at_ms >= ?")
		args = append(args, f.From.UTC().UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "event_at_ms < ?")
		args = append(args, f.To.UTC().UnixMilli())
	}

	q := `
SELECT event_id, subject_id, facility_id, decision_granted, decision_reason,
       event_at_ms, scanner_device_id, location, source_credential_id, origin,
       post_hoc_invalid, occupancy_after, recorded_at_ms
FROM access_events`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY event_at_ms, recorded_at_ms;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListEvents query: %w", err)
	}
	defer rows.Close()

	var out []types.AccessEvent
	for rows.Next() {
		var (
			ev                types.AccessEvent
			granted, postHoc  int
			reason, origin    string
			eventMs, recordMs int64
			occupancy         sql.NullInt64
		)
		if err := rows.Scan(
			&ev.ID, &ev.SubjectID, &ev.FacilityID, &granted, &reason,
			&eventMs, &ev.ScannerDeviceID, &ev.Location, &ev.SourceCredentialID, &origin,
			&postHoc, &occupancy, &recordMs,
		); err != nil {
			return nil, fmt.Errorf("ListEvents scan: %w", err)
		}
		ev.Granted = granted == 1
		ev.Reason = types.Reason(reason)
		ev.Origin = types.Origin(origin)
		ev.PostHocInvalid = postHoc == 1
		ev.Timestamp = time.UnixMilli(eventMs).UTC()
		ev.RecordedAt = time.UnixMilli(recordMs).UTC()
		if occupancy.Valid {
			n := int(occupancy.Int64)
			ev.OccupancyAfter = &n
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListEvents rows: %w", err)
	}
	return out, nil
}
