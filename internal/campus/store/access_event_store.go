package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// EventFilter selects events for audit queries. Empty fields match all.
type EventFilter struct {
	SubjectID  string
	FacilityID string
	From       time.Time // inclusive
	To         time.Time // exclusive
}

// AccessEventStore persists access decisions as an append-only audit log.
//
// Inserts are idempotent on the event's DedupKey: recording an event whose
// key is already present stores nothing and reports inserted=false.
type AccessEventStore interface {
	RecordEvent(ctx context.Context, ev types.AccessEvent) (inserted bool, err error)

	// RecordEvents inserts a batch atomically and reports, per event,
	// whether it was new.
	RecordEvents(ctx context.Context, evs []types.AccessEvent) ([]bool, error)

	// ListEvents returns matching events ordered by timestamp.
	ListEvents(ctx context.Context, f EventFilter) ([]types.AccessEvent, error)
}
