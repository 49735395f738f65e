package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// AccessEventStore is an in-memory append-only log of access decisions.
// It is intended for use in tests and dev environments.
type AccessEventStore struct {
	mu     sync.Mutex
	events []types.AccessEvent
	keys   map[types.DedupKey]struct{}
}

func NewAccessEventStore() *AccessEventStore {
	return &AccessEventStore{keys: make(map[types.DedupKey]struct{})}
}

func (s *AccessEventStore) RecordEvent(_ context.Context, ev types.AccessEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(ev), nil
}

func (s *AccessEventStore) RecordEvents(ctx context.Context, evs []types.AccessEvent) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(evs))
	for i, ev := range evs {
		out[i] = s.insertLocked(ev)
	}
	return out, nil
}

// insertLocked deduplicates offline-sync events only.
func (s *AccessEventStore) insertLocked(ev types.AccessEvent) bool {
	if ev.Origin == "" {
		ev.Origin = types.OriginOnline
	}
	if ev.Origin == types.OriginOfflineSync {
		k := ev.DedupKey()
		if _, dup := s.keys[k]; dup {
			return false
		}
		s.keys[k] = struct{}{}
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Millisecond)
	s.events = append(s.events, ev)
	return true
}

func (s *AccessEventStore) ListEvents(_ context.Context, f store.EventFilter) ([]types.AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.AccessEvent
	for _, ev := range s.events {
		if f.SubjectID != "" && ev.SubjectID != f.SubjectID {
			continue
		}
		if f.FacilityID != "" && ev.FacilityID != f.FacilityID {
			continue
		}
		if !(types.Window{From: f.From, To: f.To}).Contains(ev.Timestamp) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Events returns a copy of all recorded events.  Test-only helper.
func (s *AccessEventStore) Events() []types.AccessEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AccessEvent, len(s.events))
	copy(out, s.events)
	return out
}
