package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
)

type BundleStore struct {
	mu      sync.RWMutex
	bundles map[string]store.BundleRecord
}

func NewBundleStore() *BundleStore {
	return &BundleStore{bundles: make(map[string]store.BundleRecord)}
}

func (s *BundleStore) PutBundle(_ context.Context, rec store.BundleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[rec.BundleID] = cloneBundle(rec)
	return nil
}

func (s *BundleStore) Bundle(_ context.Context, bundleID string) (store.BundleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.bundles[bundleID]
	if !ok {
		return store.BundleRecord{}, store.ErrNotFound
	}
	return cloneBundle(rec), nil
}

func (s *BundleStore) LatestBundle(_ context.Context, deviceID string, now time.Time) (store.BundleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best store.BundleRecord
	found := false
	for _, rec := range s.bundles {
		if rec.ScannerDeviceID != deviceID || !now.Before(rec.ExpiresAt) {
			continue
		}
		if !found || rec.IssuedAt.After(best.IssuedAt) {
			best, found = rec, true
		}
	}
	if !found {
		return store.BundleRecord{}, store.ErrNotFound
	}
	return cloneBundle(best), nil
}

func (s *BundleStore) ActiveBundlesFor(_ context.Context, facilityID string, now time.Time) ([]store.BundleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.BundleRecord
	for _, rec := range s.bundles {
		if now.Before(rec.ExpiresAt) && contains(rec.FacilityScope, facilityID) {
			out = append(out, cloneBundle(rec))
		}
	}
	return out, nil
}

func (s *BundleStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.bundles {
		if rec.ExpiresAt.Before(cutoff) {
			delete(s.bundles, id)
			n++
		}
	}
	return n, nil
}

func cloneBundle(rec store.BundleRecord) store.BundleRecord {
	rec.FacilityScope = append([]string(nil), rec.FacilityScope...)
	rec.BundleKey = append([]byte(nil), rec.BundleKey...)
	return rec
}
