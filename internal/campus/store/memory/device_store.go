package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

type DeviceStore struct {
	mu       sync.RWMutex
	scanners map[string]types.Scanner
	seen     map[string]time.Time
}

// NewDeviceStore registers the given scanners as known.
func NewDeviceStore(scanners []types.Scanner) *DeviceStore {
	k := make(map[string]types.Scanner, len(scanners))
	for _, sc := range scanners {
		sc.DeviceID = strings.TrimSpace(sc.DeviceID)
		if sc.DeviceID == "" {
			continue
		}
		sc.Known = true
		sc.FacilityScope = append([]string(nil), sc.FacilityScope...)
		k[sc.DeviceID] = sc
	}
	return &DeviceStore{
		scanners: k,
		seen:     make(map[string]time.Time),
	}
}

func (s *DeviceStore) IsKnown(_ context.Context, deviceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.scanners[deviceID]
	return ok, nil
}

func (s *DeviceStore) MarkSeen(_ context.Context, deviceID string, _ bool, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[deviceID] = t
	return nil
}

func (s *DeviceStore) Scanner(_ context.Context, deviceID string) (types.Scanner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scanners[deviceID]
	if !ok {
		return types.Scanner{}, store.ErrNotFound
	}
	sc.LastSeen = s.seen[deviceID]
	sc.FacilityScope = append([]string(nil), sc.FacilityScope...)
	return sc, nil
}
