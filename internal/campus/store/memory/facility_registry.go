package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

type facilityEntry struct {
	mu        sync.RWMutex // guards facility metadata and flags
	facility  types.Facility
	occupancy atomic.Int64
}

// FacilityRegistry keeps facility state in memory. Occupancy changes use
// compare-and-swap so concurrent admits never exceed capacity.
type FacilityRegistry struct {
	facilities map[string]*facilityEntry
}

func NewFacilityRegistry(facilities []types.Facility) *FacilityRegistry {
	m := make(map[string]*facilityEntry, len(facilities))
	for _, f := range facilities {
		e := &facilityEntry{facility: f}
		e.facility.AccessRules = append([]types.AccessRule(nil), f.AccessRules...)
		e.occupancy.Store(int64(f.CurrentOccupancy))
		m[f.FacilityID] = e
	}
	return &FacilityRegistry{facilities: m}
}

func (r *FacilityRegistry) entry(id string) (*facilityEntry, error) {
	e, ok := r.facilities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (r *FacilityRegistry) Facility(_ context.Context, facilityID string) (types.Facility, error) {
	e, err := r.entry(facilityID)
	if err != nil {
		return types.Facility{}, err
	}
	e.mu.RLock()
	f := e.facility
	e.mu.RUnlock()
	f.AccessRules = append([]types.AccessRule(nil), f.AccessRules...)
	f.CurrentOccupancy = int(e.occupancy.Load())
	return f, nil
}

func (r *FacilityRegistry) Admit(_ context.Context, facilityID string) (int, bool, error) {
	e, err := r.entry(facilityID)
	if err != nil {
		return 0, false, err
	}
	e.mu.RLock()
	capacity := int64(e.facility.Capacity)
	e.mu.RUnlock()

	for {
		cur := e.occupancy.Load()
		if capacity > 0 && cur >= capacity {
			return int(cur), false, nil
		}
		if e.occupancy.CompareAndSwap(cur, cur+1) {
			return int(cur + 1), true, nil
		}
	}
}

func (r *FacilityRegistry) Release(_ context.Context, facilityID string) error {
	e, err := r.entry(facilityID)
	if err != nil {
		return err
	}
	for {
		cur := e.occupancy.Load()
		if cur <= 0 {
			return nil
		}
		if e.occupancy.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

func (r *FacilityRegistry) SetLockdown(_ context.Context, facilityID string, active bool) error {
	e, err := r.entry(facilityID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.facility.EmergencyLockdown = active
	e.mu.Unlock()
	return nil
}

func (r *FacilityRegistry) SetMaintenance(_ context.Context, facilityID string, active bool) error {
	e, err := r.entry(facilityID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.facility.MaintenanceActive = active
	e.mu.Unlock()
	return nil
}
