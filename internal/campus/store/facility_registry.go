package store

import (
	"context"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// FacilityRegistry is the only way to read or change facility state.
type FacilityRegistry interface {
	// Facility returns ErrNotFound for unknown facilities.
	Facility(ctx context.Context, facilityID string) (types.Facility, error)

	// Admit atomically increments occupancy if it is below capacity and
	// returns the new occupancy. ok is false when the facility is full.
	// Facilities with capacity 0 always admit.
	Admit(ctx context.Context, facilityID string) (occupancy int, ok bool, err error)

	// Release decrements occupancy, never below zero.
	Release(ctx context.Context, facilityID string) error

	SetLockdown(ctx context.Context, facilityID string, active bool) error
	SetMaintenance(ctx context.Context, facilityID string, active bool) error
}
