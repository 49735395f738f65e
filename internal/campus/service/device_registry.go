package service

import (
	"context"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

type DeviceRegistry struct {
	store store.DeviceStore
	now   func() time.Time
}

func NewDeviceRegistry(st store.DeviceStore, now func() time.Time) *DeviceRegistry {
	if now == nil {
		now = time.Now
	}
	return &DeviceRegistry{store: st, now: now}
}

func (r *DeviceRegistry) IsKnown(ctx context.Context, deviceID string) (bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false, nil
	}
	return r.store.IsKnown(ctx, deviceID)
}

func (r *DeviceRegistry) NoteSeen(ctx context.Context, deviceID string, known bool) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}
	return r.store.MarkSeen(ctx, deviceID, known, r.now().UTC())
}

// Scanner returns a registered scanner. Unregistered and revoked devices
// come back with Known=false and no error.
func (r *DeviceRegistry) Scanner(ctx context.Context, deviceID string) (types.Scanner, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return types.Scanner{}, nil
	}
	sc, err := r.store.Scanner(ctx, deviceID)
	if err == store.ErrNotFound {
		return types.Scanner{DeviceID: deviceID}, nil
	}
	return sc, err
}
