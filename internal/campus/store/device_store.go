package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// DeviceStore is the scanner registry.
type DeviceStore interface {
	IsKnown(ctx context.Context, deviceID string) (bool, error)
	MarkSeen(ctx context.Context, deviceID string, known bool, t time.Time) error

	// Scanner returns ErrNotFound for unregistered devices.
	Scanner(ctx context.Context, deviceID string) (types.Scanner, error)
}
