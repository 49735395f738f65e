package store

import (
	"context"
	"time"
)

// BundleRecord is the server's copy of an issued offline bundle.
type BundleRecord struct {
	BundleID        string
	ScannerDeviceID string
	FacilityScope   []string
	BundleKey       []byte
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

type BundleStore interface {
	PutBundle(ctx context.Context, rec BundleRecord) error

	// Bundle returns ErrNotFound for bundles the server never issued.
	Bundle(ctx context.Context, bundleID string) (BundleRecord, error)

	// LatestBundle returns the newest unexpired bundle for a device.
	LatestBundle(ctx context.Context, deviceID string, now time.Time) (BundleRecord, error)

	// ActiveBundlesFor returns unexpired bundles whose scope covers the
	// facility.
	ActiveBundlesFor(ctx context.Context, facilityID string, now time.Time) ([]BundleRecord, error)

	// PruneOlderThan deletes bundles that expired before cutoff.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
