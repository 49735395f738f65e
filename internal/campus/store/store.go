package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrCredentialReuse = errors.New("store: credential id already issued")
)

// HeartbeatRecord is one scanner heartbeat.
type HeartbeatRecord struct {
	ReceivedAt time.Time
	Request    types.HeartbeatRequest
}

type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, deviceID string, rec HeartbeatRecord) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
