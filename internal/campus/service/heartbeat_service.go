package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

var (
	ErrInvalidScannerID = errors.New("scanner_device_id is required")
)

type HeartbeatService struct {
	heartbeatStore store.HeartbeatStore
	registry       *DeviceRegistry
	now            func() time.Time
}

func NewHeartbeatService(hs store.HeartbeatStore, reg *DeviceRegistry, now func() time.Time) *HeartbeatService {
	if now == nil {
		now = time.Now
	}
	return &HeartbeatService{heartbeatStore: hs, registry: reg, now: now}
}

func (s *HeartbeatService) Record(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResponse, error) {
	deviceID := strings.TrimSpace(req.ScannerDeviceID)
	if deviceID == "" {
		return types.HeartbeatResponse{}, ErrInvalidScannerID
	}

	known, err := s.registry.IsKnown(ctx, deviceID)
	if err != nil {
		return types.HeartbeatResponse{}, err
	}
	_ = s.registry.NoteSeen(ctx, deviceID, known)

	now := s.now().UTC()
	rec := store.HeartbeatRecord{
		ReceivedAt: now,
		Request:    req,
	}

	if err := s.heartbeatStore.UpsertHeartbeat(ctx, deviceID, rec); err != nil {
		return types.HeartbeatResponse{}, err
	}

	return types.HeartbeatResponse{
		OK:              true,
		Known:           known,
		ScannerDeviceID: deviceID,
		ServerTime:      now.Format(time.RFC3339Nano),
	}, nil
}
