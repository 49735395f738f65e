package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// FacilityService exposes the facility commands. All state changes go
// through the registry; nothing edits a fetched Facility in place.
type FacilityService struct {
	registry store.FacilityRegistry
	logger   *slog.Logger
}

func NewFacilityService(reg store.FacilityRegistry, logger *slog.Logger) *FacilityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FacilityService{registry: reg, logger: logger}
}

func (s *FacilityService) Facility(ctx context.Context, facilityID string) (types.Facility, error) {
	facilityID = strings.TrimSpace(facilityID)
	if facilityID == "" {
		return types.Facility{}, ErrInvalidFacilityID
	}
	return s.registry.Facility(ctx, facilityID)
}

// Exit records someone leaving and frees a capacity slot.
func (s *FacilityService) Exit(ctx context.Context, facilityID string) error {
	facilityID = strings.TrimSpace(facilityID)
	if facilityID == "" {
		return ErrInvalidFacilityID
	}
	return s.registry.Release(ctx, facilityID)
}

func (s *FacilityService) SetLockdown(ctx context.Context, facilityID string, active bool) error {
	facilityID = strings.TrimSpace(facilityID)
	if facilityID == "" {
		return ErrInvalidFacilityID
	}
	if err := s.registry.SetLockdown(ctx, facilityID, active); err != nil {
		return err
	}
	s.logger.Warn("emergency lockdown changed", "facility_id", facilityID, "active", active)
	return nil
}

func (s *FacilityService) SetMaintenance(ctx context.Context, facilityID string, active bool) error {
	facilityID = strings.TrimSpace(facilityID)
	if facilityID == "" {
		return ErrInvalidFacilityID
	}
	if err := s.registry.SetMaintenance(ctx, facilityID, active); err != nil {
		return err
	}
	s.logger.Info("maintenance changed", "facility_id", facilityID, "active", active)
	return nil
}
