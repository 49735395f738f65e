package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/credential"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

var ErrInvalidAccessLevel = errors.New("invalid access level")

// IdentityService is the only writer of DigitalIdentity records. Every
// mutation recomputes the integrity hash.
type IdentityService struct {
	store     store.IdentityStore
	integrity *credential.Integrity
	logger    *slog.Logger
	now       func() time.Time
}

func NewIdentityService(st store.IdentityStore, integrity *credential.Integrity, logger *slog.Logger, now func() time.Time) *IdentityService {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityService{store: st, integrity: integrity, logger: logger, now: now}
}

// Enroll creates or replaces an identity. The record starts active.
func (s *IdentityService) Enroll(ctx context.Context, id types.DigitalIdentity) (types.DigitalIdentity, error) {
	id.SubjectID = strings.TrimSpace(id.SubjectID)
	if id.SubjectID == "" {
		return types.DigitalIdentity{}, ErrInvalidSubjectID
	}
	if err := validateIdentity(id.AccessLevel, id.Permissions); err != nil {
		return types.DigitalIdentity{}, err
	}
	if !id.ExpiresAt.After(s.now()) {
		return types.DigitalIdentity{}, fmt.Errorf("%w: expires_at is in the past", ErrIdentityExpired)
	}
	id.IsActive = true
	if err := s.save(ctx, &id); err != nil {
		return types.DigitalIdentity{}, err
	}
	s.logger.Info("identity enrolled", "subject_id", id.SubjectID, "access_level", id.AccessLevel)
	return id, nil
}

func (s *IdentityService) UpdatePermissions(ctx context.Context, subjectID string, perms []types.Permission) (types.DigitalIdentity, error) {
	return s.mutate(ctx, subjectID, func(id *types.DigitalIdentity) error {
		if err := validateIdentity(id.AccessLevel, perms); err != nil {
			return err
		}
		id.Permissions = append([]types.Permission(nil), perms...)
		return nil
	})
}

func (s *IdentityService) ChangeAccessLevel(ctx context.Context, subjectID string, level types.AccessLevel) (types.DigitalIdentity, error) {
	return s.mutate(ctx, subjectID, func(id *types.DigitalIdentity) error {
		if !level.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidAccessLevel, level)
		}
		id.AccessLevel = level
		return nil
	})
}

// Deactivate suspends an identity. The record and its history are kept.
func (s *IdentityService) Deactivate(ctx context.Context, subjectID string) (types.DigitalIdentity, error) {
	id, err := s.mutate(ctx, subjectID, func(id *types.DigitalIdentity) error {
		id.IsActive = false
		return nil
	})
	if err == nil {
		s.logger.Info("identity deactivated", "subject_id", id.SubjectID)
	}
	return id, err
}

// mutate refuses to edit a record that already fails its integrity check,
// so a tampered row cannot be laundered into a freshly hashed one.
// Re-enrolling replaces it.
func (s *IdentityService) mutate(ctx context.Context, subjectID string, fn func(*types.DigitalIdentity) error) (types.DigitalIdentity, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return types.DigitalIdentity{}, ErrInvalidSubjectID
	}
	id, err := s.store.Identity(ctx, subjectID)
	if err != nil {
		return types.DigitalIdentity{}, err
	}
	if !s.integrity.Verify(id) {
		s.logger.Error("identity integrity mismatch on update", "subject_id", subjectID)
		return types.DigitalIdentity{}, ErrIntegrityMismatch
	}
	if err := fn(&id); err != nil {
		return types.DigitalIdentity{}, err
	}
	if err := s.save(ctx, &id); err != nil {
		return types.DigitalIdentity{}, err
	}
	return id, nil
}

func (s *IdentityService) save(ctx context.Context, id *types.DigitalIdentity) error {
	if err := s.integrity.Seal(id); err != nil {
		return err
	}
	id.UpdatedAt = s.now().UTC()
	return s.store.PutIdentity(ctx, *id)
}

func validateIdentity(level types.AccessLevel, perms []types.Permission) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAccessLevel, level)
	}
	for _, p := range perms {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
