package service

import (
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// facilityState is what the permission checks need to know about a
// facility. Online it comes from the registry, offline from the bundle
// snapshot taken at build time.
type facilityState struct {
	FacilityID  string
	AccessRules []types.AccessRule
	Lockdown    bool
	Maintenance bool
}

func liveState(f types.Facility) facilityState {
	return facilityState{
		FacilityID:  f.FacilityID,
		AccessRules: f.AccessRules,
		Lockdown:    f.EmergencyLockdown,
		Maintenance: f.MaintenanceActive,
	}
}

func snapshotState(f types.FacilitySnapshot) facilityState {
	return facilityState{
		FacilityID:  f.FacilityID,
		AccessRules: f.AccessRules,
		Lockdown:    f.EmergencyLockdown,
		Maintenance: f.MaintenanceActive,
	}
}

// checkGrant runs lockdown, maintenance, role, permission, time window and
// grant expiry in that order and returns the first failing reason. scanTime
// must already be in the campus location. Capacity is the caller's job.
func checkGrant(level types.AccessLevel, perms []types.Permission, f facilityState, scanTime time.Time) types.Decision {
	perm, hasPerm := types.FindPermission(perms, f.FacilityID)

	if f.Lockdown && !(hasPerm && perm.LockdownOverride) {
		return types.Deny(types.ReasonEmergencyLockdown)
	}
	if f.Maintenance && !(hasPerm && perm.MaintenanceAccess) {
		return types.Deny(types.ReasonUnderMaintenance)
	}
	if !types.RulesAllow(f.AccessRules, level) {
		return types.Deny(types.ReasonNoRolePermission)
	}
	if !hasPerm {
		return types.Deny(types.ReasonNoFacilityPermission)
	}
	if w, ok := perm.Window(); ok && !w.Contains(scanTime) {
		return types.Deny(types.ReasonOutsideTimeWindow)
	}
	if perm.ExpiredAt(scanTime) {
		return types.Deny(types.ReasonPermissionExpired)
	}
	return types.Grant()
}
