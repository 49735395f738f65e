package types

import "log/slog"

// Reason explains a decision. Denial reasons are shown to the scanning
// operator; the credential holder only ever sees HolderMessage.
type Reason string

const (
	ReasonGranted Reason = "granted"

	ReasonMalformed      Reason = "malformed"
	ReasonTamperDetected Reason = "tamper_detected"
	ReasonExpired        Reason = "expired"

	ReasonEmergencyLockdown    Reason = "emergency_lockdown"
	ReasonUnderMaintenance     Reason = "facility_under_maintenance"
	ReasonNoRolePermission     Reason = "no_role_permission"
	ReasonNoFacilityPermission Reason = "no_facility_permission"
	ReasonOutsideTimeWindow    Reason = "outside_time_window"
	ReasonPermissionExpired    Reason = "permission_expired"
	ReasonAtCapacity           Reason = "at_capacity"

	ReasonUnauthorizedScope Reason = "unauthorized_scope"
	ReasonBundleExpired     Reason = "bundle_expired"

	ReasonUnknownScanner  Reason = "unknown_scanner"
	ReasonUnknownFacility Reason = "unknown_facility"
	ReasonTimeout         Reason = "timeout"
	ReasonUnavailable     Reason = "unavailable"
)

// Level is the log severity for a decision with this reason.
func (r Reason) Level() slog.Level {
	switch r {
	case ReasonTamperDetected:
		return slog.LevelError
	case ReasonMalformed, ReasonExpired, ReasonBundleExpired:
		return slog.LevelDebug
	case ReasonUnknownScanner, ReasonUnauthorizedScope, ReasonTimeout, ReasonUnavailable:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Retryable reports whether the same request may succeed later. Crypto and
// structural failures are never retryable with the same bytes.
func (r Reason) Retryable() bool {
	return r == ReasonTimeout || r == ReasonUnavailable || r == ReasonAtCapacity
}

// Decision is the structured outcome of an access check.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  Reason `json:"reason"`
}

func Grant() Decision { return Decision{Granted: true, Reason: ReasonGranted} }

func Deny(r Reason) Decision { return Decision{Granted: false, Reason: r} }

// HolderMessage is the only text a credential holder should see.
func (d Decision) HolderMessage() string {
	if d.Granted {
		return "access granted"
	}
	return "access denied"
}
