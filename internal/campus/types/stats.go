package types

import "time"

// Window is a half-open time range [From, To). A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

type SubjectStats struct {
	SubjectID     string  `json:"subject_id"`
	TotalAttempts int     `json:"total_attempts"`
	Granted       int     `json:"granted"`
	Denied        int     `json:"denied"`
	SuccessRate   float64 `json:"success_rate"`
}

type FacilityStats struct {
	FacilityID            string `json:"facility_id"`
	TotalAttempts         int    `json:"total_attempts"`
	Granted               int    `json:"granted"`
	Denied                int    `json:"denied"`
	PeakOccupancyObserved int    `json:"peak_occupancy_observed"`
}

type AnomalyKind string

const (
	AnomalyRepeatedDenials  AnomalyKind = "repeated_denials"
	AnomalyImpossibleTravel AnomalyKind = "impossible_travel"
	AnomalyTamperDetected   AnomalyKind = "tamper_detected"

	// Alert-only kinds, never produced by anomaly detection.
	AnomalyIntegrityMismatch AnomalyKind = "integrity_mismatch"
	AnomalyCredentialReuse   AnomalyKind = "credential_reuse"
)

type Anomaly struct {
	Kind   AnomalyKind   `json:"kind"`
	Events []AccessEvent `json:"events"`
}

// SecurityAlert is pushed to the notification sink as soon as it happens.
type SecurityAlert struct {
	Kind            AnomalyKind `json:"kind"`
	SubjectID       string      `json:"subject_id,omitempty"`
	FacilityID      string      `json:"facility_id,omitempty"`
	ScannerDeviceID string      `json:"scanner_device_id,omitempty"`
	Detail          string      `json:"detail"`
	At              time.Time   `json:"at"`
}
