package types

import "time"

type Origin string

const (
	OriginOnline      Origin = "online"
	OriginOfflineSync Origin = "offline-sync"
)

// AccessEvent is one audit record. Once written it is never modified.
type AccessEvent struct {
	ID                 string    `json:"id"`
	SubjectID          string    `json:"subject_id,omitempty"`
	FacilityID         string    `json:"facility_id"`
	Granted            bool      `json:"granted"`
	Reason             Reason    `json:"reason"`
	Timestamp          time.Time `json:"timestamp"`
	ScannerDeviceID    string    `json:"scanner_device_id"`
	Location           string    `json:"location,omitempty"`
	SourceCredentialID string    `json:"source_credential_id,omitempty"`
	Origin             Origin    `json:"origin"`

	// PostHocInvalid marks offline events whose subject was deactivated
	// before the event reached the server.
	PostHocInvalid bool `json:"post_hoc_invalid,omitempty"`

	// OccupancyAfter is the facility occupancy right after an online grant.
	OccupancyAfter *int `json:"occupancy_after,omitempty"`

	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// DedupKey identifies an event across replays. Timestamps are compared at
// millisecond precision, the resolution of the durable log.
type DedupKey struct {
	SourceCredentialID string
	TimestampMs        int64
	ScannerDeviceID    string
}

func (e AccessEvent) DedupKey() DedupKey {
	return DedupKey{
		SourceCredentialID: e.SourceCredentialID,
		TimestampMs:        e.Timestamp.UTC().UnixMilli(),
		ScannerDeviceID:    e.ScannerDeviceID,
	}
}
