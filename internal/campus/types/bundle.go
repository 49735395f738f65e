package types

import (
	"slices"
	"sync"
	"time"
)

// FacilitySnapshot is the part of a facility a disconnected scanner needs.
// Lockdown and maintenance reflect the state when the bundle was built.
type FacilitySnapshot struct {
	FacilityID        string       `json:"facility_id"`
	AccessRules       []AccessRule `json:"access_rules"`
	EmergencyLockdown bool         `json:"emergency_lockdown,omitempty"`
	MaintenanceActive bool         `json:"maintenance_active,omitempty"`
}

// SnapshotEntry is one subject's permissions, restricted to the bundle
// scope. Entries are keyed by subject hash, never by raw subject ID.
type SnapshotEntry struct {
	AccessLevel AccessLevel  `json:"access_level"`
	Permissions []Permission `json:"permissions"`
}

// OfflineBundle lets a scanner validate credentials without connectivity.
// The queue is safe for concurrent use; the other fields are fixed once the
// bundle is built.
type OfflineBundle struct {
	BundleID           string                   `json:"bundle_id"`
	ScannerDeviceID    string                   `json:"scanner_device_id"`
	FacilityScope      []string                 `json:"facility_scope"`
	Facilities         []FacilitySnapshot       `json:"facilities"`
	PermissionSnapshot map[string]SnapshotEntry `json:"permission_snapshot"`
	BundleKey          []byte                   `json:"bundle_key"`
	IssuedAt           time.Time                `json:"issued_at"`
	ExpiresAt          time.Time                `json:"expires_at"`
	QueuedEvents       []AccessEvent            `json:"queued_events"`

	mu sync.Mutex
}

func (b *OfflineBundle) ExpiredAt(t time.Time) bool {
	return !t.Before(b.ExpiresAt)
}

func (b *OfflineBundle) InScope(facilityID string) bool {
	return slices.Contains(b.FacilityScope, facilityID)
}

func (b *OfflineBundle) Facility(facilityID string) (FacilitySnapshot, bool) {
	for _, f := range b.Facilities {
		if f.FacilityID == facilityID {
			return f, true
		}
	}
	return FacilitySnapshot{}, false
}

// Enqueue appends an event to the local sync queue.
func (b *OfflineBundle) Enqueue(ev AccessEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.QueuedEvents = append(b.QueuedEvents, ev)
}

// Queued returns a copy of the queued events.
func (b *OfflineBundle) Queued() []AccessEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]AccessEvent, len(b.QueuedEvents))
	copy(out, b.QueuedEvents)
	return out
}

// EventState tracks one queued event through reconciliation.
type EventState string

const (
	EventPending   EventState = "pending"
	EventInFlight  EventState = "in_flight"
	EventAccepted  EventState = "accepted"
	EventDuplicate EventState = "duplicate"
	EventRejected  EventState = "rejected"
)

type EventOutcome struct {
	Index  int        `json:"index"`
	State  EventState `json:"state"`
	Detail string     `json:"detail,omitempty"`
}

// ReconcileResult summarizes one replay of a bundle's queue.
type ReconcileResult struct {
	Accepted   int            `json:"accepted"`
	Duplicates int            `json:"duplicates"`
	Rejected   int            `json:"rejected"`
	Outcomes   []EventOutcome `json:"outcomes,omitempty"`
}
