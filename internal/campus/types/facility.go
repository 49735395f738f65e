package types

import "time"

// AccessRule declares that holders of Role may use the facility.
type AccessRule struct {
	Role   AccessLevel `json:"role" yaml:"role"`
	Access AccessType  `json:"access_type" yaml:"access"`
}

// GeoPoint is a WGS84 coordinate used for travel-time plausibility.
type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Facility is a read-only view from the facility registry. Its flags and
// occupancy change only through the registry's commands.
type Facility struct {
	FacilityID        string
	Name              string
	Capacity          int // 0 means occupancy is not tracked
	CurrentOccupancy  int
	AccessRules       []AccessRule
	EmergencyLockdown bool
	MaintenanceActive bool
	Position          *GeoPoint
}

// AllowsRole reports whether an access rule matches level.
func (f Facility) AllowsRole(level AccessLevel) bool {
	return RulesAllow(f.AccessRules, level)
}

func (f Facility) AtCapacity() bool {
	return f.Capacity > 0 && f.CurrentOccupancy >= f.Capacity
}

func RulesAllow(rules []AccessRule, level AccessLevel) bool {
	for _, r := range rules {
		if r.Role == level {
			return true
		}
	}
	return false
}

// Scanner is a registered QR scanning device.
type Scanner struct {
	DeviceID string
	Known    bool

	// FacilityScope lists the facilities this device may validate offline.
	FacilityScope []string

	// AgeRecipient is the device's age x25519 public key. When set,
	// offline bundles are sealed to it.
	AgeRecipient string

	LastSeen time.Time
}

func (s Scanner) InScope(facilityID string) bool {
	for _, f := range s.FacilityScope {
		if f == facilityID {
			return true
		}
	}
	return false
}
