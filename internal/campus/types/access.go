package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/codec"
)

// AccessLevel is the holder's role. The set is closed.
type AccessLevel string

const (
	LevelStudent AccessLevel = "student"
	LevelFaculty AccessLevel = "faculty"
	LevelStaff   AccessLevel = "staff"
	LevelAdmin   AccessLevel = "admin"
	LevelVisitor AccessLevel = "visitor"
)

func (l AccessLevel) Valid() bool {
	switch l {
	case LevelStudent, LevelFaculty, LevelStaff, LevelAdmin, LevelVisitor:
		return true
	}
	return false
}

// AccessType tags the variant of a permission.
type AccessType string

const (
	AccessFull        AccessType = "full"
	AccessRestricted  AccessType = "restricted"
	AccessTimeLimited AccessType = "time_limited"
)

func (t AccessType) Valid() bool {
	return t == AccessFull || t == AccessRestricted || t == AccessTimeLimited
}

var (
	ErrInvalidPermission = errors.New("invalid permission")
	ErrInvalidTimeWindow = errors.New("invalid time window")
)

// Access is the variant part of a Permission. Only the three types in this
// package implement it, so a time-limited grant always carries its window.
type Access interface {
	Type() AccessType
	isAccess()
}

type FullAccess struct{}

type RestrictedAccess struct{}

type TimeLimitedAccess struct {
	Window TimeWindow
}

func (FullAccess) Type() AccessType        { return AccessFull }
func (RestrictedAccess) Type() AccessType  { return AccessRestricted }
func (TimeLimitedAccess) Type() AccessType { return AccessTimeLimited }

func (FullAccess) isAccess()        {}
func (RestrictedAccess) isAccess()  {}
func (TimeLimitedAccess) isAccess() {}

// TimeWindow limits a grant to a clock range on certain weekdays. Start and
// End are zero-padded "HH:MM" and both ends are inclusive. Windows do not
// wrap past midnight.
type TimeWindow struct {
	Start string         `cbor:"1,keyasint" json:"start"`
	End   string         `cbor:"2,keyasint" json:"end"`
	Days  []time.Weekday `cbor:"3,keyasint" json:"days"`
}

func (w TimeWindow) Validate() error {
	if !validClock(w.Start) || !validClock(w.End) {
		return fmt.Errorf("%w: start/end must be HH:MM, got %q-%q", ErrInvalidTimeWindow, w.Start, w.End)
	}
	if w.Start > w.End {
		return fmt.Errorf("%w: start %s after end %s", ErrInvalidTimeWindow, w.Start, w.End)
	}
	if len(w.Days) == 0 {
		return fmt.Errorf("%w: no days", ErrInvalidTimeWindow)
	}
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidTimeWindow, d)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window, using t's own
// location for the weekday and clock time.
func (w TimeWindow) Contains(t time.Time) bool {
	if !slices.Contains(w.Days, t.Weekday()) {
		return false
	}
	hm := t.Format("15:04")
	return w.Start <= hm && hm <= w.End
}

func validClock(s string) bool {
	if len(s) != 5 {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}

// Permission grants access to one facility.
type Permission struct {
	FacilityID   string
	FacilityName string
	Access       Access

	// GrantExpiresAt is nil for grants without their own expiry.
	GrantExpiresAt *time.Time

	// LockdownOverride lets the holder in during an emergency lockdown.
	// Rarely granted.
	LockdownOverride bool

	// MaintenanceAccess lets the holder in while maintenance is active.
	MaintenanceAccess bool
}

func NewFullPermission(facilityID, facilityName string) Permission {
	return Permission{FacilityID: facilityID, FacilityName: facilityName, Access: FullAccess{}}
}

func NewRestrictedPermission(facilityID, facilityName string) Permission {
	return Permission{FacilityID: facilityID, FacilityName: facilityName, Access: RestrictedAccess{}}
}

func NewTimeLimitedPermission(facilityID, facilityName string, w TimeWindow) (Permission, error) {
	if err := w.Validate(); err != nil {
		return Permission{}, err
	}
	return Permission{FacilityID: facilityID, FacilityName: facilityName, Access: TimeLimitedAccess{Window: w}}, nil
}

// Type returns the access type, or "" for a permission with no variant.
func (p Permission) Type() AccessType {
	if p.Access == nil {
		return ""
	}
	return p.Access.Type()
}

// Window returns the time window of a time-limited grant.
func (p Permission) Window() (TimeWindow, bool) {
	if tl, ok := p.Access.(TimeLimitedAccess); ok {
		return tl.Window, true
	}
	return TimeWindow{}, false
}

// ExpiredAt reports whether the grant has its own expiry at or before t.
func (p Permission) ExpiredAt(t time.Time) bool {
	return p.GrantExpiresAt != nil && !t.Before(*p.GrantExpiresAt)
}

func (p Permission) Validate() error {
	if strings.TrimSpace(p.FacilityID) == "" {
		return fmt.Errorf("%w: facility_id is required", ErrInvalidPermission)
	}
	switch a := p.Access.(type) {
	case FullAccess, RestrictedAccess:
	case TimeLimitedAccess:
		if err := a.Window.Validate(); err != nil {
			return fmt.Errorf("%w: facility %s: %w", ErrInvalidPermission, p.FacilityID, err)
		}
	case nil:
		return fmt.Errorf("%w: facility %s has no access type", ErrInvalidPermission, p.FacilityID)
	default:
		return fmt.Errorf("%w: facility %s has unknown access %T", ErrInvalidPermission, p.FacilityID, a)
	}
	return nil
}

// permissionWire is the flat serialized form. The tagged variant is rebuilt
// from AccessType on decode and rejected if the fields do not fit it.
type permissionWire struct {
	FacilityID        string      `cbor:"1,keyasint" json:"facility_id"`
	FacilityName      string      `cbor:"2,keyasint,omitempty" json:"facility_name,omitempty"`
	AccessType        AccessType  `cbor:"3,keyasint" json:"access_type"`
	Window            *TimeWindow `cbor:"4,keyasint,omitempty" json:"time_window,omitempty"`
	GrantExpiresAt    *time.Time  `cbor:"5,keyasint,omitempty" json:"grant_expires_at,omitempty"`
	LockdownOverride  bool        `cbor:"6,keyasint,omitempty" json:"lockdown_override,omitempty"`
	MaintenanceAccess bool        `cbor:"7,keyasint,omitempty" json:"maintenance_access,omitempty"`
}

func (p Permission) toWire() (permissionWire, error) {
	if err := p.Validate(); err != nil {
		return permissionWire{}, err
	}
	w := permissionWire{
		FacilityID:        p.FacilityID,
		FacilityName:      p.FacilityName,
		AccessType:        p.Access.Type(),
		GrantExpiresAt:    p.GrantExpiresAt,
		LockdownOverride:  p.LockdownOverride,
		MaintenanceAccess: p.MaintenanceAccess,
	}
	if win, ok := p.Window(); ok {
		w.Window = &win
	}
	return w, nil
}

func (w permissionWire) toPermission() (Permission, error) {
	p := Permission{
		FacilityID:        w.FacilityID,
		FacilityName:      w.FacilityName,
		GrantExpiresAt:    w.GrantExpiresAt,
		LockdownOverride:  w.LockdownOverride,
		MaintenanceAccess: w.MaintenanceAccess,
	}
	switch w.AccessType {
	case AccessFull, AccessRestricted:
		if w.Window != nil {
			return Permission{}, fmt.Errorf("%w: %s grant for %s carries a time window", ErrInvalidPermission, w.AccessType, w.FacilityID)
		}
		if w.AccessType == AccessFull {
			p.Access = FullAccess{}
		} else {
			p.Access = RestrictedAccess{}
		}
	case AccessTimeLimited:
		if w.Window == nil {
			return Permission{}, fmt.Errorf("%w: time_limited grant for %s has no time window", ErrInvalidPermission, w.FacilityID)
		}
		p.Access = TimeLimitedAccess{Window: *w.Window}
	default:
		return Permission{}, fmt.Errorf("%w: unknown access type %q", ErrInvalidPermission, w.AccessType)
	}
	if err := p.Validate(); err != nil {
		return Permission{}, err
	}
	return p, nil
}

func (p Permission) MarshalCBOR() ([]byte, error) {
	w, err := p.toWire()
	if err != nil {
		return nil, err
	}
	return codec.Marshal(w)
}

func (p *Permission) UnmarshalCBOR(data []byte) error {
	var w permissionWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return err
	}
	out, err := w.toPermission()
	if err != nil {
		return err
	}
	*p = out
	return nil
}

func (p Permission) MarshalJSON() ([]byte, error) {
	w, err := p.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	var w permissionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out, err := w.toPermission()
	if err != nil {
		return err
	}
	*p = out
	return nil
}

// FindPermission returns the first permission for facilityID.
func FindPermission(perms []Permission, facilityID string) (Permission, bool) {
	for _, p := range perms {
		if p.FacilityID == facilityID {
			return p, true
		}
	}
	return Permission{}, false
}

// EncodePermissions serializes a permission list for storage.
func EncodePermissions(perms []Permission) ([]byte, error) {
	if perms == nil {
		perms = []Permission{}
	}
	return codec.Marshal(perms)
}

// DecodePermissions is the inverse of EncodePermissions.
func DecodePermissions(data []byte) ([]Permission, error) {
	var perms []Permission
	if err := codec.Unmarshal(data, &perms); err != nil {
		return nil, err
	}
	return perms, nil
}
