package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/seal"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

var ErrInvalidSeed = errors.New("invalid seed file")

// Seed is the initial campus: facilities, scanners and enrolled identities.
type Seed struct {
	Facilities []types.Facility
	Scanners   []types.Scanner
	Identities []types.DigitalIdentity
}

type seedFile struct {
	Facilities []seedFacility `yaml:"facilities"`
	Scanners   []seedScanner  `yaml:"scanners"`
	Identities []seedIdentity `yaml:"identities"`
}

type seedFacility struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	Capacity int                `yaml:"capacity"`
	Position *types.GeoPoint    `yaml:"position"`
	Rules    []types.AccessRule `yaml:"rules"`
}

type seedScanner struct {
	ID           string   `yaml:"id"`
	Facilities   []string `yaml:"facilities"`
	AgeRecipient string   `yaml:"age_recipient"`
}

type seedIdentity struct {
	Subject     string           `yaml:"subject"`
	Level       string           `yaml:"level"`
	ExpiresAt   time.Time        `yaml:"expires_at"`
	Inactive    bool             `yaml:"inactive"`
	Permissions []seedPermission `yaml:"permissions"`
}

type seedPermission struct {
	Facility          string      `yaml:"facility"`
	Name              string      `yaml:"name"`
	Access            string      `yaml:"access"`
	Window            *seedWindow `yaml:"window"`
	GrantExpiresAt    *time.Time  `yaml:"grant_expires_at"`
	LockdownOverride  bool        `yaml:"lockdown_override"`
	MaintenanceAccess bool        `yaml:"maintenance_access"`
}

type seedWindow struct {
	Start string    `yaml:"start"`
	End   string    `yaml:"end"`
	Days  []weekday `yaml:"days"`
}

// weekday accepts "mon", "Monday" or 0-6 with Sunday as 0.
type weekday time.Weekday

func (d *weekday) UnmarshalYAML(n *yaml.Node) error {
	s := strings.ToLower(strings.TrimSpace(n.Value))
	if i, err := strconv.Atoi(s); err == nil {
		if i < 0 || i > 6 {
			return fmt.Errorf("line %d: weekday %d out of range", n.Line, i)
		}
		*d = weekday(i)
		return nil
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if s == name || s == name[:3] {
			*d = weekday(wd)
			return nil
		}
	}
	return fmt.Errorf("line %d: unknown weekday %q", n.Line, n.Value)
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// ParseSeed decodes and validates a seed document. Unknown keys are errors
// so typos do not silently drop grants.
func ParseSeed(r io.Reader) (Seed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}

	var raw seedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Seed{}, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}

	var out Seed
	facilities := make(map[string]bool)
	for _, sf := range raw.Facilities {
		f, err := sf.facility()
		if err != nil {
			return Seed{}, err
		}
		if facilities[f.FacilityID] {
			return Seed{}, fmt.Errorf("%w: duplicate facility %s", ErrInvalidSeed, f.FacilityID)
		}
		facilities[f.FacilityID] = true
		out.Facilities = append(out.Facilities, f)
	}

	scanners := make(map[string]bool)
	for _, ss := range raw.Scanners {
		id := strings.TrimSpace(ss.ID)
		if id == "" {
			return Seed{}, fmt.Errorf("%w: scanner without id", ErrInvalidSeed)
		}
		if scanners[id] {
			return Seed{}, fmt.Errorf("%w: duplicate scanner %s", ErrInvalidSeed, id)
		}
		scanners[id] = true
		for _, fid := range ss.Facilities {
			if !facilities[fid] {
				return Seed{}, fmt.Errorf("%w: scanner %s references unknown facility %s", ErrInvalidSeed, id, fid)
			}
		}
		recipient := strings.TrimSpace(ss.AgeRecipient)
		if recipient != "" {
			if err := seal.ParseRecipient(recipient); err != nil {
				return Seed{}, fmt.Errorf("%w: scanner %s: %w", ErrInvalidSeed, id, err)
			}
		}
		out.Scanners = append(out.Scanners, types.Scanner{
			DeviceID:      id,
			FacilityScope: ss.Facilities,
			AgeRecipient:  recipient,
		})
	}

	subjects := make(map[string]bool)
	for _, si := range raw.Identities {
		id, err := si.identity(facilities)
		if err != nil {
			return Seed{}, err
		}
		if subjects[id.SubjectID] {
			return Seed{}, fmt.Errorf("%w: duplicate identity %s", ErrInvalidSeed, id.SubjectID)
		}
		subjects[id.SubjectID] = true
		out.Identities = append(out.Identities, id)
	}
	return out, nil
}

func (sf seedFacility) facility() (types.Facility, error) {
	id := strings.TrimSpace(sf.ID)
	if id == "" {
		return types.Facility{}, fmt.Errorf("%w: facility without id", ErrInvalidSeed)
	}
	if sf.Capacity < 0 {
		return types.Facility{}, fmt.Errorf("%w: facility %s has negative capacity", ErrInvalidSeed, id)
	}
	for _, r := range sf.Rules {
		if !r.Role.Valid() || !r.Access.Valid() {
			return types.Facility{}, fmt.Errorf("%w: facility %s rule %s/%s", ErrInvalidSeed, id, r.Role, r.Access)
		}
	}
	name := sf.Name
	if name == "" {
		name = id
	}
	return types.Facility{
		FacilityID:  id,
		Name:        name,
		Capacity:    sf.Capacity,
		AccessRules: sf.Rules,
		Position:    sf.Position,
	}, nil
}

func (si seedIdentity) identity(facilities map[string]bool) (types.DigitalIdentity, error) {
	subject := strings.TrimSpace(si.Subject)
	if subject == "" {
		return types.DigitalIdentity{}, fmt.Errorf("%w: identity without subject", ErrInvalidSeed)
	}
	level := types.AccessLevel(strings.ToLower(strings.TrimSpace(si.Level)))
	if !level.Valid() {
		return types.DigitalIdentity{}, fmt.Errorf("%w: identity %s has access level %q", ErrInvalidSeed, subject, si.Level)
	}
	if si.ExpiresAt.IsZero() {
		return types.DigitalIdentity{}, fmt.Errorf("%w: identity %s has no expires_at", ErrInvalidSeed, subject)
	}

	id := types.DigitalIdentity{
		SubjectID:   subject,
		AccessLevel: level,
		IsActive:    !si.Inactive,
		ExpiresAt:   si.ExpiresAt.UTC(),
	}
	for _, sp := range si.Permissions {
		if !facilities[sp.Facility] {
			return types.DigitalIdentity{}, fmt.Errorf("%w: identity %s references unknown facility %s", ErrInvalidSeed, subject, sp.Facility)
		}
		p, err := sp.permission()
		if err != nil {
			return types.DigitalIdentity{}, fmt.Errorf("%w: identity %s: %w", ErrInvalidSeed, subject, err)
		}
		id.Permissions = append(id.Permissions, p)
	}
	return id, nil
}

func (sp seedPermission) permission() (types.Permission, error) {
	var (
		p   types.Permission
		err error
	)
	switch types.AccessType(strings.ToLower(sp.Access)) {
	case types.AccessFull:
		p = types.NewFullPermission(sp.Facility, sp.Name)
	case types.AccessRestricted:
		p = types.NewRestrictedPermission(sp.Facility, sp.Name)
	case types.AccessTimeLimited:
		if sp.Window == nil {
			return p, fmt.Errorf("time_limited grant for %s has no window", sp.Facility)
		}
		w := types.TimeWindow{Start: sp.Window.Start, End: sp.Window.End}
		for _, d := range sp.Window.Days {
			w.Days = append(w.Days, time.Weekday(d))
		}
		p, err = types.NewTimeLimitedPermission(sp.Facility, sp.Name, w)
		if err != nil {
			return p, err
		}
	default:
		return p, fmt.Errorf("unknown access %q for %s", sp.Access, sp.Facility)
	}
	if sp.Window != nil && p.Type() != types.AccessTimeLimited {
		return types.Permission{}, fmt.Errorf("%s grant for %s carries a window", p.Type(), sp.Facility)
	}
	if sp.GrantExpiresAt != nil {
		t := sp.GrantExpiresAt.UTC()
		p.GrantExpiresAt = &t
	}
	p.LockdownOverride = sp.LockdownOverride
	p.MaintenanceAccess = sp.MaintenanceAccess
	return p, nil
}
