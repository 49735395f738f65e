package service_test

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/credential"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/service"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store/memory"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// monday10 is Monday 2 March 2026, 10:00 UTC.
var monday10 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// clock is a settable time source shared by every service in a fixture.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []types.SecurityAlert
}

func (s *recordingSink) Notify(_ context.Context, a types.SecurityAlert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *recordingSink) Alerts() []types.SecurityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.SecurityAlert(nil), s.alerts...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(b byte) credential.Key {
	var k credential.Key
	for i := range k {
		k[i] = b + byte(i)
	}
	return k
}

type fixture struct {
	clock      *clock
	keys       credential.Keyring
	integrity  *credential.Integrity
	devices    *memory.DeviceStore
	identities *memory.IdentityStore
	facilities *memory.FacilityRegistry
	events     *memory.AccessEventStore
	bundles    *memory.BundleStore
	sink       *recordingSink

	registry  *service.DeviceRegistry
	ids       *service.IdentityService
	issuer    *service.Issuer
	access    *service.AccessService
	offline   *service.OfflineService
	validator *service.OfflineValidator
	audit     *service.AuditReporter
}

func testFacilities() []types.Facility {
	return []types.Facility{
		{
			FacilityID: "LIB001",
			Name:       "Main Library",
			Capacity:   100,
			AccessRules: []types.AccessRule{
				{Role: types.LevelStudent, Access: types.AccessTimeLimited},
				{Role: types.LevelFaculty, Access: types.AccessFull},
				{Role: types.LevelAdmin, Access: types.AccessFull},
			},
			Position: &types.GeoPoint{Lat: 40.0000, Lon: -75.0000},
		},
		{
			FacilityID: "GYM001",
			Name:       "Gym",
			Capacity:   5,
			AccessRules: []types.AccessRule{
				{Role: types.LevelStudent, Access: types.AccessFull},
				{Role: types.LevelAdmin, Access: types.AccessFull},
			},
			Position: &types.GeoPoint{Lat: 40.0090, Lon: -75.0000}, // ~1 km north
		},
		{
			FacilityID: "LAB001",
			Name:       "Chemistry Lab",
			AccessRules: []types.AccessRule{
				{Role: types.LevelFaculty, Access: types.AccessRestricted},
			},
		},
		{
			FacilityID:       "HALL01",
			Name:             "Lecture Hall",
			Capacity:         10,
			CurrentOccupancy: 10,
			AccessRules: []types.AccessRule{
				{Role: types.LevelStudent, Access: types.AccessFull},
			},
		},
	}
}

func libraryWindow() types.TimeWindow {
	return types.TimeWindow{
		Start: "08:00",
		End:   "20:00",
		Days: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock: &clock{t: monday10},
		keys:  credential.Keyring{testKey(1), testKey(100)},
		sink:  &recordingSink{},
	}
	var err error
	f.integrity, err = credential.NewIntegrity([]byte("test integrity secret"))
	if err != nil {
		t.Fatalf("NewIntegrity: %v", err)
	}

	f.devices = memory.NewDeviceStore([]types.Scanner{
		{DeviceID: "scanner-01", FacilityScope: []string{"LIB001", "GYM001", "HALL01"}},
		{DeviceID: "scanner-02", FacilityScope: []string{"GYM001"}},
	})
	f.identities = memory.NewIdentityStore()
	f.facilities = memory.NewFacilityRegistry(testFacilities())
	f.events = memory.NewAccessEventStore()
	f.bundles = memory.NewBundleStore()

	logger := discardLogger()
	now := f.clock.Now

	f.registry = service.NewDeviceRegistry(f.devices, now)
	f.ids = service.NewIdentityService(f.identities, f.integrity, logger, now)
	f.issuer = service.NewIssuer(
		service.IssuerConfig{Keys: f.keys, MaxTTL: 5 * time.Minute, Now: now},
		f.integrity, f.identities, f.bundles, f.sink, logger,
	)
	f.access = service.NewAccessService(
		service.AccessConfig{Keys: f.keys, Timeout: time.Second, Location: time.UTC, Now: now},
		service.AccessDeps{
			Registry:   f.registry,
			Facilities: f.facilities,
			Events:     f.events,
			Bundles:    f.bundles,
			Identities: f.identities,
			Integrity:  f.integrity,
			Alerts:     f.sink,
			Logger:     logger,
		},
	)
	f.offline = service.NewOfflineService(
		service.OfflineConfig{DefaultTTL: 8 * time.Hour, MaxTTL: 24 * time.Hour, MaxScope: 3, BatchSize: 2, Now: now},
		service.OfflineDeps{
			Registry:   f.registry,
			Identities: f.identities,
			Facilities: f.facilities,
			Bundles:    f.bundles,
			Events:     f.events,
			Integrity:  f.integrity,
			Alerts:     f.sink,
			Logger:     logger,
		},
	)
	f.validator = service.NewOfflineValidator(time.UTC)
	f.audit = service.NewAuditReporter(f.events, f.facilities, service.AuditConfig{})

	f.enroll(t, "S1", types.LevelStudent, f.studentPermissions(t)...)
	f.enroll(t, "F1", types.LevelFaculty,
		types.NewFullPermission("LIB001", "Main Library"),
		types.NewRestrictedPermission("LAB001", "Chemistry Lab"),
	)
	f.enroll(t, "A1", types.LevelAdmin,
		types.NewFullPermission("LIB001", "Main Library"),
		types.NewFullPermission("GYM001", "Gym"),
	)
	override := types.NewFullPermission("LIB001", "Main Library")
	override.LockdownOverride = true
	override.MaintenanceAccess = true
	f.enroll(t, "A2", types.LevelAdmin, override)

	return f
}

func (f *fixture) studentPermissions(t *testing.T) []types.Permission {
	t.Helper()
	lib, err := types.NewTimeLimitedPermission("LIB001", "Main Library", libraryWindow())
	if err != nil {
		t.Fatalf("NewTimeLimitedPermission: %v", err)
	}
	return []types.Permission{
		lib,
		types.NewFullPermission("GYM001", "Gym"),
		types.NewFullPermission("HALL01", "Lecture Hall"),
		types.NewFullPermission("LAB001", "Chemistry Lab"),
	}
}

func (f *fixture) enroll(t *testing.T, subjectID string, level types.AccessLevel, perms ...types.Permission) {
	t.Helper()
	_, err := f.ids.Enroll(context.Background(), types.DigitalIdentity{
		SubjectID:   subjectID,
		AccessLevel: level,
		Permissions: perms,
		ExpiresAt:   monday10.AddDate(1, 0, 0),
	})
	if err != nil {
		t.Fatalf("Enroll %s: %v", subjectID, err)
	}
}

func (f *fixture) issue(t *testing.T, subjectID string) string {
	t.Helper()
	out, err := f.issuer.IssueCredential(context.Background(), subjectID)
	if err != nil {
		t.Fatalf("IssueCredential %s: %v", subjectID, err)
	}
	return out.Code
}

func (f *fixture) scan(t *testing.T, code, facilityID string) types.AccessResponse {
	t.Helper()
	resp, err := f.access.Decide(context.Background(), types.AccessRequest{
		Code:            code,
		FacilityID:      facilityID,
		ScannerDeviceID: "scanner-01",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	return resp
}

// flipByte returns code with one raw byte changed.
func flipByte(t *testing.T, code string, i int) string {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		t.Fatalf("decode code: %v", err)
	}
	raw[i%len(raw)] ^= 0x01
	return base64.RawURLEncoding.EncodeToString(raw)
}
