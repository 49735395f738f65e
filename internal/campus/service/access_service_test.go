package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/service"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store/memory"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// ── Time windows ─────────────────────────────────────────────────────────────

func TestDecide_LibraryTimeWindow(t *testing.T) {
	cases := []struct {
		name    string
		at      time.Time
		granted bool
		reason  types.Reason
	}{
		{"monday 10:00", monday10, true, types.ReasonGranted},
		{"sunday 10:00", monday10.AddDate(0, 0, -1), false, types.ReasonOutsideTimeWindow},
		{"monday 21:00", monday10.Add(11 * time.Hour), false, types.ReasonOutsideTimeWindow},
		{"monday 20:00 inclusive", monday10.Add(10 * time.Hour), true, types.ReasonGranted},
		{"monday 08:00 inclusive", monday10.Add(-2 * time.Hour), true, types.ReasonGranted},
		{"saturday 12:00", monday10.AddDate(0, 0, 5).Add(2 * time.Hour), true, types.ReasonGranted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.clock.Set(tc.at)
			resp := f.scan(t, f.issue(t, "S1"), "LIB001")
			if resp.Granted != tc.granted || resp.Reason != tc.reason {
				t.Errorf("expected granted=%v reason=%s, got granted=%v reason=%s",
					tc.granted, tc.reason, resp.Granted, resp.Reason)
			}
		})
	}
}

func TestDecide_TimeWindowUsesCampusLocation(t *testing.T) {
	f := newFixture(t)
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	access := service.NewAccessService(
		service.AccessConfig{Keys: f.keys, Location: ny, Now: f.clock.Now},
		service.AccessDeps{Registry: f.registry, Facilities: f.facilities, Events: f.events, Logger: discardLogger()},
	)

	// 10:00 UTC is 05:00 in New York, before the window opens.
	resp, err := access.Decide(context.Background(), types.AccessRequest{
		Code: f.issue(t, "S1"), FacilityID: "LIB001", ScannerDeviceID: "scanner-01",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resp.Granted || resp.Reason != types.ReasonOutsideTimeWindow {
		t.Errorf("expected outside_time_window, got %+v", resp)
	}
}

// ── Facility state ───────────────────────────────────────────────────────────

func TestDecide_AtCapacity(t *testing.T) {
	f := newFixture(t)
	resp := f.scan(t, f.issue(t, "S1"), "HALL01")
	if resp.Granted || resp.Reason != types.ReasonAtCapacity {
		t.Errorf("expected at_capacity, got %+v", resp)
	}
	fac, _ := f.facilities.Facility(context.Background(), "HALL01")
	if fac.CurrentOccupancy != 10 {
		t.Errorf("occupancy changed on deny: %d", fac.CurrentOccupancy)
	}
}

func TestDecide_LockdownDeniesAdminWithoutOverride(t *testing.T) {
	f := newFixture(t)
	if err := f.facilities.SetLockdown(context.Background(), "LIB001", true); err != nil {
		t.Fatalf("SetLockdown: %v", err)
	}

	resp := f.scan(t, f.issue(t, "A1"), "LIB001")
	if resp.Granted || resp.Reason != types.ReasonEmergencyLockdown {
		t.Errorf("expected emergency_lockdown for admin, got %+v", resp)
	}

	resp = f.scan(t, f.issue(t, "A2"), "LIB001")
	if !resp.Granted {
		t.Errorf("expected override holder to be granted, got %+v", resp)
	}
}

func TestDecide_Maintenance(t *testing.T) {
	f := newFixture(t)
	if err := f.facilities.SetMaintenance(context.Background(), "LIB001", true); err != nil {
		t.Fatalf("SetMaintenance: %v", err)
	}

	if resp := f.scan(t, f.issue(t, "F1"), "LIB001"); resp.Reason != types.ReasonUnderMaintenance {
		t.Errorf("expected facility_under_maintenance, got %+v", resp)
	}
	if resp := f.scan(t, f.issue(t, "A2"), "LIB001"); !resp.Granted {
		t.Errorf("expected maintenance-access holder to be granted, got %+v", resp)
	}
}

// ── Permission checks ────────────────────────────────────────────────────────

func TestDecide_NoRolePermission(t *testing.T) {
	f := newFixture(t)
	// S1 holds a LAB001 permission but the lab admits faculty only.
	resp := f.scan(t, f.issue(t, "S1"), "LAB001")
	if resp.Granted || resp.Reason != types.ReasonNoRolePermission {
		t.Errorf("expected no_role_permission, got %+v", resp)
	}
}

func TestDecide_NoFacilityPermission(t *testing.T) {
	f := newFixture(t)
	// Admins pass the gym role rule, but A2 holds no gym grant.
	resp := f.scan(t, f.issue(t, "A2"), "GYM001")
	if resp.Granted || resp.Reason != types.ReasonNoFacilityPermission {
		t.Errorf("expected no_facility_permission, got %+v", resp)
	}
}

func TestDecide_PermissionExpired(t *testing.T) {
	f := newFixture(t)
	gym := types.NewFullPermission("GYM001", "Gym")
	past := monday10.Add(-time.Hour)
	gym.GrantExpiresAt = &past
	f.enroll(t, "S9", types.LevelStudent, gym)

	resp := f.scan(t, f.issue(t, "S9"), "GYM001")
	if resp.Granted || resp.Reason != types.ReasonPermissionExpired {
		t.Errorf("expected permission_expired, got %+v", resp)
	}
}

func TestDecide_UnknownFacility(t *testing.T) {
	f := newFixture(t)
	resp := f.scan(t, f.issue(t, "S1"), "NOPE")
	if resp.Granted || resp.Reason != types.ReasonUnknownFacility {
		t.Errorf("expected unknown_facility, got %+v", resp)
	}
}

// ── Credential failures ──────────────────────────────────────────────────────

func TestDecide_TamperedCode_DeniedAndAlerted(t *testing.T) {
	f := newFixture(t)
	code := flipByte(t, f.issue(t, "S1"), 40)

	resp := f.scan(t, code, "LIB001")
	if resp.Granted || resp.Reason != types.ReasonTamperDetected {
		t.Fatalf("expected tamper_detected, got %+v", resp)
	}
	if resp.Message != "access denied" {
		t.Errorf("holder message leaks detail: %q", resp.Message)
	}

	alerts := f.sink.Alerts()
	if len(alerts) != 1 || alerts[0].Kind != types.AnomalyTamperDetected {
		t.Errorf("expected one tamper alert, got %+v", alerts)
	}

	evs := f.events.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if !strings.HasPrefix(evs[0].SourceCredentialID, "raw:") {
		t.Errorf("expected digest source id, got %q", evs[0].SourceCredentialID)
	}
}

func TestDecide_ExpiredCode_AttributedToSubject(t *testing.T) {
	f := newFixture(t)
	code := f.issue(t, "S1")
	f.clock.Advance(5 * time.Minute)

	resp := f.scan(t, code, "GYM001")
	if resp.Granted || resp.Reason != types.ReasonExpired {
		t.Fatalf("expected expired, got %+v", resp)
	}
	evs := f.events.Events()
	if len(evs) != 1 || evs[0].SubjectID != "S1" {
		t.Errorf("expected expired denial attributed to S1, got %+v", evs)
	}
}

func TestDecide_MalformedCode(t *testing.T) {
	f := newFixture(t)
	resp := f.scan(t, "this is not a credential", "LIB001")
	if resp.Granted || resp.Reason != types.ReasonMalformed {
		t.Errorf("expected malformed, got %+v", resp)
	}
	if len(f.sink.Alerts()) != 0 {
		t.Error("malformed codes must not raise security alerts")
	}
}

// ── Scanner handling ─────────────────────────────────────────────────────────

func TestDecide_UnknownScanner_RecordsDenyEvent(t *testing.T) {
	f := newFixture(t)
	resp, err := f.access.Decide(context.Background(), types.AccessRequest{
		Code:            f.issue(t, "S1"),
		FacilityID:      "LIB001",
		ScannerDeviceID: "rogue-01",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resp.Known || resp.OK || resp.Granted || resp.Reason != types.ReasonUnknownScanner {
		t.Errorf("expected unknown_scanner deny, got %+v", resp)
	}
	evs := f.events.Events()
	if len(evs) != 1 || evs[0].ScannerDeviceID != "rogue-01" || evs[0].Granted {
		t.Errorf("expected one deny event for rogue-01, got %+v", evs)
	}
}

// ── Event recording ──────────────────────────────────────────────────────────

func TestDecide_GrantRecordsEventWithOccupancy(t *testing.T) {
	f := newFixture(t)
	resp, err := f.access.Decide(context.Background(), types.AccessRequest{
		Code:            f.issue(t, "S1"),
		FacilityID:      "GYM001",
		ScannerDeviceID: "scanner-01",
		Location:        "east entrance",
	})
	if err != nil || !resp.Granted {
		t.Fatalf("expected grant, got %+v err=%v", resp, err)
	}

	evs := f.events.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	ev := evs[0]
	if ev.SubjectID != "S1" || ev.Origin != types.OriginOnline || ev.Location != "east entrance" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.SourceCredentialID == "" || strings.HasPrefix(ev.SourceCredentialID, "raw:") {
		t.Errorf("expected credential id as source, got %q", ev.SourceCredentialID)
	}
	if ev.OccupancyAfter == nil || *ev.OccupancyAfter != 1 {
		t.Errorf("expected occupancy_after=1, got %v", ev.OccupancyAfter)
	}
}

// ── Validation (no event should be recorded) ─────────────────────────────────

func TestDecide_InvalidRequest_NoEventRecorded(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		req  types.AccessRequest
		want error
	}{
		{types.AccessRequest{Code: "x", FacilityID: "LIB001"}, service.ErrInvalidScannerID},
		{types.AccessRequest{Code: "x", ScannerDeviceID: "scanner-01"}, service.ErrInvalidFacilityID},
		{types.AccessRequest{FacilityID: "LIB001", ScannerDeviceID: "scanner-01"}, service.ErrInvalidCode},
	}
	for _, tc := range cases {
		if _, err := f.access.Decide(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Errorf("expected %v, got %v", tc.want, err)
		}
	}
	if n := len(f.events.Events()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

// ── Timeout ──────────────────────────────────────────────────────────────────

// stallingRegistry blocks facility reads until the caller gives up.
type stallingRegistry struct {
	*memory.FacilityRegistry
}

func (r stallingRegistry) Facility(ctx context.Context, _ string) (types.Facility, error) {
	<-ctx.Done()
	return types.Facility{}, ctx.Err()
}

func TestDecide_Timeout_DeniesRetryable(t *testing.T) {
	f := newFixture(t)
	access := service.NewAccessService(
		service.AccessConfig{Keys: f.keys, Timeout: 20 * time.Millisecond, Now: f.clock.Now},
		service.AccessDeps{
			Registry:   f.registry,
			Facilities: stallingRegistry{f.facilities},
			Events:     f.events,
			Logger:     discardLogger(),
		},
	)

	resp, err := access.Decide(context.Background(), types.AccessRequest{
		Code: f.issue(t, "S1"), FacilityID: "GYM001", ScannerDeviceID: "scanner-01",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resp.Granted || resp.Reason != types.ReasonTimeout || !resp.Reason.Retryable() {
		t.Errorf("expected retryable timeout deny, got %+v", resp)
	}
	// The denial is still audited.
	if n := len(f.events.Events()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestDecide_RepeatScansAllAudited(t *testing.T) {
	f := newFixture(t)
	code := f.issue(t, "S1")

	// Same code, scanner and instant: both scans are real and both are kept.
	for range 2 {
		if resp := f.scan(t, code, "GYM001"); !resp.Granted {
			t.Fatalf("expected grant, got %+v", resp)
		}
	}
	if n := len(f.events.Events()); n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}
}

// slowAdmitRegistry commits the admit only after the decision deadline
// has passed.
type slowAdmitRegistry struct {
	*memory.FacilityRegistry
	delay time.Duration
}

func (r slowAdmitRegistry) Admit(ctx context.Context, facilityID string) (int, bool, error) {
	time.Sleep(r.delay)
	return r.FacilityRegistry.Admit(ctx, facilityID)
}

func TestDecide_LateAdmitReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	access := service.NewAccessService(
		service.AccessConfig{Keys: f.keys, Timeout: 20 * time.Millisecond, Now: f.clock.Now},
		service.AccessDeps{
			Registry:   f.registry,
			Facilities: slowAdmitRegistry{f.facilities, 60 * time.Millisecond},
			Events:     f.events,
			Logger:     discardLogger(),
		},
	)

	resp, err := access.Decide(ctx, types.AccessRequest{
		Code: f.issue(t, "S1"), FacilityID: "GYM001", ScannerDeviceID: "scanner-01",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resp.Granted || resp.Reason != types.ReasonTimeout {
		t.Errorf("expected timeout deny, got %+v", resp)
	}
	gym, err := f.facilities.Facility(ctx, "GYM001")
	if err != nil {
		t.Fatalf("Facility: %v", err)
	}
	if gym.CurrentOccupancy != 0 {
		t.Errorf("expected occupancy 0 after the lost admit, got %d", gym.CurrentOccupancy)
	}
}

// ── Concurrency ──────────────────────────────────────────────────────────────

func TestDecide_ConcurrentGrantsNeverExceedCapacity(t *testing.T) {
	f := newFixture(t)
	const attempts = 20 // GYM001 holds 5

	codes := make([]string, attempts)
	for i := range codes {
		codes[i] = f.issue(t, "S1")
	}

	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		granted, denied int
	)
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			resp, err := f.access.Decide(context.Background(), types.AccessRequest{
				Code: code, FacilityID: "GYM001", ScannerDeviceID: "scanner-01",
			})
			if err != nil {
				t.Errorf("Decide: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case resp.Granted:
				granted++
			case resp.Reason == types.ReasonAtCapacity:
				denied++
			default:
				t.Errorf("unexpected reason %s", resp.Reason)
			}
		}(code)
	}
	wg.Wait()

	if granted != 5 || denied != attempts-5 {
		t.Errorf("expected 5 grants and %d at_capacity, got %d/%d", attempts-5, granted, denied)
	}
	fac, _ := f.facilities.Facility(context.Background(), "GYM001")
	if fac.CurrentOccupancy != 5 {
		t.Errorf("expected occupancy 5, got %d", fac.CurrentOccupancy)
	}
}

// ── Facility commands ────────────────────────────────────────────────────────

func TestFacilityService_ExitFreesSlot(t *testing.T) {
	f := newFixture(t)
	fs := service.NewFacilityService(f.facilities, discardLogger())
	ctx := context.Background()

	if resp := f.scan(t, f.issue(t, "S1"), "HALL01"); resp.Granted {
		t.Fatalf("hall should start full")
	}
	if err := fs.Exit(ctx, "HALL01"); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if resp := f.scan(t, f.issue(t, "S1"), "HALL01"); !resp.Granted {
		t.Errorf("expected grant after exit, got %+v", resp)
	}

	if err := fs.SetLockdown(ctx, "", true); !errors.Is(err, service.ErrInvalidFacilityID) {
		t.Errorf("expected ErrInvalidFacilityID, got %v", err)
	}
}
