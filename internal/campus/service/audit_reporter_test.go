package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/service"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

var seq int

// record stores one event directly in the audit log.
func (f *fixture) record(t *testing.T, subjectID, facilityID string, reason types.Reason, at time.Time) {
	t.Helper()
	seq++
	ev := types.AccessEvent{
		SubjectID:          subjectID,
		FacilityID:         facilityID,
		Granted:            reason == types.ReasonGranted,
		Reason:             reason,
		Timestamp:          at,
		ScannerDeviceID:    "scanner-01",
		SourceCredentialID: fmt.Sprintf("cred-%d", seq),
		Origin:             types.OriginOnline,
	}
	if _, err := f.events.RecordEvent(context.Background(), ev); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Stats
// ═══════════════════════════════════════════════════════════════════════════

func TestStatsForSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, "S1", "LIB001", types.ReasonGranted, monday10)
	f.record(t, "S1", "GYM001", types.ReasonGranted, monday10.Add(time.Minute))
	f.record(t, "S1", "GYM001", types.ReasonGranted, monday10.Add(2*time.Minute))
	f.record(t, "S1", "LAB001", types.ReasonNoRolePermission, monday10.Add(3*time.Minute))
	f.record(t, "S1", "LIB001", types.ReasonGranted, monday10.Add(48*time.Hour))
	f.record(t, "F1", "LIB001", types.ReasonGranted, monday10)

	st, err := f.audit.StatsForSubject(ctx, "S1", types.Window{From: monday10, To: monday10.Add(time.Hour)})
	if err != nil {
		t.Fatalf("StatsForSubject: %v", err)
	}
	if st.TotalAttempts != 4 || st.Granted != 3 || st.Denied != 1 {
		t.Errorf("expected 4/3/1, got %+v", st)
	}
	if st.SuccessRate != 0.75 {
		t.Errorf("expected success rate 0.75, got %v", st.SuccessRate)
	}

	empty, err := f.audit.StatsForSubject(ctx, "nobody", types.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if empty.TotalAttempts != 0 || empty.SuccessRate != 0 {
		t.Errorf("expected zero stats, got %+v", empty)
	}

	if _, err := f.audit.StatsForSubject(ctx, "", types.Window{}); !errors.Is(err, service.ErrInvalidSubjectID) {
		t.Errorf("expected ErrInvalidSubjectID, got %v", err)
	}
}

func TestStatsForFacility_PeakOccupancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 3 {
		f.scan(t, f.issue(t, "S1"), "GYM001")
	}
	fs := service.NewFacilityService(f.facilities, discardLogger())
	if err := fs.Exit(ctx, "GYM001"); err != nil {
		t.Fatal(err)
	}
	f.scan(t, f.issue(t, "S1"), "GYM001")
	f.scan(t, f.issue(t, "F1"), "GYM001")

	st, err := f.audit.StatsForFacility(ctx, "GYM001", types.Window{})
	if err != nil {
		t.Fatalf("StatsForFacility: %v", err)
	}
	if st.TotalAttempts != 5 || st.Granted != 4 || st.Denied != 1 {
		t.Errorf("expected 5/4/1, got %+v", st)
	}
	if st.PeakOccupancyObserved != 3 {
		t.Errorf("expected peak 3, got %d", st.PeakOccupancyObserved)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// DetectAnomalies
// ═══════════════════════════════════════════════════════════════════════════

func kinds(as []types.Anomaly) map[types.AnomalyKind]int {
	out := make(map[types.AnomalyKind]int)
	for _, a := range as {
		out[a.Kind]++
	}
	return out
}

func TestDetectAnomalies_RepeatedDenials(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		f.record(t, "S1", "LAB001", types.ReasonNoRolePermission, monday10.Add(time.Duration(i)*2*time.Minute))
	}

	as, err := f.audit.DetectAnomalies(context.Background(), "S1", types.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if len(as) != 1 || as[0].Kind != types.AnomalyRepeatedDenials || len(as[0].Events) != 5 {
		t.Errorf("expected one repeated_denials of 5 events, got %+v", as)
	}
}

func TestDetectAnomalies_DenialsTooSpreadOut(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		f.record(t, "S1", "LAB001", types.ReasonNoRolePermission, monday10.Add(time.Duration(i)*3*time.Minute))
	}

	as, err := f.audit.DetectAnomalies(context.Background(), "S1", types.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if len(as) != 0 {
		t.Errorf("expected no anomalies for denials over 12 minutes, got %+v", as)
	}
}

func TestDetectAnomalies_SeparateBursts(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		f.record(t, "S1", "LAB001", types.ReasonNoRolePermission, monday10.Add(time.Duration(i)*time.Minute))
		f.record(t, "S1", "LAB001", types.ReasonNoRolePermission, monday10.Add(time.Hour+time.Duration(i)*time.Minute))
	}

	as, err := f.audit.DetectAnomalies(context.Background(), "S1", types.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if got := kinds(as)[types.AnomalyRepeatedDenials]; got != 2 {
		t.Errorf("expected 2 bursts, got %d", got)
	}
	if !as[0].Events[0].Timestamp.Before(as[1].Events[0].Timestamp) {
		t.Error("expected anomalies in time order")
	}
}

func TestDetectAnomalies_ImpossibleTravel(t *testing.T) {
	cases := []struct {
		name   string
		to     string
		gap    time.Duration
		expect bool
	}{
		// LIB001 to GYM001 is about 1 km, so 125 s at 8 m/s.
		{"1km in 60s", "GYM001", time.Minute, true},
		{"1km in 3m", "GYM001", 3 * time.Minute, false},
		// LAB001 has no coordinates; the 2 minute floor applies.
		{"no coordinates in 60s", "LAB001", time.Minute, true},
		{"no coordinates in 3m", "LAB001", 3 * time.Minute, false},
		{"same facility", "LIB001", time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.record(t, "F1", "LIB001", types.ReasonGranted, monday10)
			f.record(t, "F1", tc.to, types.ReasonGranted, monday10.Add(tc.gap))

			as, err := f.audit.DetectAnomalies(context.Background(), "F1", types.Window{})
			if err != nil {
				t.Fatal(err)
			}
			got := kinds(as)[types.AnomalyImpossibleTravel] == 1
			if got != tc.expect {
				t.Errorf("expected impossible_travel=%v, got %+v", tc.expect, as)
			}
		})
	}
}

func TestDetectAnomalies_DeniedScansDoNotTravel(t *testing.T) {
	f := newFixture(t)
	f.record(t, "F1", "LIB001", types.ReasonGranted, monday10)
	f.record(t, "F1", "GYM001", types.ReasonNoFacilityPermission, monday10.Add(10*time.Second))

	as, err := f.audit.DetectAnomalies(context.Background(), "F1", types.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if len(as) != 0 {
		t.Errorf("expected no anomalies, got %+v", as)
	}
}

func TestDetectAnomalies_AllSubjects(t *testing.T) {
	f := newFixture(t)

	// Two tampered codes that never decoded, so no subject is known.
	f.record(t, "", "LIB001", types.ReasonTamperDetected, monday10)
	f.record(t, "", "GYM001", types.ReasonTamperDetected, monday10.Add(time.Minute))
	f.record(t, "F1", "LIB001", types.ReasonGranted, monday10)
	f.record(t, "F1", "GYM001", types.ReasonGranted, monday10.Add(30*time.Second))

	as, err := f.audit.DetectAnomalies(context.Background(), "", types.Window{})
	if err != nil {
		t.Fatal(err)
	}
	k := kinds(as)
	if k[types.AnomalyTamperDetected] != 1 || k[types.AnomalyImpossibleTravel] != 1 {
		t.Errorf("expected one tamper and one travel anomaly, got %v", k)
	}
	for _, a := range as {
		if a.Kind == types.AnomalyTamperDetected && len(a.Events) != 2 {
			t.Errorf("expected both tamper events grouped, got %d", len(a.Events))
		}
	}

	// Scoped to S1 none of this applies.
	as, err = f.audit.DetectAnomalies(context.Background(), "S1", types.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if len(as) != 0 {
		t.Errorf("expected nothing for S1, got %+v", as)
	}
}
