package httpapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/credential"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/seal"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/service"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store/memory"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/wire"
	"github.com/BrandonDHaskell/campusgate/server/internal/httpapi"
)

type serverOptions struct {
	recipient     string // age recipient registered for scanner-01
	requireSealed bool
}

// newTestServer wires up the full dependency graph using in-memory stores
// and returns an httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T, opt serverOptions) *httptest.Server {
	t.Helper()

	key, err := credential.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	integrity, err := credential.NewIntegrity([]byte("http test secret"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := credential.Keyring{key}

	devices := memory.NewDeviceStore([]types.Scanner{
		{DeviceID: "scanner-01", FacilityScope: []string{"GYM001"}, AgeRecipient: opt.recipient},
	})
	identities := memory.NewIdentityStore()
	facilities := memory.NewFacilityRegistry([]types.Facility{{
		FacilityID: "GYM001",
		Name:       "Gym",
		Capacity:   50,
		AccessRules: []types.AccessRule{
			{Role: types.LevelStudent, Access: types.AccessFull},
		},
	}})
	events := memory.NewAccessEventStore()
	bundles := memory.NewBundleStore()

	registry := service.NewDeviceRegistry(devices, nil)
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:               logger,
		Addr:                 ":0",
		RequireSealedBundles: opt.requireSealed,
		Registry:             registry,
		Heartbeats:           service.NewHeartbeatService(memory.New(), registry, nil),
		Access: service.NewAccessService(
			service.AccessConfig{Keys: keys},
			service.AccessDeps{
				Registry:   registry,
				Facilities: facilities,
				Events:     events,
				Bundles:    bundles,
				Identities: identities,
				Integrity:  integrity,
				Logger:     logger,
			},
		),
		Issuer:     service.NewIssuer(service.IssuerConfig{Keys: keys}, integrity, identities, bundles, nil, logger),
		Identities: service.NewIdentityService(identities, integrity, logger, nil),
		Facilities: service.NewFacilityService(facilities, logger),
		Offline: service.NewOfflineService(service.OfflineConfig{}, service.OfflineDeps{
			Registry:   registry,
			Identities: identities,
			Facilities: facilities,
			Bundles:    bundles,
			Events:     events,
			Integrity:  integrity,
			Logger:     logger,
		}),
		Audit: service.NewAuditReporter(events, facilities, service.AuditConfig{}),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, contentType string, body []byte, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return post(t, url, "application/json", body)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// enroll registers a student with a gym grant.
func enroll(t *testing.T, ts *httptest.Server, subjectID string) {
	t.Helper()
	resp := postJSON(t, ts.URL+"/v1/identities", map[string]any{
		"subject_id":   subjectID,
		"access_level": "student",
		"expires_at":   time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"permissions":  []map[string]any{{"facility_id": "GYM001", "access_type": "full"}},
	})
	expectStatus(t, resp, http.StatusCreated)
}

func issue(t *testing.T, ts *httptest.Server, path, subjectID string) types.IssueResponse {
	t.Helper()
	resp := postJSON(t, ts.URL+path, types.IssueRequest{SubjectID: subjectID, ScannerDeviceID: "scanner-01"})
	expectStatus(t, resp, http.StatusCreated)
	return decode[types.IssueResponse](t, resp)
}

// ── Health / heartbeat ───────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
}

func TestHeartbeat_KnownScanner_OK(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := post(t, ts.URL+"/v1/heartbeat", "application/json", []byte(`{"scanner_device_id":"scanner-01","uptime_s":42}`))
	expectStatus(t, resp, http.StatusOK)

	hb := decode[types.HeartbeatResponse](t, resp)
	if !hb.OK || !hb.Known || hb.ScannerDeviceID != "scanner-01" {
		t.Errorf("unexpected response: %+v", hb)
	}
}

func TestHeartbeat_Protobuf(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	body := wire.MarshalHeartbeatRequest(types.HeartbeatRequest{ScannerDeviceID: "rogue-01", UptimeSeconds: 1})
	resp := post(t, ts.URL+"/v1/heartbeat", wire.ContentType, body)
	expectStatus(t, resp, http.StatusOK)

	data, _ := io.ReadAll(resp.Body)
	hb, err := wire.UnmarshalHeartbeatResponse(data)
	if err != nil {
		t.Fatalf("UnmarshalHeartbeatResponse: %v", err)
	}
	if !hb.OK || hb.Known {
		t.Errorf("expected ok=true known=false, got %+v", hb)
	}
}

func TestHeartbeat_BadRequests_400(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	for _, body := range []string{`not json at all`, `{"uptime_s":42}`, `{"scanner_device_id":"x","extra":1}`} {
		resp := post(t, ts.URL+"/v1/heartbeat", "application/json", []byte(body))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

// ── Issue and access ─────────────────────────────────────────────────────────

func TestIssueThenAccess_Granted(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	enroll(t, ts, "S1")
	cred := issue(t, ts, "/v1/credentials", "S1")

	resp := postJSON(t, ts.URL+"/v1/access_request", types.AccessRequest{
		Code: cred.Code, FacilityID: "GYM001", ScannerDeviceID: "scanner-01",
	})
	expectStatus(t, resp, http.StatusOK)

	ar := decode[types.AccessResponse](t, resp)
	if !ar.Granted || ar.Reason != types.ReasonGranted {
		t.Errorf("expected grant, got %+v", ar)
	}
}

func TestAccessRequest_Protobuf(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	enroll(t, ts, "S1")
	cred := issue(t, ts, "/v1/credentials", "S1")

	body := wire.MarshalAccessRequest(types.AccessRequest{
		Code: cred.Code, FacilityID: "GYM001", ScannerDeviceID: "scanner-01",
	})
	resp := post(t, ts.URL+"/v1/access_request", wire.ContentType, body)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != wire.ContentType {
		t.Errorf("expected protobuf response, got %q", ct)
	}

	data, _ := io.ReadAll(resp.Body)
	ar, err := wire.UnmarshalAccessResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	if !ar.Granted {
		t.Errorf("expected grant, got %+v", ar)
	}
}

func TestAccessRequest_TamperedCode_GenericMessage(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	enroll(t, ts, "S1")
	cred := issue(t, ts, "/v1/credentials", "S1")

	code := []byte(cred.Code)
	mid := len(code) / 2
	if code[mid] == 'A' {
		code[mid] = 'B'
	} else {
		code[mid] = 'A'
	}

	resp := postJSON(t, ts.URL+"/v1/access_request", types.AccessRequest{
		Code: string(code), FacilityID: "GYM001", ScannerDeviceID: "scanner-01",
	})
	expectStatus(t, resp, http.StatusOK)
	ar := decode[types.AccessResponse](t, resp)
	if ar.Granted || ar.Message != "access denied" {
		t.Errorf("expected generic denial, got %+v", ar)
	}
}

func TestAccessRequest_UnknownScanner_403(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := postJSON(t, ts.URL+"/v1/access_request", types.AccessRequest{
		Code: "abc", FacilityID: "GYM001", ScannerDeviceID: "rogue-device",
	})
	expectStatus(t, resp, http.StatusForbidden)
	if ar := decode[types.AccessResponse](t, resp); ar.Reason != types.ReasonUnknownScanner {
		t.Errorf("expected unknown_scanner, got %q", ar.Reason)
	}
}

func TestAccessRequest_MissingCode_400(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := post(t, ts.URL+"/v1/access_request", "application/json", []byte(`{"scanner_device_id":"scanner-01","facility_id":"GYM001"}`))
	expectStatus(t, resp, http.StatusBadRequest)
	if e := decode[map[string]string](t, resp); e["error"] != "invalid_code" {
		t.Errorf("expected invalid_code, got %v", e)
	}
}

func TestIssue_Errors(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	enroll(t, ts, "S1")

	resp := postJSON(t, ts.URL+"/v1/credentials", types.IssueRequest{SubjectID: "nobody"})
	expectStatus(t, resp, http.StatusNotFound)

	resp = post(t, ts.URL+"/v1/identities/S1/deactivate", "application/json", nil)
	expectStatus(t, resp, http.StatusOK)

	resp = postJSON(t, ts.URL+"/v1/credentials", types.IssueRequest{SubjectID: "S1"})
	expectStatus(t, resp, http.StatusForbidden)
	e := decode[map[string]string](t, resp)
	if e["error"] != "identity_unavailable" || strings.Contains(e["message"], "inactive") {
		t.Errorf("expected generic identity error, got %v", e)
	}

	resp = postJSON(t, ts.URL+"/v1/credentials/offline", types.IssueRequest{SubjectID: "nobody", ScannerDeviceID: "scanner-01"})
	expectStatus(t, resp, http.StatusNotFound)
}

// ── Facilities ───────────────────────────────────────────────────────────────

func TestLockdown_DeniesAccess(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	enroll(t, ts, "S1")

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/facilities/GYM001/lockdown", strings.NewReader(`{"active":true}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if f := decode[map[string]any](t, resp); f["emergency_lockdown"] != true {
		t.Errorf("expected lockdown in view, got %v", f)
	}

	cred := issue(t, ts, "/v1/credentials", "S1")
	ar := decode[types.AccessResponse](t, postJSON(t, ts.URL+"/v1/access_request", types.AccessRequest{
		Code: cred.Code, FacilityID: "GYM001", ScannerDeviceID: "scanner-01",
	}))
	if ar.Reason != types.ReasonEmergencyLockdown {
		t.Errorf("expected emergency_lockdown, got %+v", ar)
	}
}

func TestFacility_NotFound(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	resp := post(t, ts.URL+"/v1/facilities/NOPE/exit", "application/json", nil)
	expectStatus(t, resp, http.StatusNotFound)
}

// ── Offline ──────────────────────────────────────────────────────────────────

func TestBundleThenSync_JSON(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	enroll(t, ts, "S1")

	resp := postJSON(t, ts.URL+"/v1/offline/bundles", types.BundleRequest{
		ScannerDeviceID: "scanner-01", FacilityScope: []string{"GYM001"}, TTLSeconds: 3600,
	})
	expectStatus(t, resp, http.StatusOK)
	var b types.OfflineBundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if len(b.PermissionSnapshot) != 1 {
		t.Fatalf("expected 1 snapshot entry, got %d", len(b.PermissionSnapshot))
	}

	cred := issue(t, ts, "/v1/credentials/offline", "S1")
	v := service.NewOfflineValidator(nil)
	if d, err := v.Validate(&b, cred.Code, "GYM001", time.Now()); err != nil || !d.Granted {
		t.Fatalf("expected offline grant, got %+v err=%v", d, err)
	}

	sync := types.SyncRequest{BundleID: b.BundleID, ScannerDeviceID: "scanner-01", Events: b.Queued()}
	resp = postJSON(t, ts.URL+"/v1/offline/sync", sync)
	expectStatus(t, resp, http.StatusOK)
	if res := decode[types.ReconcileResult](t, resp); res.Accepted != 1 {
		t.Errorf("expected 1 accepted, got %+v", res)
	}

	// Replaying the same upload stores nothing new.
	resp = postJSON(t, ts.URL+"/v1/offline/sync", sync)
	expectStatus(t, resp, http.StatusOK)
	if res := decode[types.ReconcileResult](t, resp); res.Duplicates != 1 || res.Accepted != 0 {
		t.Errorf("expected 1 duplicate, got %+v", res)
	}

	stats := decode[types.SubjectStats](t, mustGet(t, ts.URL+"/v1/audit/subjects/S1/stats"))
	if stats.TotalAttempts != 1 || stats.Granted != 1 {
		t.Errorf("expected synced event in stats, got %+v", stats)
	}
}

func TestBundle_SealedProtobufZstd(t *testing.T) {
	kp, err := seal.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, serverOptions{recipient: kp.Recipient, requireSealed: true})
	enroll(t, ts, "S1")

	body := wire.MarshalBundleRequest(types.BundleRequest{ScannerDeviceID: "scanner-01", FacilityScope: []string{"GYM001"}})
	resp := post(t, ts.URL+"/v1/offline/bundles", wire.ContentType, body, "Accept-Encoding", "zstd")
	expectStatus(t, resp, http.StatusOK)

	if ct := resp.Header.Get("Content-Type"); ct != seal.ContentType {
		t.Fatalf("expected sealed body, got %q", ct)
	}
	if resp.Header.Get("X-Sealed-Content-Type") != wire.ContentType || resp.Header.Get("X-Sealed-Content-Encoding") != "zstd" {
		t.Fatalf("unexpected sealed headers: %v", resp.Header)
	}

	ct, _ := io.ReadAll(resp.Body)
	compressed, err := seal.Open(ct, kp.Identity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	b, err := wire.UnmarshalBundle(plain)
	if err != nil {
		t.Fatalf("UnmarshalBundle: %v", err)
	}
	if b.ScannerDeviceID != "scanner-01" || len(b.BundleKey) != 32 || len(b.PermissionSnapshot) != 1 {
		t.Errorf("unexpected bundle: id=%s key=%d entries=%d", b.BundleID, len(b.BundleKey), len(b.PermissionSnapshot))
	}
}

func TestBundle_RequireSealedWithoutRecipient_403(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireSealed: true})
	resp := postJSON(t, ts.URL+"/v1/offline/bundles", types.BundleRequest{
		ScannerDeviceID: "scanner-01", FacilityScope: []string{"GYM001"},
	})
	expectStatus(t, resp, http.StatusForbidden)
}

func TestBundle_ScopeErrors(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := postJSON(t, ts.URL+"/v1/offline/bundles", types.BundleRequest{ScannerDeviceID: "scanner-01", FacilityScope: []string{"LIB001"}})
	expectStatus(t, resp, http.StatusForbidden)
	if e := decode[map[string]string](t, resp); e["error"] != "unauthorized_scope" {
		t.Errorf("expected unauthorized_scope, got %v", e)
	}

	resp = postJSON(t, ts.URL+"/v1/offline/bundles", types.BundleRequest{ScannerDeviceID: "rogue-01", FacilityScope: []string{"GYM001"}})
	expectStatus(t, resp, http.StatusForbidden)
}

func TestSync_UnknownBundle_403(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	body := wire.MarshalSyncRequest(types.SyncRequest{BundleID: "never-issued", ScannerDeviceID: "scanner-01"})
	resp := post(t, ts.URL+"/v1/offline/sync", wire.ContentType, body)
	expectStatus(t, resp, http.StatusForbidden)
}

// ── Audit ────────────────────────────────────────────────────────────────────

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAudit_Endpoints(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	expectStatus(t, mustGet(t, ts.URL+"/v1/audit/subjects/S1/stats?from=yesterday"), http.StatusBadRequest)
	expectStatus(t, mustGet(t, ts.URL+"/v1/audit/facilities/GYM001/stats?from=2026-01-01T00:00:00Z"), http.StatusOK)

	resp := mustGet(t, ts.URL+"/v1/audit/anomalies")
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string][]types.Anomaly](t, resp)
	if as, ok := body["anomalies"]; !ok || len(as) != 0 {
		t.Errorf("expected empty anomaly list, got %v", body)
	}
}
