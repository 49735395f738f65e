package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/service"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/wire"
)

// ── Request decoding (JSON or protobuf by Content-Type) ──────────────────────

func decodeHeartbeat(r *http.Request) (types.HeartbeatRequest, error) {
	if isProtobuf(r) {
		body, err := readBody(r, maxRequestBody)
		if err != nil {
			return types.HeartbeatRequest{}, err
		}
		return wire.UnmarshalHeartbeatRequest(body)
	}
	var req types.HeartbeatRequest
	err := readJSON(r, maxRequestBody, &req)
	return req, err
}

func decodeAccess(r *http.Request) (types.AccessRequest, error) {
	if isProtobuf(r) {
		body, err := readBody(r, maxRequestBody)
		if err != nil {
			return types.AccessRequest{}, err
		}
		return wire.UnmarshalAccessRequest(body)
	}
	var req types.AccessRequest
	err := readJSON(r, maxRequestBody, &req)
	return req, err
}

func decodeBundleRequest(r *http.Request) (types.BundleRequest, error) {
	if isProtobuf(r) {
		body, err := readBody(r, maxRequestBody)
		if err != nil {
			return types.BundleRequest{}, err
		}
		return wire.UnmarshalBundleRequest(body)
	}
	var req types.BundleRequest
	err := readJSON(r, maxRequestBody, &req)
	return req, err
}

func decodeSync(r *http.Request) (types.SyncRequest, error) {
	if isProtobuf(r) {
		body, err := readBody(r, maxSyncBody)
		if err != nil {
			return types.SyncRequest{}, err
		}
		return wire.UnmarshalSyncRequest(body)
	}
	var req types.SyncRequest
	err := readJSON(r, maxSyncBody, &req)
	return req, err
}

func writeDecodeError(w http.ResponseWriter, r *http.Request) {
	if isProtobuf(r) {
		writeError(w, http.StatusBadRequest, "bad_protobuf", "invalid protobuf body")
		return
	}
	writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
}

// parseWindow reads the optional RFC3339 from/to query parameters.
func parseWindow(r *http.Request) (types.Window, error) {
	var w types.Window
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &w.From}, {"to", &w.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return types.Window{}, fmt.Errorf("%s: %w", p.name, err)
		}
		*p.dst = t.UTC()
	}
	return w, nil
}

// ── Response views ───────────────────────────────────────────────────────────

func issueResponse(out service.IssuedCredential) types.IssueResponse {
	return types.IssueResponse{
		Code:         out.Code,
		CredentialID: out.Credential.CredentialID,
		ExpiresAt:    out.Credential.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

type facilityView struct {
	FacilityID        string             `json:"facility_id"`
	Name              string             `json:"name"`
	Capacity          int                `json:"capacity"`
	CurrentOccupancy  int                `json:"current_occupancy"`
	AccessRules       []types.AccessRule `json:"access_rules"`
	EmergencyLockdown bool               `json:"emergency_lockdown"`
	MaintenanceActive bool               `json:"maintenance_active"`
	Position          *types.GeoPoint    `json:"position,omitempty"`
}

func toFacilityView(f types.Facility) facilityView {
	return facilityView{
		FacilityID:        f.FacilityID,
		Name:              f.Name,
		Capacity:          f.Capacity,
		CurrentOccupancy:  f.CurrentOccupancy,
		AccessRules:       f.AccessRules,
		EmergencyLockdown: f.EmergencyLockdown,
		MaintenanceActive: f.MaintenanceActive,
		Position:          f.Position,
	}
}

// identityView leaves out the integrity hash.
type identityView struct {
	SubjectID   string             `json:"subject_id"`
	AccessLevel types.AccessLevel  `json:"access_level"`
	Permissions []types.Permission `json:"permissions"`
	IsActive    bool               `json:"is_active"`
	ExpiresAt   time.Time          `json:"expires_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func toIdentityView(id types.DigitalIdentity) identityView {
	return identityView{
		SubjectID:   id.SubjectID,
		AccessLevel: id.AccessLevel,
		Permissions: id.Permissions,
		IsActive:    id.IsActive,
		ExpiresAt:   id.ExpiresAt,
		UpdatedAt:   id.UpdatedAt,
	}
}

type enrollRequest struct {
	SubjectID   string             `json:"subject_id"`
	AccessLevel types.AccessLevel  `json:"access_level"`
	Permissions []types.Permission `json:"permissions"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

type permissionsRequest struct {
	Permissions []types.Permission `json:"permissions"`
}

type accessLevelRequest struct {
	AccessLevel types.AccessLevel `json:"access_level"`
}

type flagRequest struct {
	Active bool `json:"active"`
}
