package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// ── Facilities ───────────────────────────────────────────────────────────────

func (s *Server) handleFacility(w http.ResponseWriter, r *http.Request) {
	f, err := s.deps.Facilities.Facility(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, "facility", err)
		return
	}
	writeJSON(w, http.StatusOK, toFacilityView(f))
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Facilities.Exit(r.Context(), id); err != nil {
		s.writeServiceError(w, "exit", err)
		return
	}
	s.handleFacility(w, r)
}

func (s *Server) handleLockdown(w http.ResponseWriter, r *http.Request) {
	s.setFlag(w, r, "lockdown", s.deps.Facilities.SetLockdown)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	s.setFlag(w, r, "maintenance", s.deps.Facilities.SetMaintenance)
}

func (s *Server) setFlag(w http.ResponseWriter, r *http.Request, op string, set func(context.Context, string, bool) error) {
	var req flagRequest
	if err := readJSON(r, maxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	if err := set(r.Context(), mux.Vars(r)["id"], req.Active); err != nil {
		s.writeServiceError(w, op, err)
		return
	}
	s.handleFacility(w, r)
}

// ── Identities ───────────────────────────────────────────────────────────────

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := readJSON(r, maxSyncBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	id, err := s.deps.Identities.Enroll(r.Context(), types.DigitalIdentity{
		SubjectID:   req.SubjectID,
		AccessLevel: req.AccessLevel,
		Permissions: req.Permissions,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		s.writeServiceError(w, "enroll", err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdentityView(id))
}

func (s *Server) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if err := readJSON(r, maxSyncBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	id, err := s.deps.Identities.UpdatePermissions(r.Context(), mux.Vars(r)["id"], req.Permissions)
	if err != nil {
		s.writeServiceError(w, "update_permissions", err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityView(id))
}

func (s *Server) handleChangeAccessLevel(w http.ResponseWriter, r *http.Request) {
	var req accessLevelRequest
	if err := readJSON(r, maxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	id, err := s.deps.Identities.ChangeAccessLevel(r.Context(), mux.Vars(r)["id"], req.AccessLevel)
	if err != nil {
		s.writeServiceError(w, "change_access_level", err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityView(id))
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Identities.Deactivate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, "deactivate", err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityView(id))
}

// ── Audit ────────────────────────────────────────────────────────────────────

func (s *Server) handleSubjectStats(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_window", err.Error())
		return
	}
	st, err := s.deps.Audit.StatsForSubject(r.Context(), mux.Vars(r)["id"], win)
	if err != nil {
		s.writeServiceError(w, "subject_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFacilityStats(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_window", err.Error())
		return
	}
	st, err := s.deps.Audit.StatsForFacility(r.Context(), mux.Vars(r)["id"], win)
	if err != nil {
		s.writeServiceError(w, "facility_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAnomalies serves one subject, or every subject when the route has
// no id.
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_window", err.Error())
		return
	}
	as, err := s.deps.Audit.DetectAnomalies(r.Context(), mux.Vars(r)["id"], win)
	if err != nil {
		s.writeServiceError(w, "anomalies", err)
		return
	}
	if as == nil {
		as = []types.Anomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": as})
}
