package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/service"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/wire"
)

type Dependencies struct {
	Logger *slog.Logger
	Addr   string

	// Timeout bounds issuance and admin calls. Access decisions carry their
	// own deadline.
	Timeout time.Duration

	// RequireSealedBundles refuses bundles to scanners with no registered
	// age recipient.
	RequireSealedBundles bool

	Registry   *service.DeviceRegistry
	Heartbeats *service.HeartbeatService
	Access     *service.AccessService
	Issuer     *service.Issuer
	Identities *service.IdentityService
	Facilities *service.FacilityService
	Offline    *service.OfflineService
	Audit      *service.AuditReporter
}

type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *slog.Logger
	deps       Dependencies
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Timeout <= 0 {
		d.Timeout = service.DefaultEvalTimeout
	}

	r := mux.NewRouter()
	s := &Server{router: r, logger: d.Logger, deps: d}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Scanner and portal surface.
	r.HandleFunc("/v1/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/v1/access_request", s.handleAccessRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/credentials", s.handleIssue).Methods(http.MethodPost)
	r.HandleFunc("/v1/credentials/offline", s.handleIssueOffline).Methods(http.MethodPost)
	r.HandleFunc("/v1/offline/bundles", s.handleBundle).Methods(http.MethodPost)
	r.HandleFunc("/v1/offline/sync", s.handleSync).Methods(http.MethodPost)

	// Administration.
	r.HandleFunc("/v1/facilities/{id}", s.handleFacility).Methods(http.MethodGet)
	r.HandleFunc("/v1/facilities/{id}/exit", s.handleExit).Methods(http.MethodPost)
	r.HandleFunc("/v1/facilities/{id}/lockdown", s.handleLockdown).Methods(http.MethodPut)
	r.HandleFunc("/v1/facilities/{id}/maintenance", s.handleMaintenance).Methods(http.MethodPut)
	r.HandleFunc("/v1/identities", s.handleEnroll).Methods(http.MethodPost)
	r.HandleFunc("/v1/identities/{id}/permissions", s.handleUpdatePermissions).Methods(http.MethodPut)
	r.HandleFunc("/v1/identities/{id}/access_level", s.handleChangeAccessLevel).Methods(http.MethodPut)
	r.HandleFunc("/v1/identities/{id}/deactivate", s.handleDeactivate).Methods(http.MethodPost)
	r.HandleFunc("/v1/audit/subjects/{id}/stats", s.handleSubjectStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/audit/subjects/{id}/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/v1/audit/facilities/{id}/stats", s.handleFacilityStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/audit/anomalies", s.handleAnomalies).Methods(http.MethodGet)

	r.Use(loggingMiddleware(d.Logger))

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "server_time": time.Now().UTC().Format(time.RFC3339Nano)})
}

// ── Heartbeat ────────────────────────────────────────────────────────────────

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeHeartbeat(r)
	if err != nil {
		writeDecodeError(w, r)
		return
	}

	resp, err := s.deps.Heartbeats.Record(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "heartbeat", err)
		return
	}

	if isProtobuf(r) {
		writeProto(w, http.StatusOK, wire.MarshalHeartbeatResponse(resp))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Access ───────────────────────────────────────────────────────────────────

func (s *Server) handleAccessRequest(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAccess(r)
	if err != nil {
		writeDecodeError(w, r)
		return
	}

	resp, err := s.deps.Access.Decide(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "access_request", err)
		return
	}

	// Unknown scanners are blocked from the access flow.
	status := http.StatusOK
	if !resp.Known {
		status = http.StatusForbidden
	}
	if isProtobuf(r) {
		writeProto(w, status, wire.MarshalAccessResponse(resp))
		return
	}
	writeJSON(w, status, resp)
}

// ── Issuance ─────────────────────────────────────────────────────────────────

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req types.IssueRequest
	if err := readJSON(r, maxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.Timeout)
	defer cancel()

	out, err := s.deps.Issuer.IssueCredential(ctx, req.SubjectID)
	if err != nil {
		s.writeServiceError(w, "issue", err)
		return
	}
	writeJSON(w, http.StatusCreated, issueResponse(out))
}

func (s *Server) handleIssueOffline(w http.ResponseWriter, r *http.Request) {
	var req types.IssueRequest
	if err := readJSON(r, maxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.Timeout)
	defer cancel()

	out, err := s.deps.Issuer.IssueOfflineCredential(ctx, req.SubjectID, req.ScannerDeviceID)
	if err != nil {
		s.writeServiceError(w, "issue_offline", err)
		return
	}
	writeJSON(w, http.StatusCreated, issueResponse(out))
}

// ── Offline ──────────────────────────────────────────────────────────────────

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBundleRequest(r)
	if err != nil {
		writeDecodeError(w, r)
		return
	}

	sc, err := s.deps.Registry.Scanner(r.Context(), req.ScannerDeviceID)
	if err != nil {
		s.writeServiceError(w, "bundle", err)
		return
	}
	if sc.Known && sc.AgeRecipient == "" && s.deps.RequireSealedBundles {
		writeError(w, http.StatusForbidden, "recipient_required", "scanner has no registered age recipient")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	b, err := s.deps.Offline.BuildBundle(r.Context(), req.ScannerDeviceID, req.FacilityScope, ttl)
	if err != nil {
		s.writeServiceError(w, "bundle", err)
		return
	}

	var (
		data        []byte
		contentType string
	)
	if wantsProtobuf(r) {
		data, err = wire.MarshalBundle(b)
		contentType = wire.ContentType
	} else {
		data, err = json.Marshal(b)
		contentType = "application/json"
	}
	if err != nil {
		s.writeServiceError(w, "bundle", err)
		return
	}

	if err := writePayload(w, r, contentType, data, sc.AgeRecipient); err != nil {
		s.logger.Error("write bundle", "err", err, "bundle_id", b.BundleID)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSync(r)
	if err != nil {
		writeDecodeError(w, r)
		return
	}

	b := &types.OfflineBundle{
		BundleID:        req.BundleID,
		ScannerDeviceID: req.ScannerDeviceID,
		QueuedEvents:    req.Events,
	}
	res, err := s.deps.Offline.Reconcile(r.Context(), b)
	if err != nil {
		// Partial progress is still worth reporting; the scanner retries
		// whatever is not accepted or duplicate.
		if errors.Is(err, service.ErrUnknownBundle) || res.Outcomes == nil {
			s.writeServiceError(w, "sync", err)
			return
		}
		s.logger.Error("sync interrupted", "err", err, "bundle_id", req.BundleID)
		s.writeResult(w, r, http.StatusServiceUnavailable, res)
		return
	}
	s.writeResult(w, r, http.StatusOK, res)
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, status int, res types.ReconcileResult) {
	if isProtobuf(r) {
		writeProto(w, status, wire.MarshalReconcileResult(res))
		return
	}
	writeJSON(w, status, res)
}
