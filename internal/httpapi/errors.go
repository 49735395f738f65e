package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/service"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// writeServiceError maps service errors to status codes. Identity problems
// get one generic message; holders never learn which check failed.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidScannerID):
		writeError(w, http.StatusBadRequest, "invalid_scanner_device_id", err.Error())
	case errors.Is(err, service.ErrInvalidFacilityID):
		writeError(w, http.StatusBadRequest, "invalid_facility_id", err.Error())
	case errors.Is(err, service.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "invalid_code", err.Error())
	case errors.Is(err, service.ErrInvalidSubjectID):
		writeError(w, http.StatusBadRequest, "invalid_subject_id", err.Error())
	case errors.Is(err, service.ErrInvalidAccessLevel),
		errors.Is(err, types.ErrInvalidPermission),
		errors.Is(err, types.ErrInvalidTimeWindow):
		writeError(w, http.StatusBadRequest, "invalid_identity", err.Error())

	case errors.Is(err, service.ErrIdentityInactive),
		errors.Is(err, service.ErrIdentityExpired),
		errors.Is(err, service.ErrIntegrityMismatch):
		writeError(w, http.StatusForbidden, "identity_unavailable", "credential cannot be issued; contact an administrator")
	case errors.Is(err, service.ErrUnknownScanner):
		writeError(w, http.StatusForbidden, "unknown_scanner", err.Error())
	case errors.Is(err, service.ErrUnauthorizedScope):
		writeError(w, http.StatusForbidden, "unauthorized_scope", err.Error())
	case errors.Is(err, service.ErrUnknownBundle):
		writeError(w, http.StatusForbidden, "unknown_bundle", err.Error())

	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such record")
	case errors.Is(err, service.ErrNoActiveBundle):
		writeError(w, http.StatusConflict, "no_active_bundle", err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("request timed out", "op", op)
		writeError(w, http.StatusServiceUnavailable, "timeout", "deadline exceeded, retry")
	default:
		s.logger.Error("request failed", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}
