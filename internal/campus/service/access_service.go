package service

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/credential"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

var (
	ErrInvalidCode       = errors.New("code is required")
	ErrInvalidFacilityID = errors.New("facility_id is required")
)

// DefaultEvalTimeout bounds one online decision when none is configured.
const DefaultEvalTimeout = 2 * time.Second

// maxDeviceClockSkew is how far a scanner's own timestamp may drift from
// server time before it is logged.
const maxDeviceClockSkew = time.Minute

type AccessConfig struct {
	Keys credential.Keyring

	// Timeout bounds a whole decision. An expired deadline is a deny with
	// reason timeout, never a grant.
	Timeout time.Duration

	// Location is the campus time zone for time-window checks.
	Location *time.Location

	Now func() time.Time
}

// AccessDeps are the collaborators of AccessService. Codes sealed under a
// bundle key are accepted online only when Bundles, Identities and
// Integrity are all set.
type AccessDeps struct {
	Registry   *DeviceRegistry
	Facilities store.FacilityRegistry
	Events     store.AccessEventStore
	Bundles    store.BundleStore
	Identities store.IdentityStore
	Integrity  *credential.Integrity
	Alerts     NotificationSink
	Logger     *slog.Logger
}

// AccessService is the online access evaluator.
type AccessService struct {
	registry   *DeviceRegistry
	facilities store.FacilityRegistry
	eventStore store.AccessEventStore
	bundles    store.BundleStore
	identities store.IdentityStore
	integrity  *credential.Integrity
	alerts     NotificationSink
	logger     *slog.Logger

	codec   *credential.Codec
	keys    credential.Keyring
	timeout time.Duration
	loc     *time.Location
	now     func() time.Time
}

func NewAccessService(cfg AccessConfig, deps AccessDeps) *AccessService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEvalTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Alerts == nil {
		deps.Alerts = LogSink{Logger: deps.Logger}
	}
	return &AccessService{
		registry:   deps.Registry,
		facilities: deps.Facilities,
		eventStore: deps.Events,
		bundles:    deps.Bundles,
		identities: deps.Identities,
		integrity:  deps.Integrity,
		alerts:     deps.Alerts,
		logger:     deps.Logger,
		codec:      credential.NewCodec(cfg.Now),
		keys:       cfg.Keys,
		timeout:    cfg.Timeout,
		loc:        cfg.Location,
		now:        cfg.Now,
	}
}

// evaluation is the outcome of one decision plus what is known about the
// credential behind it.
type evaluation struct {
	decision       types.Decision
	cred           types.Credential
	occupancyAfter *int
}

// Decide evaluates one scan and records the decision in the audit log.
// Errors are returned only for invalid requests; every scan of a
// well-formed request yields a recorded decision.
func (s *AccessService) Decide(ctx context.Context, req types.AccessRequest) (types.AccessResponse, error) {
	now := s.now().UTC()

	deviceID := strings.TrimSpace(req.ScannerDeviceID)
	facilityID := strings.TrimSpace(req.FacilityID)
	code := strings.TrimSpace(req.Code)

	if deviceID == "" {
		return types.AccessResponse{}, ErrInvalidScannerID
	}
	if facilityID == "" {
		return types.AccessResponse{}, ErrInvalidFacilityID
	}
	if code == "" {
		return types.AccessResponse{}, ErrInvalidCode
	}

	if t := parseOptionalTimestamp(req.RequestedAt); t != nil {
		if skew := now.Sub(*t); skew > maxDeviceClockSkew || skew < -maxDeviceClockSkew {
			s.logger.Warn("scanner clock skew", "scanner_device_id", deviceID, "skew", skew.String())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	known, err := s.registry.IsKnown(ctx, deviceID)
	var ev evaluation
	switch {
	case err != nil:
		ev.decision = s.failure(ctx, err)
	case !known:
		ev.decision = types.Deny(types.ReasonUnknownScanner)
	default:
		ev = s.evaluate(ctx, code, facilityID, deviceID, now)
	}
	_ = s.registry.NoteSeen(context.WithoutCancel(ctx), deviceID, known)

	s.recordEvent(ctx, req, ev, now)

	return types.AccessResponse{
		OK:         known,
		Known:      known,
		Granted:    ev.decision.Granted,
		Reason:     ev.decision.Reason,
		Message:    ev.decision.HolderMessage(),
		FacilityID: facilityID,
		ServerTime: now.Format(time.RFC3339Nano),
	}, nil
}

func (s *AccessService) evaluate(ctx context.Context, code, facilityID, deviceID string, now time.Time) evaluation {
	cred, viaBundle, err := s.open(ctx, code, facilityID, now)
	if err != nil && !isDecodeError(err) {
		return evaluation{decision: s.failure(ctx, err)}
	}
	if err != nil {
		reason := credential.ReasonFor(err)
		if reason == types.ReasonTamperDetected {
			s.alerts.Notify(ctx, types.SecurityAlert{
				Kind:            types.AnomalyTamperDetected,
				FacilityID:      facilityID,
				ScannerDeviceID: deviceID,
				Detail:          "credential failed authentication",
				At:              now,
			})
		}
		// Expired credentials come back decoded so the denial names them.
		return evaluation{decision: types.Deny(reason), cred: cred}
	}

	level, perms := cred.AccessLevel, cred.Permissions
	if viaBundle {
		// A bundle key lives on a scanner and can mint any payload, so the
		// live identity decides, never the payload.
		identity, d, ok := s.liveIdentity(ctx, cred.SubjectID, deviceID, now)
		if !ok {
			return evaluation{decision: d, cred: cred}
		}
		level, perms = identity.AccessLevel, identity.Permissions
	}

	f, err := s.facilities.Facility(ctx, facilityID)
	if errors.Is(err, store.ErrNotFound) {
		return evaluation{decision: types.Deny(types.ReasonUnknownFacility), cred: cred}
	}
	if err != nil {
		return evaluation{decision: s.failure(ctx, err), cred: cred}
	}

	d := checkGrant(level, perms, liveState(f), now.In(s.loc))
	if !d.Granted {
		return evaluation{decision: d, cred: cred}
	}

	occupancy, ok, err := s.admit(ctx, facilityID)
	if err != nil {
		return evaluation{decision: s.failure(ctx, err), cred: cred}
	}
	if !ok {
		return evaluation{decision: types.Deny(types.ReasonAtCapacity), cred: cred}
	}
	return evaluation{decision: types.Grant(), cred: cred, occupancyAfter: &occupancy}
}

// open decodes code under the live keyring, then under the keys of
// unexpired bundles covering the facility. viaBundle reports that only a
// bundle key opened it.
func (s *AccessService) open(ctx context.Context, code, facilityID string, now time.Time) (cred types.Credential, viaBundle bool, err error) {
	cred, err = s.codec.DecodeAt(code, now, s.keys...)
	if !errors.Is(err, credential.ErrTamperDetected) || !s.acceptsBundleCodes() {
		return cred, false, err
	}
	keys, kerr := s.bundleKeys(ctx, facilityID, now)
	if kerr != nil {
		return types.Credential{}, false, kerr
	}
	if len(keys) == 0 {
		return cred, false, err
	}
	cred, err = s.codec.DecodeAt(code, now, keys...)
	if errors.Is(err, credential.ErrTamperDetected) {
		return cred, false, err
	}
	return cred, true, err
}

func isDecodeError(err error) bool {
	return errors.Is(err, credential.ErrMalformed) ||
		errors.Is(err, credential.ErrTamperDetected) ||
		errors.Is(err, credential.ErrExpired)
}

func (s *AccessService) acceptsBundleCodes() bool {
	return s.bundles != nil && s.identities != nil && s.integrity != nil
}

// bundleKeys are the keys of unexpired bundles that cover the facility.
func (s *AccessService) bundleKeys(ctx context.Context, facilityID string, now time.Time) ([]credential.Key, error) {
	recs, err := s.bundles.ActiveBundlesFor(ctx, facilityID, now)
	if err != nil {
		return nil, err
	}
	keys := make([]credential.Key, 0, len(recs))
	for _, rec := range recs {
		k, err := credential.NewKey(rec.BundleKey)
		if err != nil {
			s.logger.Warn("skipping bundle with bad key", "bundle_id", rec.BundleID)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// liveIdentity loads the current identity behind a bundle-key credential.
// ok is false when it is missing, inactive, expired or fails its
// integrity check; d is then the denial.
func (s *AccessService) liveIdentity(ctx context.Context, subjectID, deviceID string, now time.Time) (identity types.DigitalIdentity, d types.Decision, ok bool) {
	identity, err := s.identities.Identity(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return identity, types.Deny(types.ReasonNoFacilityPermission), false
	}
	if err != nil {
		return identity, s.failure(ctx, err), false
	}
	if !s.integrity.Verify(identity) {
		s.logger.Error("identity integrity mismatch", "subject_id", subjectID)
		s.alerts.Notify(ctx, types.SecurityAlert{
			Kind:            types.AnomalyIntegrityMismatch,
			SubjectID:       subjectID,
			ScannerDeviceID: deviceID,
			Detail:          "stored identity does not match its integrity hash",
			At:              now,
		})
		return identity, types.Deny(types.ReasonUnavailable), false
	}
	if !identity.IsActive || !now.Before(identity.ExpiresAt) {
		return identity, types.Deny(types.ReasonNoFacilityPermission), false
	}
	return identity, types.Decision{}, true
}

// admit takes an occupancy slot. The write runs on its own budget so a
// committed admit is never lost to the decision deadline; if the deadline
// passed meanwhile the slot is given back and the scan times out.
func (s *AccessService) admit(ctx context.Context, facilityID string) (int, bool, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	occupancy, ok, err := s.facilities.Admit(actx, facilityID)
	if err != nil || !ok {
		return occupancy, ok, err
	}
	if err := ctx.Err(); err != nil {
		if rerr := s.facilities.Release(actx, facilityID); rerr != nil {
			s.logger.Error("release after timed out admit", "err", rerr, "facility_id", facilityID)
		}
		return 0, false, err
	}
	return occupancy, true, nil
}

// failure turns an infrastructure error into a retryable deny.
func (s *AccessService) failure(ctx context.Context, err error) types.Decision {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.Deny(types.ReasonTimeout)
	}
	s.logger.Error("access evaluation failed", "err", err)
	return types.Deny(types.ReasonUnavailable)
}

// recordEvent persists the decision to the audit log. A failed write is
// logged and does not change the decision the scanner receives.
func (s *AccessService) recordEvent(ctx context.Context, req types.AccessRequest, ev evaluation, at time.Time) {
	rec := types.AccessEvent{
		SubjectID:          ev.cred.SubjectID,
		FacilityID:         strings.TrimSpace(req.FacilityID),
		Granted:            ev.decision.Granted,
		Reason:             ev.decision.Reason,
		Timestamp:          at,
		ScannerDeviceID:    strings.TrimSpace(req.ScannerDeviceID),
		Location:           strings.TrimSpace(req.Location),
		SourceCredentialID: sourceID(ev.cred, req.Code),
		Origin:             types.OriginOnline,
		OccupancyAfter:     ev.occupancyAfter,
		RecordedAt:         s.now().UTC(),
	}

	s.logger.Log(ctx, ev.decision.Reason.Level(), "access decision",
		"granted", rec.Granted,
		"reason", rec.Reason,
		"facility_id", rec.FacilityID,
		"scanner_device_id", rec.ScannerDeviceID,
		"subject_id", rec.SubjectID,
		"credential_id", rec.SourceCredentialID)

	// The decision has already been made; the audit write gets its own
	// budget even when the evaluation used up the request deadline.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if _, err := s.eventStore.RecordEvent(wctx, rec); err != nil {
		s.logger.Error("record access event", "err", err, "facility_id", rec.FacilityID)
	}
}

// sourceID names the credential behind an event. Codes that never decoded
// are named by a digest of their bytes so distinct bad codes stay distinct
// in the log.
func sourceID(cred types.Credential, code string) string {
	if cred.CredentialID != "" {
		return cred.CredentialID
	}
	sum := blake3.Sum256([]byte(strings.TrimSpace(code)))
	return "raw:" + hex.EncodeToString(sum[:8])
}

// parseOptionalTimestamp parses a device-reported timestamp. It returns nil
// if the string is empty or unparseable.
func parseOptionalTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		u := t.UTC()
		return &u
	}
	return nil
}
