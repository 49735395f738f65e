package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/credential"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

var (
	ErrUnknownScanner    = errors.New("scanner is not registered")
	ErrUnauthorizedScope = errors.New("facility scope not authorized for scanner")
	ErrUnknownBundle     = errors.New("bundle was not issued to this scanner")
)

const (
	DefaultBundleTTL      = 8 * time.Hour
	DefaultBundleMaxTTL   = 24 * time.Hour
	DefaultBundleMaxScope = 16
	DefaultReconcileBatch = 200

	// Offline events stamped further ahead of server time than this are
	// rejected as future-dated.
	maxFutureSkew = 5 * time.Minute
)

type OfflineConfig struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	MaxScope   int
	BatchSize  int
	Now        func() time.Time
}

// OfflineDeps are the collaborators of OfflineService.
type OfflineDeps struct {
	Registry   *DeviceRegistry
	Identities store.IdentityStore
	Facilities store.FacilityRegistry
	Bundles    store.BundleStore
	Events     store.AccessEventStore
	Integrity  *credential.Integrity
	Alerts     NotificationSink
	Logger     *slog.Logger
}

// OfflineService builds bundles for disconnected scanners and merges their
// queued events back into the audit log.
type OfflineService struct {
	deps  OfflineDeps
	cfg   OfflineConfig
	locks keyedMutex
}

func NewOfflineService(cfg OfflineConfig, deps OfflineDeps) *OfflineService {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultBundleTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultBundleMaxTTL
	}
	if cfg.DefaultTTL > cfg.MaxTTL {
		cfg.DefaultTTL = cfg.MaxTTL
	}
	if cfg.MaxScope <= 0 {
		cfg.MaxScope = DefaultBundleMaxScope
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReconcileBatch
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
	return &OfflineService{deps: deps, cfg: cfg}
}

// BuildBundle snapshots everything a scanner needs to validate the given
// facilities offline. The bundle is assembled in memory and registered
// only once complete, so a cancelled build leaves nothing behind.
func (s *OfflineService) BuildBundle(ctx context.Context, deviceID string, scope []string, ttl time.Duration) (*types.OfflineBundle, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrInvalidScannerID
	}
	sc, err := s.deps.Registry.Scanner(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !sc.Known {
		return nil, ErrUnknownScanner
	}

	scope = normalizeScope(scope)
	if len(scope) == 0 {
		return nil, fmt.Errorf("%w: empty scope", ErrUnauthorizedScope)
	}
	if len(scope) > s.cfg.MaxScope {
		return nil, fmt.Errorf("%w: %d facilities exceeds limit %d", ErrUnauthorizedScope, len(scope), s.cfg.MaxScope)
	}

	facilities := make([]types.FacilitySnapshot, 0, len(scope))
	for _, fid := range scope {
		if !sc.InScope(fid) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorizedScope, fid)
		}
		f, err := s.deps.Facilities.Facility(ctx, fid)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown facility %s", ErrUnauthorizedScope, fid)
		}
		if err != nil {
			return nil, err
		}
		facilities = append(facilities, types.FacilitySnapshot{
			FacilityID:        f.FacilityID,
			AccessRules:       append([]types.AccessRule(nil), f.AccessRules...),
			EmergencyLockdown: f.EmergencyLockdown,
			MaintenanceActive: f.MaintenanceActive,
		})
	}

	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}

	key, err := credential.GenerateKey()
	if err != nil {
		return nil, err
	}

	now := s.cfg.Now().UTC()
	identities, err := s.deps.Identities.ActiveIdentitiesFor(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}

	snapshot := make(map[string]types.SnapshotEntry, len(identities))
	for _, id := range identities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !id.IsActive || !now.Before(id.ExpiresAt) {
			continue
		}
		if !s.deps.Integrity.Verify(id) {
			s.deps.Logger.Error("identity integrity mismatch, left out of bundle", "subject_id", id.SubjectID)
			s.deps.Alerts.Notify(ctx, types.SecurityAlert{
				Kind:            types.AnomalyIntegrityMismatch,
				SubjectID:       id.SubjectID,
				ScannerDeviceID: deviceID,
				Detail:          "identity left out of offline bundle",
				At:              now,
			})
			continue
		}
		var perms []types.Permission
		for _, p := range id.Permissions {
			if slices.Contains(scope, p.FacilityID) && !p.ExpiredAt(now) {
				perms = append(perms, p)
			}
		}
		if len(perms) == 0 {
			continue
		}
		h, err := credential.SubjectHash(key, id.SubjectID)
		if err != nil {
			return nil, err
		}
		snapshot[h] = types.SnapshotEntry{AccessLevel: id.AccessLevel, Permissions: perms}
	}

	b := &types.OfflineBundle{
		BundleID:           uuid.NewString(),
		ScannerDeviceID:    deviceID,
		FacilityScope:      scope,
		Facilities:         facilities,
		PermissionSnapshot: snapshot,
		BundleKey:          key[:],
		IssuedAt:           now,
		ExpiresAt:          now.Add(ttl),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.deps.Bundles.PutBundle(ctx, store.BundleRecord{
		BundleID:        b.BundleID,
		ScannerDeviceID: deviceID,
		FacilityScope:   scope,
		BundleKey:       b.BundleKey,
		IssuedAt:        b.IssuedAt,
		ExpiresAt:       b.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("register bundle: %w", err)
	}

	s.deps.Logger.Info("offline bundle built",
		"bundle_id", b.BundleID,
		"scanner_device_id", deviceID,
		"facilities", len(scope),
		"subjects", len(snapshot),
		"expires_at", b.ExpiresAt)
	return b, nil
}

// Reconcile replays a bundle's queued events into the audit log. It is
// safe to call repeatedly: events already stored come back as duplicates.
// Replays for one device are serialized; different devices run in
// parallel. Events are written in chunks so a large backlog shares the
// writer with other devices.
//
// On a storage error the result so far is returned with the error; events
// not yet written stay pending and a retry picks them up.
func (s *OfflineService) Reconcile(ctx context.Context, b *types.OfflineBundle) (types.ReconcileResult, error) {
	if b == nil || strings.TrimSpace(b.BundleID) == "" {
		return types.ReconcileResult{}, ErrUnknownBundle
	}
	rec, err := s.deps.Bundles.Bundle(ctx, b.BundleID)
	if errors.Is(err, store.ErrNotFound) {
		return types.ReconcileResult{}, ErrUnknownBundle
	}
	if err != nil {
		return types.ReconcileResult{}, err
	}
	if rec.ScannerDeviceID != strings.TrimSpace(b.ScannerDeviceID) {
		return types.ReconcileResult{}, fmt.Errorf("%w: bundle belongs to %s", ErrUnknownBundle, rec.ScannerDeviceID)
	}

	unlock := s.locks.Lock(rec.ScannerDeviceID)
	defer unlock()

	queued := b.Queued()
	res := types.ReconcileResult{Outcomes: make([]types.EventOutcome, len(queued))}
	for i := range queued {
		res.Outcomes[i] = types.EventOutcome{Index: i, State: types.EventPending}
	}

	now := s.cfg.Now().UTC()
	subjects := make(map[string]bool) // subject -> still active
	facilities := make(map[string]bool)

	for start := 0; start < len(queued); start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+s.cfg.BatchSize, len(queued))

		var (
			batch []types.AccessEvent
			idx   []int
		)
		for i := start; i < end; i++ {
			res.Outcomes[i].State = types.EventInFlight
			ev, reason, err := s.prepare(ctx, rec, queued[i], now, subjects, facilities)
			if err != nil {
				return res, err
			}
			if reason != "" {
				res.Outcomes[i].State = types.EventRejected
				res.Outcomes[i].Detail = reason
				res.Rejected++
				continue
			}
			batch = append(batch, ev)
			idx = append(idx, i)
		}

		inserted, err := s.deps.Events.RecordEvents(ctx, batch)
		if err != nil {
			for _, i := range idx {
				res.Outcomes[i].State = types.EventPending
			}
			return res, fmt.Errorf("reconcile %s: %w", rec.BundleID, err)
		}
		for j, i := range idx {
			if !inserted[j] {
				res.Outcomes[i].State = types.EventDuplicate
				res.Duplicates++
				continue
			}
			res.Outcomes[i].State = types.EventAccepted
			res.Accepted++
			if batch[j].Reason == types.ReasonTamperDetected {
				s.deps.Alerts.Notify(ctx, types.SecurityAlert{
					Kind:            types.AnomalyTamperDetected,
					SubjectID:       batch[j].SubjectID,
					FacilityID:      batch[j].FacilityID,
					ScannerDeviceID: batch[j].ScannerDeviceID,
					Detail:          "tampered credential scanned offline",
					At:              batch[j].Timestamp,
				})
			}
		}
	}

	_ = s.deps.Registry.NoteSeen(ctx, rec.ScannerDeviceID, true)

	level := slog.LevelInfo
	if res.Rejected > 0 {
		level = slog.LevelWarn
	}
	s.deps.Logger.Log(ctx, level, "offline events reconciled",
		"bundle_id", rec.BundleID,
		"scanner_device_id", rec.ScannerDeviceID,
		"accepted", res.Accepted,
		"duplicates", res.Duplicates,
		"rejected", res.Rejected)
	return res, nil
}

// prepare validates one queued event. A non-empty reason rejects the event
// alone; an error aborts the replay.
func (s *OfflineService) prepare(
	ctx context.Context,
	rec store.BundleRecord,
	ev types.AccessEvent,
	now time.Time,
	subjects, facilities map[string]bool,
) (types.AccessEvent, string, error) {
	switch {
	case strings.TrimSpace(ev.FacilityID) == "":
		return ev, "missing facility_id", nil
	case ev.Timestamp.IsZero():
		return ev, "missing timestamp", nil
	case ev.Reason == "":
		return ev, "missing reason", nil
	case ev.ScannerDeviceID != "" && ev.ScannerDeviceID != rec.ScannerDeviceID:
		return ev, "event from another scanner", nil
	case !slices.Contains(rec.FacilityScope, ev.FacilityID):
		return ev, "facility outside bundle scope", nil
	case ev.Timestamp.After(now.Add(maxFutureSkew)):
		return ev, "future-dated event", nil
	case ev.Timestamp.Before(rec.IssuedAt):
		return ev, "event predates bundle", nil
	}

	exists, ok := facilities[ev.FacilityID]
	if !ok {
		_, err := s.deps.Facilities.Facility(ctx, ev.FacilityID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			exists = false
		case err != nil:
			return ev, "", err
		default:
			exists = true
		}
		facilities[ev.FacilityID] = exists
	}
	if !exists {
		return ev, "unknown facility", nil
	}

	ev.ID = ""
	ev.ScannerDeviceID = rec.ScannerDeviceID
	ev.Origin = types.OriginOfflineSync
	ev.OccupancyAfter = nil
	ev.RecordedAt = now
	ev.PostHocInvalid = false

	if ev.SubjectID != "" {
		active, ok := subjects[ev.SubjectID]
		if !ok {
			id, err := s.deps.Identities.Identity(ctx, ev.SubjectID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				active = false
			case err != nil:
				return ev, "", err
			default:
				active = id.IsActive
			}
			subjects[ev.SubjectID] = active
		}
		// History is kept as it happened; review is flagged instead.
		ev.PostHocInvalid = !active
	}
	return ev, "", nil
}

func normalizeScope(scope []string) []string {
	out := make([]string, 0, len(scope))
	for _, f := range scope {
		f = strings.TrimSpace(f)
		if f != "" && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}
