package service

import (
	"errors"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/credential"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

var ErrBundleExpired = errors.New("offline bundle has expired")

// OfflineValidator is the scanner-side check against a bundle. It needs no
// network and no server state.
//
// Capacity and live lockdown are not known offline. Lockdown and
// maintenance are enforced as they were when the bundle was built, and the
// bundle lifetime cap bounds how stale that can be.
type OfflineValidator struct {
	codec *credential.Codec
	loc   *time.Location
}

func NewOfflineValidator(loc *time.Location) *OfflineValidator {
	if loc == nil {
		loc = time.UTC
	}
	return &OfflineValidator{codec: credential.NewCodec(nil), loc: loc}
}

// Validate decides one offline scan and queues the decision on the bundle,
// grant or deny. An expired bundle denies everything and returns
// ErrBundleExpired along with the decision.
func (v *OfflineValidator) Validate(b *types.OfflineBundle, code, facilityID string, scanTime time.Time) (types.Decision, error) {
	d, cred := v.decide(b, code, facilityID, scanTime)

	b.Enqueue(types.AccessEvent{
		SubjectID:          cred.SubjectID,
		FacilityID:         facilityID,
		Granted:            d.Granted,
		Reason:             d.Reason,
		Timestamp:          scanTime.UTC(),
		ScannerDeviceID:    b.ScannerDeviceID,
		SourceCredentialID: sourceID(cred, code),
		Origin:             types.OriginOfflineSync,
	})

	if d.Reason == types.ReasonBundleExpired {
		return d, ErrBundleExpired
	}
	return d, nil
}

func (v *OfflineValidator) decide(b *types.OfflineBundle, code, facilityID string, scanTime time.Time) (types.Decision, types.Credential) {
	if b.ExpiredAt(scanTime) {
		return types.Deny(types.ReasonBundleExpired), types.Credential{}
	}
	snap, ok := b.Facility(facilityID)
	if !ok || !b.InScope(facilityID) {
		return types.Deny(types.ReasonUnauthorizedScope), types.Credential{}
	}
	key, err := credential.NewKey(b.BundleKey)
	if err != nil {
		return types.Deny(types.ReasonUnavailable), types.Credential{}
	}

	cred, err := v.codec.DecodeAt(code, scanTime, key)
	if err != nil {
		return types.Deny(credential.ReasonFor(err)), cred
	}

	h, err := credential.SubjectHash(key, cred.SubjectID)
	if err != nil {
		return types.Deny(types.ReasonUnavailable), cred
	}
	entry, ok := b.PermissionSnapshot[h]
	if !ok {
		// Not in the snapshot: inactive, expired, or no grant in scope.
		return types.Deny(types.ReasonNoFacilityPermission), cred
	}

	// The snapshot is authoritative, not the permissions the credential
	// carries.
	return checkGrant(entry.AccessLevel, entry.Permissions, snapshotState(snap), scanTime.In(v.loc)), cred
}
