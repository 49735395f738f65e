package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/credential"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

var (
	ErrInvalidSubjectID  = errors.New("subject_id is required")
	ErrIdentityInactive  = errors.New("identity is inactive")
	ErrIdentityExpired   = errors.New("identity has expired")
	ErrIntegrityMismatch = errors.New("identity integrity check failed")
	ErrNoActiveBundle    = errors.New("scanner holds no active offline bundle")
)

// DefaultCredentialTTL is the lifetime of a credential when none is
// configured.
const DefaultCredentialTTL = 5 * time.Minute

const credentialNonceSize = 16

// IssuedCredential is the result of an issuance: the opaque code for the QR
// image and the payload it carries.
type IssuedCredential struct {
	Code       string
	Credential types.Credential
}

type IssuerConfig struct {
	Keys credential.Keyring

	// MaxTTL clamps every requested lifetime. Zero means
	// DefaultCredentialTTL.
	MaxTTL time.Duration

	Now func() time.Time
}

// Issuer turns DigitalIdentity records into short-lived credentials.
type Issuer struct {
	codec      *credential.Codec
	keys       credential.Keyring
	integrity  *credential.Integrity
	identities store.IdentityStore
	bundles    store.BundleStore
	alerts     NotificationSink
	logger     *slog.Logger
	maxTTL     time.Duration
	now        func() time.Time
	rand       io.Reader
}

func NewIssuer(
	cfg IssuerConfig,
	integrity *credential.Integrity,
	identities store.IdentityStore,
	bundles store.BundleStore,
	alerts NotificationSink,
	logger *slog.Logger,
) *Issuer {
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultCredentialTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		codec:      credential.NewCodec(cfg.Now),
		keys:       cfg.Keys,
		integrity:  integrity,
		identities: identities,
		bundles:    bundles,
		alerts:     alerts,
		logger:     logger,
		maxTTL:     cfg.MaxTTL,
		now:        cfg.Now,
		rand:       rand.Reader,
	}
}

// Issue builds a credential from identity and seals it under the primary
// key. ttl is clamped to the configured maximum; zero or negative means the
// maximum.
func (i *Issuer) Issue(identity types.DigitalIdentity, ttl time.Duration) (IssuedCredential, error) {
	key, err := i.keys.Primary()
	if err != nil {
		return IssuedCredential{}, err
	}
	return i.issueWith(identity, ttl, key)
}

func (i *Issuer) issueWith(identity types.DigitalIdentity, ttl time.Duration, key credential.Key) (IssuedCredential, error) {
	now := i.now().UTC()
	if !identity.IsActive {
		return IssuedCredential{}, ErrIdentityInactive
	}
	if !now.Before(identity.ExpiresAt) {
		return IssuedCredential{}, ErrIdentityExpired
	}
	if ttl <= 0 || ttl > i.maxTTL {
		ttl = i.maxTTL
	}

	nonce := make([]byte, credentialNonceSize)
	if _, err := io.ReadFull(i.rand, nonce); err != nil {
		return IssuedCredential{}, fmt.Errorf("credential nonce: %w", err)
	}

	cred := types.Credential{
		SubjectID:    identity.SubjectID,
		CredentialID: uuid.NewString(),
		AccessLevel:  identity.AccessLevel,
		Permissions:  append([]types.Permission(nil), identity.Permissions...),
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Nonce:        nonce,
	}
	code, err := i.codec.Encode(cred, key)
	if err != nil {
		return IssuedCredential{}, err
	}
	return IssuedCredential{Code: code, Credential: cred}, nil
}

// VerifyIntegrity reports whether identity's hash still matches its fields.
func (i *Issuer) VerifyIntegrity(identity types.DigitalIdentity) bool {
	return i.integrity.Verify(identity)
}

// IssueCredential loads the subject's identity, checks its integrity and
// issues a credential under the primary key.
func (i *Issuer) IssueCredential(ctx context.Context, subjectID string) (IssuedCredential, error) {
	identity, err := i.loadTrusted(ctx, subjectID, "")
	if err != nil {
		return IssuedCredential{}, err
	}
	key, err := i.keys.Primary()
	if err != nil {
		return IssuedCredential{}, err
	}
	out, err := i.issueWith(identity, 0, key)
	if err != nil {
		return IssuedCredential{}, err
	}
	return out, i.record(ctx, out, "")
}

// IssueOfflineCredential issues a credential sealed under the newest
// active bundle key of deviceID, so that scanner can validate it while
// disconnected. The server accepts it online as well while the bundle
// lives.
func (i *Issuer) IssueOfflineCredential(ctx context.Context, subjectID, deviceID string) (IssuedCredential, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return IssuedCredential{}, ErrInvalidScannerID
	}
	identity, err := i.loadTrusted(ctx, subjectID, deviceID)
	if err != nil {
		return IssuedCredential{}, err
	}

	rec, err := i.bundles.LatestBundle(ctx, deviceID, i.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return IssuedCredential{}, ErrNoActiveBundle
	}
	if err != nil {
		return IssuedCredential{}, err
	}
	key, err := credential.NewKey(rec.BundleKey)
	if err != nil {
		return IssuedCredential{}, err
	}

	// Never outlive the bundle that can read it.
	ttl := i.maxTTL
	left := rec.ExpiresAt.Sub(i.now())
	if left <= 0 {
		return IssuedCredential{}, ErrNoActiveBundle
	}
	if left < ttl {
		ttl = left
	}
	out, err := i.issueWith(identity, ttl, key)
	if err != nil {
		return IssuedCredential{}, err
	}
	return out, i.record(ctx, out, deviceID)
}

func (i *Issuer) loadTrusted(ctx context.Context, subjectID, deviceID string) (types.DigitalIdentity, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return types.DigitalIdentity{}, ErrInvalidSubjectID
	}
	identity, err := i.identities.Identity(ctx, subjectID)
	if err != nil {
		return types.DigitalIdentity{}, err
	}
	if !i.integrity.Verify(identity) {
		i.logger.Error("identity integrity mismatch", "subject_id", subjectID)
		i.alerts.Notify(ctx, types.SecurityAlert{
			Kind:            types.AnomalyIntegrityMismatch,
			SubjectID:       subjectID,
			ScannerDeviceID: deviceID,
			Detail:          "stored identity does not match its integrity hash",
			At:              i.now().UTC(),
		})
		return types.DigitalIdentity{}, ErrIntegrityMismatch
	}
	return identity, nil
}

func (i *Issuer) record(ctx context.Context, out IssuedCredential, deviceID string) error {
	cred := out.Credential
	err := i.identities.RecordIssued(ctx, cred.CredentialID, cred.SubjectID, cred.IssuedAt)
	if errors.Is(err, store.ErrCredentialReuse) {
		i.logger.Error("credential id reused", "credential_id", cred.CredentialID, "subject_id", cred.SubjectID)
		i.alerts.Notify(ctx, types.SecurityAlert{
			Kind:            types.AnomalyCredentialReuse,
			SubjectID:       cred.SubjectID,
			ScannerDeviceID: deviceID,
			Detail:          "credential id " + cred.CredentialID + " was already issued",
			At:              i.now().UTC(),
		})
		return err
	}
	if err != nil {
		return fmt.Errorf("record issued credential: %w", err)
	}
	i.logger.Debug("credential issued",
		"subject_id", cred.SubjectID,
		"credential_id", cred.CredentialID,
		"expires_at", cred.ExpiresAt,
		"offline_device", deviceID)
	return nil
}
