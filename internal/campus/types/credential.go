package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Credential is the payload sealed inside a QR code. It lives for minutes,
// unlike the DigitalIdentity it is issued from.
type Credential struct {
	SubjectID    string       `cbor:"1,keyasint"`
	CredentialID string       `cbor:"2,keyasint"`
	AccessLevel  AccessLevel  `cbor:"3,keyasint"`
	Permissions  []Permission `cbor:"4,keyasint"`
	IssuedAt     time.Time    `cbor:"5,keyasint"`
	ExpiresAt    time.Time    `cbor:"6,keyasint"`
	Nonce        []byte       `cbor:"7,keyasint"`
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.SubjectID) == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidCredential)
	}
	if strings.TrimSpace(c.CredentialID) == "" {
		return fmt.Errorf("%w: credential_id is required", ErrInvalidCredential)
	}
	if !c.AccessLevel.Valid() {
		return fmt.Errorf("%w: access level %q", ErrInvalidCredential, c.AccessLevel)
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return fmt.Errorf("%w: expires_at must be after issued_at", ErrInvalidCredential)
	}
	for _, p := range c.Permissions {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		}
	}
	return nil
}

// Permission returns the credential's grant for facilityID.
func (c Credential) Permission(facilityID string) (Permission, bool) {
	return FindPermission(c.Permissions, facilityID)
}

// DigitalIdentity is the long-lived record credentials are issued from.
// IntegrityHash covers SubjectID, AccessLevel and Permissions and must be
// recomputed on every change to them.
type DigitalIdentity struct {
	SubjectID     string
	AccessLevel   AccessLevel
	Permissions   []Permission
	IsActive      bool
	ExpiresAt     time.Time
	IntegrityHash []byte
	UpdatedAt     time.Time
}

// HasGrantFor reports whether any unexpired permission targets a facility
// in scope.
func (d DigitalIdentity) HasGrantFor(scope []string, now time.Time) bool {
	for _, p := range d.Permissions {
		if p.ExpiredAt(now) {
			continue
		}
		for _, f := range scope {
			if p.FacilityID == f {
				return true
			}
		}
	}
	return false
}
