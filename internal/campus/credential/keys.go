package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every symmetric key in this package.
const KeySize = 32

var ErrInvalidKey = errors.New("credential: invalid key")

// Key is a 256-bit AES key.
type Key [KeySize]byte

// NewKey copies b into a Key.
func NewKey(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("credential: generating key: %w", err)
	}
	return k, nil
}

// ParseKey decodes a base64url (padded or not) or standard base64 key.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return NewKey(b)
		}
	}
	return Key{}, fmt.Errorf("%w: not base64", ErrInvalidKey)
}

// String returns the base64url form. Never log it.
func (k Key) String() string {
	return base64.RawURLEncoding.EncodeToString(k[:])
}

// Keyring is an ordered set of keys accepted for decoding. The first entry
// is the primary key used for encoding; later entries are retired keys kept
// for the rotation grace period.
type Keyring []Key

func (r Keyring) Primary() (Key, error) {
	if len(r) == 0 {
		return Key{}, fmt.Errorf("%w: empty keyring", ErrInvalidKey)
	}
	return r[0], nil
}

// ParseKeyring parses a primary key and any number of retired keys.
func ParseKeyring(primary string, retired []string) (Keyring, error) {
	p, err := ParseKey(primary)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}
	ring := Keyring{p}
	for i, s := range retired {
		k, err := ParseKey(s)
		if err != nil {
			return nil, fmt.Errorf("retired key %d: %w", i, err)
		}
		ring = append(ring, k)
	}
	return ring, nil
}

// Labels for HKDF sub-keys. Changing one invalidates everything derived
// under it.
const (
	LabelIntegrity   = "campusgate identity integrity v1"
	LabelSubjectHash = "campusgate bundle subject hash v1"
)

// DeriveKey expands secret into a 32-byte sub-key bound to label.
func DeriveKey(secret []byte, label string) (Key, error) {
	var k Key
	if len(secret) == 0 {
		return k, fmt.Errorf("%w: empty secret", ErrInvalidKey)
	}
	h := hkdf.New(sha256.New, secret, nil, []byte(label))
	if _, err := io.ReadFull(h, k[:]); err != nil {
		return k, fmt.Errorf("credential: deriving %q: %w", label, err)
	}
	return k, nil
}
