package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	"github.com/BrandonDHaskell/campusgate/server/internal/codec"
)

// FormatVersion is the first byte of every encoded credential.
const FormatVersion byte = 1

const (
	nonceSize = 12
	tagSize   = 16
	minSize   = 1 + nonceSize + tagSize

	// maxEncodedLen bounds the work done on attacker input before any
	// cryptography runs. Real credentials are a few hundred bytes.
	maxEncodedLen = 16 << 10
)

var (
	ErrEncoding       = errors.New("credential: encoding failed")
	ErrMalformed      = errors.New("credential: malformed")
	ErrTamperDetected = errors.New("credential: tamper detected")
	ErrExpired        = errors.New("credential: expired")
)

// Codec seals and opens credentials. It holds no keys and no mutable state;
// one value may be shared by any number of goroutines.
type Codec struct {
	now  func() time.Time
	rand io.Reader
}

// NewCodec returns a Codec reading the current time from now. A nil now
// uses time.Now.
func NewCodec(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{now: now, rand: rand.Reader}
}

// Encode serializes c deterministically and seals it under key.
func (c *Codec) Encode(cred types.Credential, key Key) (string, error) {
	if err := cred.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	payload, err := codec.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	out := make([]byte, 1+nonceSize, minSize+len(payload))
	out[0] = FormatVersion
	if _, err := io.ReadFull(c.rand, out[1:1+nonceSize]); err != nil {
		return "", fmt.Errorf("%w: nonce: %w", ErrEncoding, err)
	}
	out = aead.Seal(out, out[1:1+nonceSize], payload, out[:1])

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decode opens s with the first key in keys whose tag verifies, then checks
// expiry against the codec's clock.
func (c *Codec) Decode(s string, keys ...Key) (types.Credential, error) {
	return c.DecodeAt(s, c.now(), keys...)
}

// DecodeAt is Decode with an explicit current time.
//
// On ErrExpired the decoded credential is returned alongside the error so
// the denial can be attributed in the audit log. On every other error the
// credential is the zero value.
func (c *Codec) DecodeAt(s string, now time.Time, keys ...Key) (types.Credential, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || len(s) > maxEncodedLen {
		return types.Credential{}, fmt.Errorf("%w: length %d", ErrMalformed, len(s))
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return types.Credential{}, fmt.Errorf("%w: not base64url", ErrMalformed)
	}
	if len(raw) < minSize {
		return types.Credential{}, fmt.Errorf("%w: %d bytes is too short", ErrMalformed, len(raw))
	}

	// The version byte is authenticated data; an unknown value can only
	// come from modification.
	if raw[0] != FormatVersion {
		return types.Credential{}, ErrTamperDetected
	}

	nonce := raw[1 : 1+nonceSize]
	sealed := raw[1+nonceSize:]

	var plaintext []byte
	opened := false
	for _, key := range keys {
		aead, err := newAEAD(key)
		if err != nil {
			continue
		}
		// GCM verifies the tag in constant time before releasing any
		// plaintext.
		if pt, err := aead.Open(nil, nonce, sealed, raw[:1]); err == nil {
			plaintext = pt
			opened = true
			break
		}
	}
	if !opened {
		return types.Credential{}, ErrTamperDetected
	}

	var cred types.Credential
	if err := codec.Unmarshal(plaintext, &cred); err != nil {
		return types.Credential{}, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	if err := cred.Validate(); err != nil {
		return types.Credential{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if !now.Before(cred.ExpiresAt) {
		return cred, ErrExpired
	}
	return cred, nil
}

// ReasonFor maps a Decode error to a denial reason.
func ReasonFor(err error) types.Reason {
	switch {
	case errors.Is(err, ErrTamperDetected):
		return types.ReasonTamperDetected
	case errors.Is(err, ErrExpired):
		return types.ReasonExpired
	default:
		return types.ReasonMalformed
	}
}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
