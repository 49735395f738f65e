package credential

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	"github.com/BrandonDHaskell/campusgate/server/internal/codec"
)

// integrityInput is exactly what the integrity hash covers.
type integrityInput struct {
	SubjectID   string             `cbor:"1,keyasint"`
	AccessLevel types.AccessLevel  `cbor:"2,keyasint"`
	Permissions []types.Permission `cbor:"3,keyasint"`
}

// Integrity computes BLAKE3 keyed hashes over identity records so direct
// edits to the datastore are detected before a credential is issued.
type Integrity struct {
	key Key
}

// NewIntegrity derives the hashing key from secret.
func NewIntegrity(secret []byte) (*Integrity, error) {
	k, err := DeriveKey(secret, LabelIntegrity)
	if err != nil {
		return nil, err
	}
	return &Integrity{key: k}, nil
}

// Sum returns the keyed hash of the identity's protected fields.
func (i *Integrity) Sum(id types.DigitalIdentity) ([]byte, error) {
	perms := id.Permissions
	if perms == nil {
		perms = []types.Permission{}
	}
	data, err := codec.Marshal(integrityInput{
		SubjectID:   id.SubjectID,
		AccessLevel: id.AccessLevel,
		Permissions: perms,
	})
	if err != nil {
		return nil, fmt.Errorf("credential: integrity input: %w", err)
	}

	h, err := blake3.NewKeyed(i.key[:])
	if err != nil {
		return nil, fmt.Errorf("credential: integrity hasher: %w", err)
	}
	_, _ = h.Write(data)
	return h.Sum(nil), nil
}

// Seal sets IntegrityHash on id.
func (i *Integrity) Seal(id *types.DigitalIdentity) error {
	sum, err := i.Sum(*id)
	if err != nil {
		return err
	}
	id.IntegrityHash = sum
	return nil
}

// Verify recomputes the hash and compares it in constant time.
func (i *Integrity) Verify(id types.DigitalIdentity) bool {
	if len(id.IntegrityHash) == 0 {
		return false
	}
	sum, err := i.Sum(id)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(sum, id.IntegrityHash) == 1
}

// SubjectHash is the key of a subject in a bundle's permission snapshot.
// It is keyed per bundle so snapshots from different bundles cannot be
// joined on subject.
func SubjectHash(bundleKey Key, subjectID string) (string, error) {
	k, err := DeriveKey(bundleKey[:], LabelSubjectHash)
	if err != nil {
		return "", err
	}
	h, err := blake3.NewKeyed(k[:])
	if err != nil {
		return "", err
	}
	_, _ = h.Write([]byte(subjectID))
	return hex.EncodeToString(h.Sum(nil)), nil
}
