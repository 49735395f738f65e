// Package seal encrypts offline bundles to a scanner's age x25519 public
// key. A bundle carries the key that opens offline credentials, so it only
// leaves the server sealed when the scanner has registered a recipient.
package seal

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// ContentType marks a sealed response body. The plaintext media type goes
// in the X-Sealed-Content-Type header.
const ContentType = "application/age"

var ErrNoRecipient = errors.New("seal: no recipient")

// Keypair is an age x25519 keypair in its text forms.
type Keypair struct {
	// Identity is the AGE-SECRET-KEY-1... string. It belongs on the
	// scanner only and must never be logged.
	Identity string

	// Recipient is the age1... public key registered with the server.
	Recipient string
}

func GenerateKeypair() (Keypair, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return Keypair{}, fmt.Errorf("generating age keypair: %w", err)
	}
	return Keypair{Identity: id.String(), Recipient: id.Recipient().String()}, nil
}

// ParseRecipient validates a scanner's registered public key.
func ParseRecipient(s string) error {
	if _, err := age.ParseX25519Recipient(s); err != nil {
		return fmt.Errorf("invalid age recipient: %w", err)
	}
	return nil
}

// Seal encrypts plaintext to the given recipients.
func Seal(plaintext []byte, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipient
	}
	rs := make([]age.Recipient, 0, len(recipients))
	for _, s := range recipients {
		r, err := age.ParseX25519Recipient(s)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", s, err)
		}
		rs = append(rs, r)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, rs...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts a sealed payload with the scanner's identity.
func Open(ciphertext []byte, identity string) ([]byte, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), id)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	return out, nil
}
