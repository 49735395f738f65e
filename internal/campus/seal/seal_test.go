package seal_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/seal"
)

func TestGenerateKeypair(t *testing.T) {
	kp, err := seal.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if !strings.HasPrefix(kp.Identity, "AGE-SECRET-KEY-1") {
		t.Errorf("expected AGE-SECRET-KEY-1 prefix, got %q", kp.Identity[:10])
	}
	if !strings.HasPrefix(kp.Recipient, "age1") {
		t.Errorf("expected age1 prefix, got %q", kp.Recipient)
	}
	if err := seal.ParseRecipient(kp.Recipient); err != nil {
		t.Errorf("ParseRecipient: %v", err)
	}
}

func TestSealOpen(t *testing.T) {
	kp, err := seal.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("offline bundle bytes")

	ct, err := seal.Seal(plaintext, kp.Recipient)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ct, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := seal.Open(ct, kp.Identity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, got)
	}
}

func TestOpen_WrongIdentity(t *testing.T) {
	kp, _ := seal.GenerateKeypair()
	other, _ := seal.GenerateKeypair()

	ct, err := seal.Seal([]byte("secret"), kp.Recipient)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := seal.Open(ct, other.Identity); err == nil {
		t.Error("expected error opening with another scanner's identity")
	}
}

func TestSeal_Errors(t *testing.T) {
	if _, err := seal.Seal([]byte("x")); !errors.Is(err, seal.ErrNoRecipient) {
		t.Errorf("expected ErrNoRecipient, got %v", err)
	}
	if _, err := seal.Seal([]byte("x"), "not-a-key"); err == nil {
		t.Error("expected error for invalid recipient")
	}
	if err := seal.ParseRecipient("age1nope"); err == nil {
		t.Error("expected error for invalid recipient")
	}
}
