// Package credential seals credentials into QR-safe strings and opens them
// again, and computes the keyed hashes that protect identity records and
// offline permission snapshots.
//
// Wire format of an encoded credential, before base64url (no padding):
//
//	version(1) || nonce(12) || AES-256-GCM ciphertext || tag(16)
//
// The version byte is bound as associated data, so changing any byte of
// the string is caught by tag verification before the payload is parsed.
package credential
