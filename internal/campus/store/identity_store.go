package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// IdentityStore holds DigitalIdentity records and the history of issued
// credential IDs. It is also the user directory for active/inactive status.
type IdentityStore interface {
	// Identity returns ErrNotFound for unknown subjects.
	Identity(ctx context.Context, subjectID string) (types.DigitalIdentity, error)

	PutIdentity(ctx context.Context, id types.DigitalIdentity) error

	// ActiveIdentitiesFor returns active identities holding a permission
	// for at least one facility in scope.
	ActiveIdentitiesFor(ctx context.Context, scope []string) ([]types.DigitalIdentity, error)

	// RecordIssued adds a credential ID to the history. A second record
	// for the same ID fails with ErrCredentialReuse.
	RecordIssued(ctx context.Context, credentialID, subjectID string, issuedAt time.Time) error
}
