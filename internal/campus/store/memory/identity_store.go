package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

type IdentityStore struct {
	mu         sync.RWMutex
	identities map[string]types.DigitalIdentity
	issued     map[string]string // credential id -> subject id
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		identities: make(map[string]types.DigitalIdentity),
		issued:     make(map[string]string),
	}
}

func (s *IdentityStore) Identity(_ context.Context, subjectID string) (types.DigitalIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[subjectID]
	if !ok {
		return types.DigitalIdentity{}, store.ErrNotFound
	}
	return cloneIdentity(id), nil
}

func (s *IdentityStore) PutIdentity(_ context.Context, id types.DigitalIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.SubjectID] = cloneIdentity(id)
	return nil
}

func (s *IdentityStore) ActiveIdentitiesFor(ctx context.Context, scope []string) ([]types.DigitalIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.DigitalIdentity
	for _, id := range s.identities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !id.IsActive {
			continue
		}
		for _, p := range id.Permissions {
			if contains(scope, p.FacilityID) {
				out = append(out, cloneIdentity(id))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (s *IdentityStore) RecordIssued(_ context.Context, credentialID, subjectID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.issued[credentialID]; dup {
		return store.ErrCredentialReuse
	}
	s.issued[credentialID] = subjectID
	return nil
}

// Tamper overwrites a stored record without touching its integrity hash,
// the way a direct datastore edit would. Test-only helper.
func (s *IdentityStore) Tamper(subjectID string, fn func(*types.DigitalIdentity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.identities[subjectID]
	fn(&id)
	s.identities[subjectID] = id
}

func cloneIdentity(id types.DigitalIdentity) types.DigitalIdentity {
	id.Permissions = append([]types.Permission(nil), id.Permissions...)
	id.IntegrityHash = append([]byte(nil), id.IntegrityHash...)
	return id
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
