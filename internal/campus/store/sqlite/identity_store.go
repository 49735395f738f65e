package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
	dbpkg "github.com/BrandonDHaskell/campusgate/server/internal/db"
)

type IdentityStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewIdentityStore(db *sql.DB, writer *dbpkg.Worker) *IdentityStore {
	return &IdentityStore{db: db, writer: writer}
}

const identityColumns = `subject_id, access_level, permissions, is_active, expires_at_ms, integrity_hash, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(r rowScanner) (types.DigitalIdentity, error) {
	var (
		id                  types.DigitalIdentity
		level               string
		perms               []byte
		active              int
		expiresMs, updateMs int64
	)
	if err := r.Scan(&id.SubjectID, &level, &perms, &active, &expiresMs, &id.IntegrityHash, &updateMs); err != nil {
		return types.DigitalIdentity{}, err
	}
	p, err := types.DecodePermissions(perms)
	if err != nil {
		return types.DigitalIdentity{}, fmt.Errorf("decode permissions for %s: %w", id.SubjectID, err)
	}
	id.AccessLevel = types.AccessLevel(level)
	id.Permissions = p
	id.IsActive = active == 1
	id.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	id.UpdatedAt = time.UnixMilli(updateMs).UTC()
	return id, nil
}

func (s *IdentityStore) Identity(ctx context.Context, subjectID string) (types.DigitalIdentity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE subject_id = ?;`, subjectID)
	id, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DigitalIdentity{}, store.ErrNotFound
	}
	if err != nil {
		return types.DigitalIdentity{}, fmt.Errorf("Identity query: %w", err)
	}
	return id, nil
}

// PutIdentity stores the record as given. The caller owns IntegrityHash.
func (s *IdentityStore) PutIdentity(ctx context.Context, id types.DigitalIdentity) error {
	if strings.TrimSpace(id.SubjectID) == "" {
		return fmt.Errorf("PutIdentity: empty subject id")
	}
	perms, err := types.EncodePermissions(id.Permissions)
	if err != nil {
		return fmt.Errorf("PutIdentity encode permissions: %w", err)
	}
	if id.UpdatedAt.IsZero() {
		id.UpdatedAt = time.Now().UTC()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO identities(`+identityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(subject_id) DO UPDATE SET
  access_level = excluded.access_level,
  permissions = excluded.permissions,
  is_active = excluded.is_active,
  expires_at_ms = excluded.expires_at_ms,
  integrity_hash = excluded.integrity_hash,
  updated_at_ms = excluded.updated_at_ms;
`,
			id.SubjectID, string(id.AccessLevel), perms, boolInt(id.IsActive),
			id.ExpiresAt.UTC().UnixMilli(), id.IntegrityHash, id.UpdatedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("PutIdentity upsert: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM identity_facilities WHERE subject_id = ?;`, id.SubjectID); err != nil {
			return fmt.Errorf("PutIdentity clear index: %w", err)
		}
		for _, p := range id.Permissions {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO identity_facilities(subject_id, facility_id) VALUES (?, ?);
`, id.SubjectID, p.FacilityID); err != nil {
				return fmt.Errorf("PutIdentity index %s: %w", p.FacilityID, err)
			}
		}
		return nil
	})
}

func (s *IdentityStore) ActiveIdentitiesFor(ctx context.Context, scope []string) ([]types.DigitalIdentity, error) {
	if len(scope) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(scope)), ",")
	args := make([]any, len(scope))
	for i, f := range scope {
		args[i] = f
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+identityColumns+`
FROM identities
WHERE is_active = 1
  AND subject_id IN (SELECT subject_id FROM identity_facilities WHERE facility_id IN (`+marks+`))
ORDER BY subject_id;
`, args...)
	if err != nil {
		return nil, fmt.Errorf("ActiveIdentitiesFor query: %w", err)
	}
	defer rows.Close()

	var out []types.DigitalIdentity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("ActiveIdentitiesFor scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *IdentityStore) RecordIssued(ctx context.Context, credentialID, subjectID string, issuedAt time.Time) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO issued_credentials(credential_id, subject_id, issued_at_ms) VALUES (?, ?, ?);
`, credentialID, subjectID, issuedAt.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("RecordIssued: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrCredentialReuse
		}
		return nil
	})
}
