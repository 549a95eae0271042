package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PermissionGrant assigns a named role's permissions to a persona.
type PermissionGrant struct {
	ID          string     `json:"id"`
	PersonaID   string     `json:"persona_id"`
	RoleName    string     `json:"role_name"`
	Permissions Set        `json:"permissions"`
	GrantedBy   *string    `json:"granted_by,omitempty"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// Effective reports whether the grant contributes permissions at now.
func (g PermissionGrant) Effective(now time.Time) bool {
	return g.IsActive && (g.ExpiresAt == nil || g.ExpiresAt.After(now))
}

// GrantInput describes a new grant. An empty GrantedBy records a system grant.
type GrantInput struct {
	PersonaID   string
	RoleName    string
	Permissions []string
	GrantedBy   string
	ExpiresAt   *time.Time
}

// GrantListOptions controls ListGrants.
type GrantListOptions struct {
	// IncludeHistorical also returns revoked and expired grants.
	IncludeHistorical bool
}

// Grant inserts a new active grant. An expiry in the past is accepted; the
// grant is simply never effective.
func (s *Store) Grant(ctx context.Context, in GrantInput) (*PermissionGrant, error) {
	const op = "grant"
	var out *PermissionGrant
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		g, err := s.grantTx(ctx, tx, op, in)
		if err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) grantTx(ctx context.Context, tx *sql.Tx, op string, in GrantInput) (*PermissionGrant, error) {
	role := strings.TrimSpace(in.RoleName)
	if role == "" {
		return nil, invalidInput(op, "role name is required")
	}
	perms := NewSet(in.Permissions...)
	if len(perms) == 0 {
		return nil, invalidInput(op, "role %q grants no permissions", role)
	}
	for _, p := range perms {
		if strings.TrimSpace(p) == "" {
			return nil, invalidInput(op, "role %q contains an empty permission", role)
		}
	}
	if err := requirePersona(ctx, tx, op, in.PersonaID); err != nil {
		return nil, err
	}
	if in.GrantedBy != "" {
		if err := requirePersona(ctx, tx, op, in.GrantedBy); err != nil {
			return nil, err
		}
	}

	nowText, now := s.nowText()
	g := &PermissionGrant{
		ID:          newID(),
		PersonaID:   in.PersonaID,
		RoleName:    role,
		Permissions: perms,
		GrantedAt:   now,
		IsActive:    true,
	}
	if in.GrantedBy != "" {
		by := in.GrantedBy
		g.GrantedBy = &by
	}
	if in.ExpiresAt != nil {
		exp, _ := time.Parse(timeLayout, FormatTime(*in.ExpiresAt))
		g.ExpiresAt = &exp
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO persona_roles (id, persona_id, role_name, permissions, granted_by, granted_at, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1);
	`, g.ID, g.PersonaID, g.RoleName, encodeSet(perms), nullString(in.GrantedBy), nowText, nullTime(in.ExpiresAt)); err != nil {
		return nil, fmt.Errorf("%s: insert: %w", op, err)
	}
	return g, nil
}

// Revoke deactivates a grant. Revoking an inactive grant is a no-op.
func (s *Store) Revoke(ctx context.Context, grantID string) error {
	const op = "revoke"
	return s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE persona_roles SET is_active = 0 WHERE id = ?;`, grantID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: rows affected: %w", op, err)
		}
		if n == 0 {
			return notFound(op, "grant", grantID)
		}
		return nil
	})
}

// GetGrant returns one grant regardless of its state.
func (s *Store) GetGrant(ctx context.Context, grantID string) (*PermissionGrant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM persona_roles WHERE id = ?;`, grantID)
	g, err := scanGrant(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get grant", "grant", grantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

// Check reports whether permission is in the persona's effective set.
func (s *Store) Check(ctx context.Context, personaID, permission string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, personaID)
	if err != nil {
		return false, err
	}
	return perms.Has(permission), nil
}

// EffectivePermissions is the union of permissions over active, unexpired
// grants, evaluated against the store clock at call time.
func (s *Store) EffectivePermissions(ctx context.Context, personaID string) (Set, error) {
	const op = "effective permissions"
	if err := requirePersona(ctx, s.db, op, personaID); err != nil {
		return nil, err
	}
	grants, err := effectiveGrants(ctx, s.db, op, personaID, s.now())
	if err != nil {
		return nil, err
	}
	out := Set{}
	for _, g := range grants {
		out = out.Union(g.Permissions)
	}
	return out, nil
}

// ListGrants returns the persona's grants, oldest first.
func (s *Store) ListGrants(ctx context.Context, personaID string, opts GrantListOptions) ([]PermissionGrant, error) {
	const op = "list grants"
	if err := requirePersona(ctx, s.db, op, personaID); err != nil {
		return nil, err
	}
	if !opts.IncludeHistorical {
		return effectiveGrants(ctx, s.db, op, personaID, s.now())
	}
	return queryGrants(ctx, s.db, op, `
		SELECT `+grantColumns+` FROM persona_roles
		WHERE persona_id = ?
		ORDER BY granted_at ASC, id ASC;
	`, personaID)
}

const grantColumns = `id, persona_id, role_name, permissions, granted_by, granted_at, expires_at, is_active`

func effectiveGrants(ctx context.Context, q queryer, op, personaID string, now time.Time) ([]PermissionGrant, error) {
	return queryGrants(ctx, q, op, `
		SELECT `+grantColumns+` FROM persona_roles
		WHERE persona_id = ? AND is_active = 1 AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY granted_at ASC, id ASC;
	`, personaID, FormatTime(now))
}

func queryGrants(ctx context.Context, q queryer, op, query string, args ...any) ([]PermissionGrant, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []PermissionGrant
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

func scanGrant(scan func(dest ...any) error) (*PermissionGrant, error) {
	var (
		g         PermissionGrant
		perms     string
		grantedBy sql.NullString
		grantedAt string
		expiresAt sql.NullString
		isActive  int
	)
	if err := scan(&g.ID, &g.PersonaID, &g.RoleName, &perms, &grantedBy, &grantedAt, &expiresAt, &isActive); err != nil {
		return nil, err
	}
	var err error
	if g.Permissions, err = decodeSet(perms); err != nil {
		return nil, err
	}
	g.GrantedBy = stringPtr(grantedBy)
	if g.GrantedAt, err = parseTime(grantedAt); err != nil {
		return nil, err
	}
	if g.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	g.IsActive = isActive == 1
	return &g, nil
}
