package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Capability declares what a persona can do. Restrictions always win over
// tools and expertise.
type Capability struct {
	ID           string    `json:"id"`
	PersonaID    string    `json:"persona_id"`
	Tools        Set       `json:"tools"`
	Expertise    Set       `json:"expertise"`
	Restrictions Set       `json:"restrictions"`
	IsPublic     bool      `json:"is_public"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AllowedItems returns (tools ∪ expertise) \ restrictions.
func (c *Capability) AllowedItems() Set {
	if c == nil {
		return Set{}
	}
	return c.Tools.Union(c.Expertise).Minus(c.Restrictions)
}

// Allows reports whether item is declared and not restricted.
func (c *Capability) Allows(item string) bool {
	if c == nil || c.Restrictions.Has(item) {
		return false
	}
	return c.Tools.Has(item) || c.Expertise.Has(item)
}

// CapabilityInput is the full replacement value for a persona's capability.
type CapabilityInput struct {
	PersonaID    string
	Tools        []string
	Expertise    []string
	Restrictions []string
	Description  string
	IsPublic     bool
}

// CapabilityFilter narrows ListPublicCapabilities. Empty fields match all.
type CapabilityFilter struct {
	Tool      string
	Expertise string
	Limit     int
}

// SetCapability creates or replaces the persona's capability record.
func (s *Store) SetCapability(ctx context.Context, in CapabilityInput) (*Capability, error) {
	const op = "set capability"
	var out *Capability
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		if err := requirePersona(ctx, tx, op, in.PersonaID); err != nil {
			return err
		}
		c, err := s.setCapabilityTx(ctx, tx, op, in)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) validateCapability(op string, in CapabilityInput) error {
	for field, items := range map[string][]string{"tools": in.Tools, "expertise": in.Expertise, "restrictions": in.Restrictions} {
		for _, item := range items {
			if strings.TrimSpace(item) == "" {
				return invalidInput(op, "%s contains an empty entry", field)
			}
		}
	}
	if s.reservedTools == nil {
		return nil
	}
	reserved := NewSet(s.reservedTools()...)
	for _, r := range in.Restrictions {
		if reserved.Has(r) {
			return invalidInput(op, "restriction %q names a reserved system tool", r)
		}
	}
	return nil
}

func (s *Store) setCapabilityTx(ctx context.Context, tx *sql.Tx, op string, in CapabilityInput) (*Capability, error) {
	if err := s.validateCapability(op, in); err != nil {
		return nil, err
	}
	nowText, _ := s.nowText()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO persona_capabilities
			(id, persona_id, tools, expertise, restrictions, is_public, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(persona_id) DO UPDATE SET
			tools = excluded.tools,
			expertise = excluded.expertise,
			restrictions = excluded.restrictions,
			is_public = excluded.is_public,
			description = excluded.description,
			updated_at = excluded.updated_at;
	`, newID(), in.PersonaID,
		encodeSet(NewSet(in.Tools...)),
		encodeSet(NewSet(in.Expertise...)),
		encodeSet(NewSet(in.Restrictions...)),
		boolInt(in.IsPublic), in.Description, nowText, nowText); err != nil {
		return nil, fmt.Errorf("%s: upsert: %w", op, err)
	}
	return getCapability(ctx, tx, op, in.PersonaID)
}

// GetCapability returns the persona's capability record.
func (s *Store) GetCapability(ctx context.Context, personaID string) (*Capability, error) {
	return getCapability(ctx, s.db, "get capability", personaID)
}

const capabilityColumns = `id, persona_id, tools, expertise, restrictions, is_public, description, created_at, updated_at`

func getCapability(ctx context.Context, q queryer, op, personaID string) (*Capability, error) {
	row := q.QueryRowContext(ctx, `SELECT `+capabilityColumns+` FROM persona_capabilities WHERE persona_id = ?;`, personaID)
	c, err := scanCapability(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "capability", personaID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// ListPublicCapabilities returns public capability records, most recently
// updated first, optionally filtered by tool or expertise membership.
func (s *Store) ListPublicCapabilities(ctx context.Context, f CapabilityFilter) ([]Capability, error) {
	query := `SELECT ` + capabilityColumns + ` FROM persona_capabilities c WHERE c.is_public = 1`
	var args []any
	if f.Tool != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(c.tools) WHERE json_each.value = ?)`
		args = append(args, f.Tool)
	}
	if f.Expertise != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(c.expertise) WHERE json_each.value = ?)`
		args = append(args, f.Expertise)
	}
	query += ` ORDER BY c.updated_at DESC, c.id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list public capabilities: %w", err)
	}
	defer rows.Close()
	var out []Capability
	for rows.Next() {
		c, err := scanCapability(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list public capabilities: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list public capabilities: iterate: %w", err)
	}
	return out, nil
}

func scanCapability(scan func(dest ...any) error) (*Capability, error) {
	var (
		c                              Capability
		tools, expertise, restrictions string
		isPublic                       int
		createdAt, updatedAt           string
	)
	if err := scan(&c.ID, &c.PersonaID, &tools, &expertise, &restrictions, &isPublic, &c.Description, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.Tools, err = decodeSet(tools); err != nil {
		return nil, err
	}
	if c.Expertise, err = decodeSet(expertise); err != nil {
		return nil, err
	}
	if c.Restrictions, err = decodeSet(restrictions); err != nil {
		return nil, err
	}
	c.IsPublic = isPublic == 1
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
