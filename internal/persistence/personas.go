package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Persona is the base record every governance row references.
type Persona struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PersonaInput describes a persona to create. The capability and grants are
// the persona's defaults; a nil Capability yields an empty private record.
type PersonaInput struct {
	Name        string
	Description string
	Metadata    map[string]any
	ParentID    string
	Reason      string
	Capability  *CapabilityInput
	Grants      []GrantInput
}

// PersonaUpdate changes mutable persona fields. Nil fields are kept.
type PersonaUpdate struct {
	Name        *string
	Description *string
	Metadata    map[string]any
}

// CreatePersona inserts the persona, its creation lineage edge, its default
// capability and default grants in one transaction.
func (s *Store) CreatePersona(ctx context.Context, in PersonaInput) (*Persona, error) {
	const op = "create persona"
	var created *Persona
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		var parents []string
		if in.ParentID != "" {
			parents = []string{in.ParentID}
		}
		p, err := s.createPersonaTx(ctx, tx, op, in, MergeTypeCreate, parents)
		if err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicPersonaCreated, bus.PersonaEvent{
		PersonaID: created.ID,
		Name:      created.Name,
		ParentIDs: nonEmpty(in.ParentID),
		MergeType: string(MergeTypeCreate),
	})
	return created, nil
}

func (s *Store) createPersonaTx(ctx context.Context, tx *sql.Tx, op string, in PersonaInput, mergeType MergeType, parents []string) (*Persona, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalidInput(op, "persona name is required")
	}
	meta, err := encodeMap(in.Metadata)
	if err != nil {
		return nil, invalidInput(op, "metadata is not serializable: %v", err)
	}
	for _, parentID := range parents {
		if err := requirePersona(ctx, tx, op, parentID); err != nil {
			return nil, err
		}
	}

	nowText, now := s.nowText()
	p := &Persona{
		ID:          newID(),
		Name:        name,
		Description: in.Description,
		Metadata:    in.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO personas (id, name, description, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, p.ID, p.Name, p.Description, meta, nowText, nowText); err != nil {
		return nil, fmt.Errorf("%s: insert: %w", op, err)
	}

	if _, err := s.recordEdgesTx(ctx, tx, op, LineageInput{
		ChildID:   p.ID,
		ParentIDs: parents,
		Reason:    in.Reason,
		MergeType: mergeType,
	}); err != nil {
		return nil, err
	}

	capIn := CapabilityInput{}
	if in.Capability != nil {
		capIn = *in.Capability
	}
	capIn.PersonaID = p.ID
	if _, err := s.setCapabilityTx(ctx, tx, op, capIn); err != nil {
		return nil, err
	}
	for _, g := range in.Grants {
		g.PersonaID = p.ID
		if _, err := s.grantTx(ctx, tx, op, g); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// GetPersona returns the persona with id.
func (s *Store) GetPersona(ctx context.Context, id string) (*Persona, error) {
	return getPersona(ctx, s.db, "get persona", id)
}

func getPersona(ctx context.Context, q queryer, op, id string) (*Persona, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, description, metadata, created_at, updated_at
		FROM personas WHERE id = ?;
	`, id)
	p, err := scanPersona(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "persona", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// ListPersonas returns personas oldest first. limit <= 0 means no limit.
func (s *Store) ListPersonas(ctx context.Context, limit int) ([]Persona, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, metadata, created_at, updated_at
		FROM personas ORDER BY created_at ASC, id ASC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()
	var out []Persona
	for rows.Next() {
		p, err := scanPersona(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list personas: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list personas: iterate: %w", err)
	}
	return out, nil
}

// UpdatePersona applies upd and bumps updated_at.
func (s *Store) UpdatePersona(ctx context.Context, id string, upd PersonaUpdate) (*Persona, error) {
	const op = "update persona"
	var updated *Persona
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		p, err := getPersona(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return invalidInput(op, "persona name is required")
			}
			p.Name = name
		}
		if upd.Description != nil {
			p.Description = *upd.Description
		}
		if upd.Metadata != nil {
			p.Metadata = upd.Metadata
		}
		meta, err := encodeMap(p.Metadata)
		if err != nil {
			return invalidInput(op, "metadata is not serializable: %v", err)
		}
		nowText, now := s.nowText()
		if _, err := tx.ExecContext(ctx, `
			UPDATE personas SET name = ?, description = ?, metadata = ?, updated_at = ?
			WHERE id = ?;
		`, p.Name, p.Description, meta, nowText, id); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		p.UpdatedAt = now
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeletePersona removes the persona. Its capability, grants, lineage edges
// as child, delegations on either side and merge audit entries where it is
// primary go with it; references elsewhere are nulled by the schema.
func (s *Store) DeletePersona(ctx context.Context, id string) error {
	const op = "delete persona"
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		// Merge audit chains are append-only and outlive nothing but their primary.
		var entries int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM persona_merge_audit WHERE primary_persona_id = ?;`, id).Scan(&entries); err != nil {
			return fmt.Errorf("%s: count merge audit: %w", op, err)
		}
		if entries > 0 {
			return invalidState(op, "persona", id, fmt.Sprintf("primary of %d merge audit entries", entries))
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM personas WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: rows affected: %w", op, err)
		}
		if n == 0 {
			return notFound(op, "persona", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicPersonaDeleted, bus.PersonaEvent{PersonaID: id})
	return nil
}

// CountPersonas returns the number of persona rows.
func (s *Store) CountPersonas(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM personas;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count personas: %w", err)
	}
	return n, nil
}

func requirePersona(ctx context.Context, q queryer, op, id string) error {
	if id == "" {
		return invalidInput(op, "persona id is required")
	}
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM personas WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(op, "persona", id)
	}
	if err != nil {
		return fmt.Errorf("%s: lookup persona: %w", op, err)
	}
	return nil
}

func scanPersona(scan func(dest ...any) error) (*Persona, error) {
	var (
		p                    Persona
		meta                 string
		createdAt, updatedAt string
	)
	if err := scan(&p.ID, &p.Name, &p.Description, &meta, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Metadata, err = decodeMap(meta); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func nonEmpty(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
