package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"
)

// MergeType classifies how a lineage edge came to be.
type MergeType string

const (
	MergeTypeCreate MergeType = "create"
	MergeTypeMerge  MergeType = "merge"
	MergeTypeSplit  MergeType = "split"
)

// LineageEdge links a child persona to one parent. A root persona has a
// single create edge with no parent.
type LineageEdge struct {
	ID              string         `json:"id"`
	ChildPersonaID  string         `json:"child_persona_id"`
	ParentPersonaID *string        `json:"parent_persona_id,omitempty"`
	MergeType       MergeType      `json:"merge_type"`
	CreationReason  string         `json:"creation_reason"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
}

// LineageInput records how ChildID was produced from ParentIDs.
type LineageInput struct {
	ChildID   string
	ParentIDs []string
	Reason    string
	MergeType MergeType
	Metadata  map[string]any
}

// RecordCreation appends one edge per parent. create takes zero or one
// parent, merge two or more, split exactly one.
func (s *Store) RecordCreation(ctx context.Context, in LineageInput) ([]LineageEdge, error) {
	const op = "record lineage"
	var edges []LineageEdge
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		edges, err = s.recordEdgesTx(ctx, tx, op, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// RecordSplit appends a split edge from parentID to each child.
func (s *Store) RecordSplit(ctx context.Context, parentID string, childIDs []string, reason string, metadata map[string]any) ([]LineageEdge, error) {
	const op = "record split"
	if len(childIDs) == 0 {
		return nil, invalidInput(op, "split needs at least one child")
	}
	var edges []LineageEdge
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		edges = edges[:0]
		for _, child := range childIDs {
			e, err := s.recordEdgesTx(ctx, tx, op, LineageInput{
				ChildID:   child,
				ParentIDs: []string{parentID},
				Reason:    reason,
				MergeType: MergeTypeSplit,
				Metadata:  metadata,
			})
			if err != nil {
				return err
			}
			edges = append(edges, e...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

func validateParentCount(op string, t MergeType, n int) error {
	switch t {
	case MergeTypeCreate:
		if n > 1 {
			return invalidInput(op, "create takes at most one parent, got %d", n)
		}
	case MergeTypeMerge:
		if n < 2 {
			return invalidInput(op, "merge takes at least two parents, got %d", n)
		}
	case MergeTypeSplit:
		if n != 1 {
			return invalidInput(op, "split takes exactly one parent, got %d", n)
		}
	default:
		return invalidInput(op, "unknown merge type %q", t)
	}
	return nil
}

func (s *Store) recordEdgesTx(ctx context.Context, tx *sql.Tx, op string, in LineageInput) ([]LineageEdge, error) {
	if err := validateParentCount(op, in.MergeType, len(in.ParentIDs)); err != nil {
		return nil, err
	}
	return s.insertEdgesTx(ctx, tx, op, in)
}

// insertEdgesTx validates and inserts edges without the parent count rule.
func (s *Store) insertEdgesTx(ctx context.Context, tx *sql.Tx, op string, in LineageInput) ([]LineageEdge, error) {
	if err := requirePersona(ctx, tx, op, in.ChildID); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(in.ParentIDs))
	for _, parent := range in.ParentIDs {
		if parent == in.ChildID {
			return nil, invalidInput(op, "persona %s cannot be its own parent", parent)
		}
		if _, dup := seen[parent]; dup {
			return nil, invalidInput(op, "duplicate parent %s", parent)
		}
		seen[parent] = struct{}{}
		if err := requirePersona(ctx, tx, op, parent); err != nil {
			return nil, err
		}
		cyclic, err := wouldCycle(ctx, tx, in.ChildID, parent)
		if err != nil {
			return nil, fmt.Errorf("%s: cycle check: %w", op, err)
		}
		if cyclic {
			return nil, invalidInput(op, "edge %s -> %s would create a lineage cycle", parent, in.ChildID)
		}
	}

	meta, err := encodeMap(in.Metadata)
	if err != nil {
		return nil, invalidInput(op, "metadata is not serializable: %v", err)
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	nowText, now := s.nowText()

	parents := in.ParentIDs
	if len(parents) == 0 {
		parents = []string{""}
	}
	edges := make([]LineageEdge, 0, len(parents))
	for _, parent := range parents {
		e := LineageEdge{
			ID:             newID(),
			ChildPersonaID: in.ChildID,
			MergeType:      in.MergeType,
			CreationReason: in.Reason,
			Metadata:       in.Metadata,
			CreatedAt:      now,
		}
		if parent != "" {
			p := parent
			e.ParentPersonaID = &p
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO persona_lineage (id, child_persona_id, parent_persona_id, merge_type, creation_reason, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.ID, e.ChildPersonaID, nullString(parent), string(e.MergeType), e.CreationReason, meta, nowText); err != nil {
			return nil, fmt.Errorf("%s: insert edge: %w", op, err)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// wouldCycle reports whether making parent an ancestor of child closes a
// cycle, i.e. child is already parent or one of parent's ancestors. UNION
// de-duplicates, so the recursion ends even on a corrupted graph.
func wouldCycle(ctx context.Context, q queryer, child, parent string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		WITH RECURSIVE anc(id) AS (
			SELECT ?
			UNION
			SELECT l.parent_persona_id FROM persona_lineage l
			JOIN anc ON l.child_persona_id = anc.id
			WHERE l.parent_persona_id IS NOT NULL
		)
		SELECT COUNT(*) FROM anc WHERE id = ?;
	`, parent, child).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListLineage returns the edges where personaID is the child, oldest first.
func (s *Store) ListLineage(ctx context.Context, personaID string) ([]LineageEdge, error) {
	const op = "list lineage"
	if err := requirePersona(ctx, s.db, op, personaID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, child_persona_id, parent_persona_id, merge_type, creation_reason, metadata, created_at
		FROM persona_lineage WHERE child_persona_id = ?
		ORDER BY created_at ASC, id ASC;
	`, personaID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []LineageEdge
	for rows.Next() {
		var (
			e         LineageEdge
			parent    sql.NullString
			mergeType string
			meta      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ChildPersonaID, &parent, &mergeType, &e.CreationReason, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		e.ParentPersonaID = stringPtr(parent)
		e.MergeType = MergeType(mergeType)
		if e.Metadata, err = decodeMap(meta); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

// Ancestors yields persona ids reachable through parent edges, breadth
// first, each at most once. The starting persona is never yielded. Each
// level is read to completion before yielding, so callers may use the store
// from inside the loop.
func (s *Store) Ancestors(ctx context.Context, personaID string) iter.Seq2[string, error] {
	return s.walk(ctx, "ancestors", personaID, `
		SELECT parent_persona_id FROM persona_lineage
		WHERE child_persona_id = ? AND parent_persona_id IS NOT NULL
		ORDER BY created_at ASC, id ASC;
	`)
}

// Descendants mirrors Ancestors over child edges.
func (s *Store) Descendants(ctx context.Context, personaID string) iter.Seq2[string, error] {
	return s.walk(ctx, "descendants", personaID, `
		SELECT child_persona_id FROM persona_lineage
		WHERE parent_persona_id = ?
		ORDER BY created_at ASC, id ASC;
	`)
}

func (s *Store) walk(ctx context.Context, op, start, neighbors string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := requirePersona(ctx, s.db, op, start); err != nil {
			yield("", err)
			return
		}
		visited := map[string]struct{}{start: {}}
		queue := []string{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			next, err := s.neighborIDs(ctx, neighbors, cur)
			if err != nil {
				yield("", fmt.Errorf("%s: %w", op, err))
				return
			}
			for _, id := range next {
				if _, ok := visited[id]; ok {
					continue
				}
				visited[id] = struct{}{}
				if !yield(id, nil) {
					return
				}
				queue = append(queue, id)
			}
		}
	}
}

func (s *Store) neighborIDs(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var next string
		if err := rows.Scan(&next); err != nil {
			return nil, err
		}
		out = append(out, next)
	}
	return out, rows.Err()
}

// CollectIDs drains a lineage sequence into a slice.
func CollectIDs(seq iter.Seq2[string, error]) ([]string, error) {
	var out []string
	for id, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, id)
	}
	return out, nil
}
