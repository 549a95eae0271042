package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
)

// HistoryReaderRole is granted to a merge primary for the absorbed personas'
// history scopes.
const HistoryReaderRole = "history_reader"

// HistoryScope names read access to a persona's conversation history.
func HistoryScope(personaID string) string {
	return "history:" + personaID
}

// MergeRequest absorbs SecondaryIDs into PrimaryID. Secondaries are kept;
// their lineage now points at the primary.
type MergeRequest struct {
	PrimaryID    string
	SecondaryIDs []string
	Strategy     audit.MergeStrategy
	OperatorID   string
	Reason       string
}

// MergeResult is everything MergePersonas wrote.
type MergeResult struct {
	Entry      *MergeAuditEntry  `json:"entry"`
	Capability *Capability       `json:"capability"`
	Grants     []PermissionGrant `json:"grants"`
	Lineage    []LineageEdge     `json:"lineage"`
}

// MergePersonas merges capabilities and permissions of the secondaries into
// the primary, grants history access, records merge lineage and appends the
// audit entry, all in one transaction.
func (s *Store) MergePersonas(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	const op = "merge personas"
	strategy, err := normalizeStrategy(op, req.Strategy)
	if err != nil {
		return nil, err
	}
	strategy.Reason = req.Reason
	if err := validateMergeRecord(op, MergeRecordInput{PrimaryID: req.PrimaryID, SecondaryIDs: req.SecondaryIDs}); err != nil {
		return nil, err
	}
	// Each secondary becomes a merge parent edge of the primary.
	if err := validateParentCount(op, MergeTypeMerge, len(req.SecondaryIDs)); err != nil {
		return nil, err
	}

	unlock := s.mergeLocks.Lock(req.PrimaryID)
	defer unlock()

	var result *MergeResult
	err = s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		result = &MergeResult{}
		for _, id := range append([]string{req.PrimaryID}, req.SecondaryIDs...) {
			if err := requirePersona(ctx, tx, op, id); err != nil {
				return err
			}
		}
		if req.OperatorID != "" {
			if err := requirePersona(ctx, tx, op, req.OperatorID); err != nil {
				return err
			}
		}

		capChanges, merged, err := s.mergeCapabilitiesTx(ctx, tx, op, req.PrimaryID, req.SecondaryIDs, strategy)
		if err != nil {
			return err
		}
		result.Capability = merged

		var permChanges audit.PermissionChanges
		permChanges.Granted = []audit.GrantChange{}
		if strategy.Permissions == audit.PermissionsUnion {
			now := s.now()
			for _, sid := range req.SecondaryIDs {
				grants, err := effectiveGrants(ctx, tx, op, sid, now)
				if err != nil {
					return err
				}
				for _, g := range grants {
					copied, err := s.grantTx(ctx, tx, op, GrantInput{
						PersonaID:   req.PrimaryID,
						RoleName:    g.RoleName,
						Permissions: g.Permissions,
						GrantedBy:   req.OperatorID,
						ExpiresAt:   g.ExpiresAt,
					})
					if err != nil {
						return err
					}
					result.Grants = append(result.Grants, *copied)
					permChanges.Granted = append(permChanges.Granted, grantChange(copied, sid))
				}
			}
		}

		history := make([]string, 0, len(req.SecondaryIDs))
		for _, sid := range req.SecondaryIDs {
			history = append(history, HistoryScope(sid))
		}
		reader, err := s.grantTx(ctx, tx, op, GrantInput{
			PersonaID:   req.PrimaryID,
			RoleName:    HistoryReaderRole,
			Permissions: history,
			GrantedBy:   req.OperatorID,
		})
		if err != nil {
			return err
		}
		result.Grants = append(result.Grants, *reader)
		permChanges.Granted = append(permChanges.Granted, grantChange(reader, ""))

		edges, err := s.recordEdgesTx(ctx, tx, op, LineageInput{
			ChildID:   req.PrimaryID,
			ParentIDs: req.SecondaryIDs,
			Reason:    req.Reason,
			MergeType: MergeTypeMerge,
			Metadata:  map[string]any{"strategy_capabilities": strategy.Capabilities, "strategy_permissions": strategy.Permissions},
		})
		if err != nil {
			return err
		}
		result.Lineage = edges

		entry, err := s.recordMergeTx(ctx, tx, op, MergeRecordInput{
			PrimaryID:            req.PrimaryID,
			SecondaryIDs:         req.SecondaryIDs,
			Strategy:             strategy,
			CapabilityChanges:    capChanges,
			PermissionChanges:    permChanges,
			HistoryAccessGranted: history,
			OperatorID:           req.OperatorID,
		})
		if err != nil {
			return err
		}
		result.Entry = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishMerge(result.Entry)
	return result, nil
}

func normalizeStrategy(op string, st audit.MergeStrategy) (audit.MergeStrategy, error) {
	if st.Capabilities == "" {
		st.Capabilities = audit.CapabilitiesUnion
	}
	if st.Permissions == "" {
		st.Permissions = audit.PermissionsUnion
	}
	switch st.Capabilities {
	case audit.CapabilitiesUnion, audit.CapabilitiesIntersection, audit.CapabilitiesPrimary:
	default:
		return st, invalidInput(op, "unknown capability strategy %q", st.Capabilities)
	}
	switch st.Permissions {
	case audit.PermissionsUnion, audit.PermissionsPrimary:
	default:
		return st, invalidInput(op, "unknown permission strategy %q", st.Permissions)
	}
	return st, nil
}

// mergeCapabilitiesTx applies the capability strategy to the primary.
// Restrictions are always unioned so a merge never lifts a prohibition.
func (s *Store) mergeCapabilitiesTx(ctx context.Context, tx *sql.Tx, op, primaryID string, secondaryIDs []string, st audit.MergeStrategy) (audit.CapabilityChanges, *Capability, error) {
	before, err := getCapability(ctx, tx, op, primaryID)
	if errors.Is(err, ErrNotFound) {
		before = &Capability{PersonaID: primaryID, Tools: Set{}, Expertise: Set{}, Restrictions: Set{}}
	} else if err != nil {
		return audit.CapabilityChanges{}, nil, err
	}

	tools, expertise, restrictions := before.Tools, before.Expertise, before.Restrictions
	for _, sid := range secondaryIDs {
		sc, err := getCapability(ctx, tx, op, sid)
		if errors.Is(err, ErrNotFound) {
			sc = &Capability{Tools: Set{}, Expertise: Set{}, Restrictions: Set{}}
		} else if err != nil {
			return audit.CapabilityChanges{}, nil, err
		}
		switch st.Capabilities {
		case audit.CapabilitiesUnion:
			tools = tools.Union(sc.Tools)
			expertise = expertise.Union(sc.Expertise)
		case audit.CapabilitiesIntersection:
			tools = tools.Intersect(sc.Tools)
			expertise = expertise.Intersect(sc.Expertise)
		}
		restrictions = restrictions.Union(sc.Restrictions)
	}

	after, err := s.setCapabilityTx(ctx, tx, op, CapabilityInput{
		PersonaID:    primaryID,
		Tools:        tools,
		Expertise:    expertise,
		Restrictions: restrictions,
		Description:  before.Description,
		IsPublic:     before.IsPublic,
	})
	if err != nil {
		return audit.CapabilityChanges{}, nil, err
	}
	changes := audit.CapabilityChanges{
		Tools:        audit.DiffSets(before.Tools, after.Tools),
		Expertise:    audit.DiffSets(before.Expertise, after.Expertise),
		Restrictions: audit.DiffSets(before.Restrictions, after.Restrictions),
	}
	return changes, after, nil
}

func grantChange(g *PermissionGrant, source string) audit.GrantChange {
	c := audit.GrantChange{
		GrantID:         g.ID,
		SourcePersonaID: source,
		RoleName:        g.RoleName,
		Permissions:     g.Permissions.Slice(),
	}
	if g.ExpiresAt != nil {
		exp := FormatTime(*g.ExpiresAt)
		c.ExpiresAt = &exp
	}
	return c
}

// SplitRequest creates Children from ParentID. A child without an explicit
// capability inherits a copy of the parent's.
type SplitRequest struct {
	ParentID string
	Children []PersonaInput
	Reason   string
}

// SplitPersona creates every child with a split edge from the parent in one
// transaction.
func (s *Store) SplitPersona(ctx context.Context, req SplitRequest) ([]Persona, error) {
	const op = "split persona"
	if len(req.Children) == 0 {
		return nil, invalidInput(op, "split needs at least one child")
	}
	var children []Persona
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		children = children[:0]
		if err := requirePersona(ctx, tx, op, req.ParentID); err != nil {
			return err
		}
		parentCap, err := getCapability(ctx, tx, op, req.ParentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		for _, in := range req.Children {
			if in.Capability == nil && parentCap != nil {
				in.Capability = &CapabilityInput{
					Tools:        parentCap.Tools,
					Expertise:    parentCap.Expertise,
					Restrictions: parentCap.Restrictions,
					Description:  parentCap.Description,
					IsPublic:     parentCap.IsPublic,
				}
			}
			if in.Reason == "" {
				in.Reason = req.Reason
			}
			p, err := s.createPersonaTx(ctx, tx, op, in, MergeTypeSplit, []string{req.ParentID})
			if err != nil {
				return err
			}
			children = append(children, *p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		s.publish(bus.TopicPersonaCreated, bus.PersonaEvent{
			PersonaID: c.ID,
			Name:      c.Name,
			ParentIDs: []string{req.ParentID},
			MergeType: string(MergeTypeSplit),
		})
	}
	return children, nil
}
