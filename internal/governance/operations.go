package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/otel"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
)

// CreatePersona creates a persona, filling the capability from the policy's
// default_capability and the grants from default_role when the input leaves
// them empty.
func (s *Service) CreatePersona(ctx context.Context, in persistence.PersonaInput) (*persistence.Persona, error) {
	ctx, done := s.observe(ctx, "create_persona")
	p, err := s.createPersona(ctx, in)
	done(err)
	return p, err
}

func (s *Service) createPersona(ctx context.Context, in persistence.PersonaInput) (*persistence.Persona, error) {
	pol := s.policy.Snapshot()
	if in.Capability == nil {
		tmpl := pol.DefaultCapability
		in.Capability = &persistence.CapabilityInput{
			Tools:        tmpl.Tools,
			Expertise:    tmpl.Expertise,
			Restrictions: tmpl.Restrictions,
			Description:  tmpl.Description,
			IsPublic:     tmpl.IsPublic,
		}
	}
	if len(in.Grants) == 0 && pol.DefaultRole != "" {
		perms, _ := pol.RolePermissions(pol.DefaultRole)
		in.Grants = []persistence.GrantInput{{RoleName: pol.DefaultRole, Permissions: perms}}
	}
	for _, g := range in.Grants {
		if err := s.checkKnown("create persona", g.Permissions); err != nil {
			return nil, err
		}
	}
	p, err := s.store.CreatePersona(ctx, in)
	if err != nil {
		return nil, err
	}
	if s.bootstrapAdmin {
		if _, err := s.store.BootstrapAdmin(ctx, pol.AdminPermissions); err != nil {
			s.logger.Error("admin bootstrap after persona creation failed", "persona_id", p.ID, "error", err)
		}
	}
	return p, nil
}

// SplitPersona creates children of a parent persona.
func (s *Service) SplitPersona(ctx context.Context, req persistence.SplitRequest) ([]persistence.Persona, error) {
	ctx, done := s.observe(ctx, "split_persona", otel.AttrPersonaID.String(req.ParentID))
	for _, child := range req.Children {
		for _, g := range child.Grants {
			if err := s.checkKnown("split persona", g.Permissions); err != nil {
				done(err)
				return nil, err
			}
		}
	}
	children, err := s.store.SplitPersona(ctx, req)
	done(err)
	return children, err
}

// SetCapability replaces a persona's capability.
func (s *Service) SetCapability(ctx context.Context, in persistence.CapabilityInput) (*persistence.Capability, error) {
	ctx, done := s.observe(ctx, "set_capability", otel.AttrPersonaID.String(in.PersonaID))
	c, err := s.store.SetCapability(ctx, in)
	done(err)
	return c, err
}

// Grant adds a grant after checking every permission against the policy.
func (s *Service) Grant(ctx context.Context, in persistence.GrantInput) (*persistence.PermissionGrant, error) {
	ctx, done := s.observe(ctx, "grant", otel.AttrPersonaID.String(in.PersonaID))
	if err := s.checkKnown("grant", in.Permissions); err != nil {
		done(err)
		return nil, err
	}
	g, err := s.store.Grant(ctx, in)
	done(err)
	return g, err
}

// GrantRole grants the permission template of a policy role.
func (s *Service) GrantRole(ctx context.Context, personaID, role, grantedBy string, expiresAt *time.Time) (*persistence.PermissionGrant, error) {
	perms, ok := s.policy.RolePermissions(role)
	if !ok {
		return nil, fmt.Errorf("grant role: role %q is not defined by policy: %w", role, persistence.ErrInvalidInput)
	}
	return s.Grant(ctx, persistence.GrantInput{
		PersonaID:   personaID,
		RoleName:    role,
		Permissions: perms,
		GrantedBy:   grantedBy,
		ExpiresAt:   expiresAt,
	})
}

// Revoke deactivates a grant.
func (s *Service) Revoke(ctx context.Context, grantID string) error {
	ctx, done := s.observe(ctx, "revoke")
	err := s.store.Revoke(ctx, grantID)
	done(err)
	return err
}

func (s *Service) checkKnown(op string, perms []string) error {
	for _, p := range perms {
		if !s.policy.KnownPermission(p) {
			return fmt.Errorf("%s: unknown permission %q: %w", op, p, persistence.ErrInvalidInput)
		}
	}
	return nil
}

// CreateDelegation validates task data against the policy schema and, when
// the policy enforces eligibility, requires the delegatee to cover
// requiredTags before inserting the delegation.
func (s *Service) CreateDelegation(ctx context.Context, in persistence.DelegationInput, requiredTags []string) (*persistence.Delegation, error) {
	ctx, done := s.observe(ctx, "create_delegation", otel.AttrPersonaID.String(in.DelegatorID))
	d, err := s.createDelegation(ctx, in, requiredTags)
	done(err)
	if err == nil {
		s.metrics.RecordTransition(ctx, string(d.Status))
	}
	return d, err
}

func (s *Service) createDelegation(ctx context.Context, in persistence.DelegationInput, requiredTags []string) (*persistence.Delegation, error) {
	v, err := s.payloadValidator()
	if err != nil {
		return nil, fmt.Errorf("create delegation: %w", err)
	}
	if err := v.Validate(in.TaskData); err != nil {
		return nil, fmt.Errorf("create delegation: %w", err)
	}
	if s.policy.Snapshot().EnforceDelegationEligibility {
		ok, err := s.store.IsEligible(ctx, in.DelegateeID, requiredTags)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("create delegation: persona %s is not eligible for %v: %w",
				in.DelegateeID, requiredTags, persistence.ErrInvalidInput)
		}
	}
	return s.store.CreateDelegation(ctx, in)
}

// AcceptDelegation moves a pending delegation to accepted.
func (s *Service) AcceptDelegation(ctx context.Context, id string) (*persistence.Delegation, error) {
	return s.transition(ctx, "accept_delegation", id, func(ctx context.Context) (*persistence.Delegation, error) {
		return s.store.AcceptDelegation(ctx, id)
	})
}

// CompleteDelegation finishes an accepted delegation with result.
func (s *Service) CompleteDelegation(ctx context.Context, id, result string) (*persistence.Delegation, error) {
	return s.transition(ctx, "complete_delegation", id, func(ctx context.Context) (*persistence.Delegation, error) {
		return s.store.CompleteDelegation(ctx, id, result)
	})
}

// FailDelegation finishes an accepted delegation with an error message.
func (s *Service) FailDelegation(ctx context.Context, id, errorMessage string) (*persistence.Delegation, error) {
	return s.transition(ctx, "fail_delegation", id, func(ctx context.Context) (*persistence.Delegation, error) {
		return s.store.FailDelegation(ctx, id, errorMessage)
	})
}

// CancelDelegation cancels a pending or accepted delegation.
func (s *Service) CancelDelegation(ctx context.Context, id string) (*persistence.Delegation, error) {
	return s.transition(ctx, "cancel_delegation", id, func(ctx context.Context) (*persistence.Delegation, error) {
		return s.store.CancelDelegation(ctx, id)
	})
}

func (s *Service) transition(ctx context.Context, op, id string, fn func(context.Context) (*persistence.Delegation, error)) (*persistence.Delegation, error) {
	ctx, done := s.observe(ctx, op, otel.AttrDelegationID.String(id))
	d, err := fn(ctx)
	done(err)
	if err == nil {
		s.metrics.RecordTransition(ctx, string(d.Status))
	}
	return d, err
}

// MergePersonas merges secondaries into the primary. With an operator set,
// the operator must hold the policy's merge_permission.
func (s *Service) MergePersonas(ctx context.Context, req persistence.MergeRequest) (*persistence.MergeResult, error) {
	ctx, done := s.observe(ctx, "merge_personas",
		otel.AttrPersonaID.String(req.PrimaryID),
		otel.AttrOperatorID.String(req.OperatorID),
	)
	res, err := s.mergePersonas(ctx, req)
	done(err)
	return res, err
}

func (s *Service) mergePersonas(ctx context.Context, req persistence.MergeRequest) (*persistence.MergeResult, error) {
	if req.OperatorID != "" {
		if err := s.require(ctx, "merge personas", req.OperatorID, s.policy.Snapshot().MergePermission); err != nil {
			return nil, err
		}
	}
	res, err := s.store.MergePersonas(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.MergesRecorded.Add(ctx, 1)
	}
	s.logger.Info("personas merged",
		"primary_persona_id", req.PrimaryID,
		"secondaries", len(req.SecondaryIDs),
		"seq", res.Entry.Seq,
	)
	return res, nil
}
