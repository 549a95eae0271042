package governance

import (
	"context"
	"errors"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/otel"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/telemetry"
)

// Decision reasons written to the journal.
const (
	ReasonPermissionGranted = "permission_granted"
	ReasonSystemTool        = "system_tool"
	ReasonUnknownPersona    = "unknown_persona"
	ReasonMissingPermission = "missing_permission"
	ReasonToolRestricted    = "tool_restricted"
	ReasonToolNotDeclared   = "tool_not_declared"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
}

// Authorize decides whether personaID may exercise permission, and when tool
// is non-empty, whether its capability allows the tool. Restrictions always
// win over declared tools; system tools need only the permission. Every
// decision is journaled and counted. An error means the decision could not
// be made; the returned Decision is then a deny.
func (s *Service) Authorize(ctx context.Context, personaID, permission, tool string) (Decision, error) {
	ctx, done := s.observe(ctx, "authorize",
		otel.AttrPersonaID.String(personaID),
		otel.AttrPermission.String(permission),
		otel.AttrToolName.String(tool),
	)
	d, err := s.decide(ctx, personaID, permission, tool)
	done(err)
	if err != nil {
		return d, err
	}
	s.record(ctx, personaID, permission, tool, d)
	return d, nil
}

func (s *Service) decide(ctx context.Context, personaID, permission, tool string) (Decision, error) {
	d := Decision{PolicyVersion: s.policy.PolicyVersion()}
	perms, err := s.store.EffectivePermissions(ctx, personaID)
	if errors.Is(err, persistence.ErrNotFound) {
		d.Reason = ReasonUnknownPersona
		return d, nil
	}
	if err != nil {
		return d, err
	}
	if !perms.Has(permission) {
		d.Reason = ReasonMissingPermission
		return d, nil
	}
	if tool == "" {
		d.Allowed, d.Reason = true, ReasonPermissionGranted
		return d, nil
	}
	if s.policy.IsSystemTool(tool) {
		d.Allowed, d.Reason = true, ReasonSystemTool
		return d, nil
	}
	c, err := s.store.GetCapability(ctx, personaID)
	if errors.Is(err, persistence.ErrNotFound) {
		d.Reason = ReasonToolNotDeclared
		return d, nil
	}
	if err != nil {
		return d, err
	}
	switch {
	case c.Restrictions.Has(tool):
		d.Reason = ReasonToolRestricted
	case !c.Allows(tool):
		d.Reason = ReasonToolNotDeclared
	default:
		d.Allowed, d.Reason = true, ReasonPermissionGranted
	}
	return d, nil
}

func (s *Service) record(ctx context.Context, personaID, permission, tool string, d Decision) {
	outcome := audit.DecisionDeny
	if d.Allowed {
		outcome = audit.DecisionAllow
	}
	if err := s.journal.Record(ctx, audit.DecisionEntry{
		PersonaID:     personaID,
		Permission:    permission,
		Tool:          tool,
		Decision:      outcome,
		Reason:        d.Reason,
		PolicyVersion: d.PolicyVersion,
	}); err != nil {
		s.logger.Error("decision journal write failed", "error", err)
	}
	s.metrics.RecordDecision(ctx, d.Allowed, permission)
	if d.Allowed {
		return
	}
	telemetry.FromContext(ctx, s.logger).Info("authorization denied",
		"persona_id", personaID, "permission", permission, "tool", tool, "reason", d.Reason)
	s.bus.Publish(bus.TopicAuthzDenied, bus.AuthzDeniedEvent{
		PersonaID:  personaID,
		Permission: permission,
		Tool:       tool,
		Reason:     d.Reason,
	})
}

// require authorizes actorID for permission and turns a deny into an error
// wrapping ErrPermissionDenied.
func (s *Service) require(ctx context.Context, op, actorID, permission string) error {
	d, err := s.Authorize(ctx, actorID, permission, "")
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &DeniedError{Op: op, PersonaID: actorID, Permission: permission, Reason: d.Reason}
	}
	return nil
}

// DeniedError reports a failed permission requirement.
type DeniedError struct {
	Op         string
	PersonaID  string
	Permission string
	Reason     string
}

func (e *DeniedError) Error() string {
	return e.Op + ": persona " + e.PersonaID + " lacks " + e.Permission + " (" + e.Reason + "): " + ErrPermissionDenied.Error()
}

func (e *DeniedError) Unwrap() error { return ErrPermissionDenied }
