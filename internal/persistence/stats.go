package persistence

import (
	"context"
	"fmt"
)

// Stats summarizes the governance tables.
type Stats struct {
	SchemaVersion      int                      `json:"schema_version"`
	Personas           int                      `json:"personas"`
	PublicCapabilities int                      `json:"public_capabilities"`
	EffectiveGrants    int                      `json:"effective_grants"`
	Delegations        map[DelegationStatus]int `json:"delegations"`
	MergeAuditEntries  int                      `json:"merge_audit_entries"`
	MergeChains        int                      `json:"merge_chains"`
}

// Stats counts rows across the governance tables in one read transaction.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Delegations: make(map[DelegationStatus]int)}
	nowText, _ := s.nowText()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, fmt.Errorf("stats: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	counts := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&st.SchemaVersion, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`, nil},
		{&st.Personas, `SELECT COUNT(*) FROM personas;`, nil},
		{&st.PublicCapabilities, `SELECT COUNT(*) FROM persona_capabilities WHERE is_public = 1;`, nil},
		{&st.EffectiveGrants, `SELECT COUNT(*) FROM persona_roles WHERE is_active = 1 AND (expires_at IS NULL OR expires_at > ?);`, []any{nowText}},
		{&st.MergeAuditEntries, `SELECT COUNT(*) FROM persona_merge_audit;`, nil},
		{&st.MergeChains, `SELECT COUNT(DISTINCT primary_persona_id) FROM persona_merge_audit;`, nil},
	}
	for _, c := range counts {
		if err := tx.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return st, fmt.Errorf("stats: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM persona_delegations GROUP BY status;`)
	if err != nil {
		return st, fmt.Errorf("stats: delegations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("stats: scan delegations: %w", err)
		}
		st.Delegations[DelegationStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("stats: delegations: %w", err)
	}
	return st, nil
}
