package persistence

// schemaV1 creates the persona table and the five governance tables.
// Timestamps are fixed-width UTC text (see timeLayout), so ORDER BY and
// comparisons on the text agree with time order.
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS persona_capabilities (
		id TEXT PRIMARY KEY,
		persona_id TEXT NOT NULL UNIQUE REFERENCES personas(id) ON DELETE CASCADE,
		tools TEXT NOT NULL DEFAULT '[]',
		expertise TEXT NOT NULL DEFAULT '[]',
		restrictions TEXT NOT NULL DEFAULT '[]',
		is_public INTEGER NOT NULL DEFAULT 0 CHECK (is_public IN (0, 1)),
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS persona_roles (
		id TEXT PRIMARY KEY,
		persona_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
		role_name TEXT NOT NULL,
		permissions TEXT NOT NULL DEFAULT '[]',
		granted_by TEXT REFERENCES personas(id) ON DELETE SET NULL,
		granted_at TEXT NOT NULL,
		expires_at TEXT,
		is_active INTEGER NOT NULL DEFAULT 1 CHECK (is_active IN (0, 1))
	);`,
	`CREATE TABLE IF NOT EXISTS persona_lineage (
		id TEXT PRIMARY KEY,
		child_persona_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
		parent_persona_id TEXT REFERENCES personas(id) ON DELETE SET NULL,
		merge_type TEXT NOT NULL CHECK (merge_type IN ('create', 'merge', 'split')),
		creation_reason TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS persona_delegations (
		id TEXT PRIMARY KEY,
		delegator_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
		delegatee_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
		task_description TEXT NOT NULL,
		task_data TEXT,
		status TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'completed', 'failed', 'cancelled')),
		result TEXT,
		error_message TEXT,
		priority INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 10),
		created_at TEXT NOT NULL,
		accepted_at TEXT,
		completed_at TEXT,
		CHECK (delegator_id <> delegatee_id)
	);`,
	// operator_id and secondary_persona_ids are hash inputs: no foreign keys,
	// so deleting a persona never rewrites another persona's chain.
	`CREATE TABLE IF NOT EXISTS persona_merge_audit (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		primary_persona_id TEXT NOT NULL REFERENCES personas(id) ON DELETE RESTRICT,
		secondary_persona_ids TEXT NOT NULL,
		merge_strategy TEXT NOT NULL,
		capability_changes TEXT NOT NULL,
		permission_changes TEXT NOT NULL,
		history_access_granted TEXT NOT NULL,
		operator_id TEXT,
		previous_hash TEXT NOT NULL,
		operation_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (primary_persona_id, seq)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_personas_created ON personas(created_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_capabilities_public ON persona_capabilities(is_public, updated_at);`,
	`CREATE INDEX IF NOT EXISTS idx_roles_persona ON persona_roles(persona_id, is_active, expires_at);`,
	`CREATE INDEX IF NOT EXISTS idx_roles_granted_by ON persona_roles(granted_by);`,
	`CREATE INDEX IF NOT EXISTS idx_lineage_child ON persona_lineage(child_persona_id);`,
	`CREATE INDEX IF NOT EXISTS idx_lineage_parent ON persona_lineage(parent_persona_id);`,
	`CREATE INDEX IF NOT EXISTS idx_delegations_queue ON persona_delegations(delegatee_id, status, priority DESC, created_at ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_delegations_delegator ON persona_delegations(delegator_id);`,
}
