package bus

// Governance event topics.
const (
	TopicPersonaCreated         = "persona.created"
	TopicPersonaDeleted         = "persona.deleted"
	TopicDelegationStateChanged = "delegation.state_changed"
	TopicMergeRecorded          = "merge.recorded"
	TopicIntegrityViolation     = "integrity.violation"
	TopicAuthzDenied            = "authz.denied"
	TopicPolicyReloaded         = "policy.reloaded"
)

// PersonaEvent is published when a persona is created or deleted.
type PersonaEvent struct {
	PersonaID string
	Name      string
	ParentIDs []string
	MergeType string // create, merge or split; empty on delete
}

// DelegationStateChangedEvent is published after a delegation transition commits.
type DelegationStateChangedEvent struct {
	DelegationID string
	DelegatorID  string
	DelegateeID  string
	OldStatus    string
	NewStatus    string
}

// MergeRecordedEvent is published after a merge audit entry is appended.
type MergeRecordedEvent struct {
	EntryID          string
	PrimaryPersonaID string
	Seq              int64
	OperationHash    string
}

// IntegrityViolationEvent is published when a merge audit chain fails verification.
type IntegrityViolationEvent struct {
	PrimaryPersonaID string
	EntryID          string
	Seq              int64
	Reason           string
}

// AuthzDeniedEvent is published when an authorization decision denies an action.
type AuthzDeniedEvent struct {
	PersonaID  string
	Permission string
	Tool       string
	Reason     string
}

// PolicyReloadedEvent is published after the live policy is swapped.
type PolicyReloadedEvent struct {
	Version string
}
