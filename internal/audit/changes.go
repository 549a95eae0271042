package audit

import "sort"

// Capability merge modes.
const (
	CapabilitiesUnion        = "union"
	CapabilitiesIntersection = "intersection"
	CapabilitiesPrimary      = "primary"
)

// Permission merge modes.
const (
	PermissionsUnion   = "union"
	PermissionsPrimary = "primary"
)

// MergeStrategy records how conflicting capabilities and permissions were resolved.
type MergeStrategy struct {
	Capabilities string `json:"capabilities"`
	Permissions  string `json:"permissions"`
	Reason       string `json:"reason,omitempty"`
}

// SetDiff lists items added to and removed from one set.
type SetDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Empty reports whether the diff changes nothing.
func (d SetDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffSets computes the sorted additions and removals turning before into after.
func DiffSets(before, after []string) SetDiff {
	inBefore := make(map[string]struct{}, len(before))
	for _, v := range before {
		inBefore[v] = struct{}{}
	}
	inAfter := make(map[string]struct{}, len(after))
	for _, v := range after {
		inAfter[v] = struct{}{}
	}
	d := SetDiff{Added: []string{}, Removed: []string{}}
	for v := range inAfter {
		if _, ok := inBefore[v]; !ok {
			d.Added = append(d.Added, v)
		}
	}
	for v := range inBefore {
		if _, ok := inAfter[v]; !ok {
			d.Removed = append(d.Removed, v)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}

// CapabilityChanges is the capability diff applied to the primary persona.
type CapabilityChanges struct {
	Tools        SetDiff `json:"tools"`
	Expertise    SetDiff `json:"expertise"`
	Restrictions SetDiff `json:"restrictions"`
	IsPublic     *bool   `json:"is_public,omitempty"`
}

// GrantChange is one role grant added to the primary persona by a merge.
type GrantChange struct {
	GrantID         string   `json:"grant_id"`
	SourcePersonaID string   `json:"source_persona_id,omitempty"`
	RoleName        string   `json:"role_name"`
	Permissions     []string `json:"permissions"`
	ExpiresAt       *string  `json:"expires_at"`
}

// PermissionChanges lists grants added to the primary persona by a merge.
type PermissionChanges struct {
	Granted []GrantChange `json:"granted"`
}
