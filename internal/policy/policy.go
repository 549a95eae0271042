package policy

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileName is the policy file looked up in the home directory.
const FileName = "policy.yaml"

// HistoryScopePrefix marks the per-persona history permissions handed out by
// merges. They are always known.
const HistoryScopePrefix = "history:"

// CapabilityTemplate seeds the capability of newly created personas.
type CapabilityTemplate struct {
	Tools        []string `yaml:"tools"`
	Expertise    []string `yaml:"expertise"`
	Restrictions []string `yaml:"restrictions"`
	Description  string   `yaml:"description"`
	IsPublic     bool     `yaml:"is_public"`
}

// Policy is the serializable governance policy.
type Policy struct {
	SystemTools       []string            `yaml:"system_tools"`
	KnownPermissions  []string            `yaml:"known_permissions"`
	AdminPermissions  []string            `yaml:"admin_permissions"`
	Roles             map[string][]string `yaml:"roles"`
	DefaultRole       string              `yaml:"default_role"`
	DefaultCapability CapabilityTemplate  `yaml:"default_capability"`
	MergePermission   string              `yaml:"merge_permission"`

	// EnforceDelegationEligibility rejects delegations to personas whose
	// public capability does not cover the required tags.
	EnforceDelegationEligibility bool `yaml:"enforce_delegation_eligibility"`

	// TaskDataSchema is an inline JSON Schema applied to delegation task data.
	TaskDataSchema string `yaml:"task_data_schema"`
}

// Well-known permissions.
const (
	PermPersonaRead       = "persona:read"
	PermPersonaWrite      = "persona:write"
	PermCapabilityWrite   = "capability:write"
	PermRoleGrant         = "role:grant"
	PermRoleRevoke        = "role:revoke"
	PermDelegationCreate  = "delegation:create"
	PermDelegationManage  = "delegation:manage"
	PermMergeExecute      = "merge:execute"
	PermAuditRead         = "audit:read"
	PermAuditVerify       = "audit:verify"
	PermDelegationExecute = "delegation:execute"
)

var defaultKnownPermissions = []string{
	PermPersonaRead,
	PermPersonaWrite,
	PermCapabilityWrite,
	PermRoleGrant,
	PermRoleRevoke,
	PermDelegationCreate,
	PermDelegationManage,
	PermDelegationExecute,
	PermMergeExecute,
	PermAuditRead,
	PermAuditVerify,
}

func Default() Policy {
	p := Policy{}
	p.applyDefaults()
	return p
}

func (p *Policy) applyDefaults() {
	if len(p.KnownPermissions) == 0 {
		p.KnownPermissions = slices.Clone(defaultKnownPermissions)
	}
	if len(p.AdminPermissions) == 0 {
		p.AdminPermissions = slices.Clone(p.KnownPermissions)
	}
	if p.Roles == nil {
		p.Roles = map[string][]string{
			"operator": {PermPersonaRead, PermPersonaWrite, PermDelegationCreate, PermDelegationManage, PermMergeExecute, PermAuditVerify},
			"viewer":   {PermPersonaRead, PermAuditRead},
			"worker":   {PermPersonaRead, PermDelegationExecute},
		}
	}
	if p.MergePermission == "" {
		p.MergePermission = PermMergeExecute
	}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// WriteDefault writes the default policy to path unless a file exists there.
// It reports whether a file was written.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat policy: %w", err)
	}
	p := Default()
	out, err := yaml.Marshal(&p)
	if err != nil {
		return false, fmt.Errorf("marshal policy: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write policy: %w", err)
	}
	return true, nil
}

// KnownPermission reports whether perm may appear in a grant.
func (p Policy) KnownPermission(perm string) bool {
	perm = strings.TrimSpace(perm)
	if perm == "" {
		return false
	}
	if strings.HasPrefix(perm, HistoryScopePrefix) && len(perm) > len(HistoryScopePrefix) {
		return true
	}
	return slices.Contains(p.KnownPermissions, perm)
}

// IsSystemTool reports whether restrictions may not name tool.
func (p Policy) IsSystemTool(tool string) bool {
	return slices.Contains(p.SystemTools, strings.TrimSpace(tool))
}

// RolePermissions returns the template for role.
func (p Policy) RolePermissions(role string) ([]string, bool) {
	perms, ok := p.Roles[role]
	return slices.Clone(perms), ok
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	for _, perm := range p.KnownPermissions {
		if strings.TrimSpace(perm) == "" {
			return fmt.Errorf("known_permissions contains an empty entry")
		}
	}
	for _, perm := range p.AdminPermissions {
		if !p.KnownPermission(perm) {
			return fmt.Errorf("unknown admin permission %q", perm)
		}
	}
	for role, perms := range p.Roles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("role with empty name")
		}
		if len(perms) == 0 {
			return fmt.Errorf("role %q grants no permissions", role)
		}
		for _, perm := range perms {
			if !p.KnownPermission(perm) {
				return fmt.Errorf("unknown permission %q in role %q", perm, role)
			}
		}
	}
	if p.DefaultRole != "" {
		if _, ok := p.Roles[p.DefaultRole]; !ok {
			return fmt.Errorf("default_role %q is not a defined role", p.DefaultRole)
		}
	}
	if !p.KnownPermission(p.MergePermission) {
		return fmt.Errorf("unknown merge_permission %q", p.MergePermission)
	}
	for _, tool := range p.SystemTools {
		if strings.TrimSpace(tool) == "" {
			return fmt.Errorf("system_tools contains an empty entry")
		}
	}
	for _, r := range p.DefaultCapability.Restrictions {
		if p.IsSystemTool(r) {
			return fmt.Errorf("default_capability restricts system tool %q", r)
		}
	}
	if s := strings.TrimSpace(p.TaskDataSchema); s != "" && !json.Valid([]byte(s)) {
		return fmt.Errorf("task_data_schema is not valid JSON")
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe reads and atomic reloads.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) KnownPermission(perm string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.KnownPermission(perm)
}

func (lp *LivePolicy) IsSystemTool(tool string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.IsSystemTool(tool)
}

// SystemTools returns a copy of the reserved tool list. It is handed to the
// store as its reserved-tools source so reloads take effect immediately.
func (lp *LivePolicy) SystemTools() []string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return slices.Clone(lp.data.SystemTools)
}

func (lp *LivePolicy) RolePermissions(role string) ([]string, bool) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.RolePermissions(role)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a deep copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.SystemTools = slices.Clone(lp.data.SystemTools)
	cp.KnownPermissions = slices.Clone(lp.data.KnownPermissions)
	cp.AdminPermissions = slices.Clone(lp.data.AdminPermissions)
	cp.DefaultCapability.Tools = slices.Clone(lp.data.DefaultCapability.Tools)
	cp.DefaultCapability.Expertise = slices.Clone(lp.data.DefaultCapability.Expertise)
	cp.DefaultCapability.Restrictions = slices.Clone(lp.data.DefaultCapability.Restrictions)
	if lp.data.Roles != nil {
		cp.Roles = make(map[string][]string, len(lp.data.Roles))
		for k, v := range lp.data.Roles {
			cp.Roles[k] = slices.Clone(v)
		}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	write := func(section string, values []string) {
		sorted := slices.Clone(values)
		sort.Strings(sorted)
		_, _ = h.Write([]byte(section + "="))
		for _, v := range sorted {
			_, _ = h.Write([]byte(strings.TrimSpace(v) + "|"))
		}
	}
	write("system_tools", p.SystemTools)
	write("known", p.KnownPermissions)
	write("admin", p.AdminPermissions)
	roles := make([]string, 0, len(p.Roles))
	for name := range p.Roles {
		roles = append(roles, name)
	}
	sort.Strings(roles)
	for _, name := range roles {
		write("role:"+name, p.Roles[name])
	}
	write("default_role", []string{p.DefaultRole})
	write("default_tools", p.DefaultCapability.Tools)
	write("default_expertise", p.DefaultCapability.Expertise)
	write("default_restrictions", p.DefaultCapability.Restrictions)
	write("default_meta", []string{p.DefaultCapability.Description, strconv.FormatBool(p.DefaultCapability.IsPublic)})
	write("merge", []string{p.MergePermission})
	write("eligibility", []string{strconv.FormatBool(p.EnforceDelegationEligibility)})
	write("schema", []string{p.TaskDataSchema})
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
