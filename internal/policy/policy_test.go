package policy_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/policy"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), policy.FileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.KnownPermission(policy.PermMergeExecute) {
		t.Fatal("default policy must know merge:execute")
	}
	if p.MergePermission != policy.PermMergeExecute {
		t.Fatalf("merge permission = %q", p.MergePermission)
	}
	if diff := cmp.Diff(p.KnownPermissions, p.AdminPermissions); diff != "" {
		t.Fatalf("admin defaults to every known permission (-known +admin):\n%s", diff)
	}
	if p.DefaultRole != "" || p.EnforceDelegationEligibility {
		t.Fatalf("default policy must not auto-grant or enforce: %+v", p)
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writePolicy(t, `
system_tools: [persona_read, audit_verify]
known_permissions: [doc:read, doc:write, merge:run]
roles:
  editor: [doc:read, doc:write]
default_role: editor
default_capability:
  tools: [search]
  is_public: true
merge_permission: merge:run
enforce_delegation_eligibility: true
task_data_schema: |
  {"type": "object", "required": ["ticket"]}
`)
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.IsSystemTool("audit_verify") || p.IsSystemTool("search") {
		t.Fatalf("system tools = %v", p.SystemTools)
	}
	perms, ok := p.RolePermissions("editor")
	if !ok {
		t.Fatal("editor role missing")
	}
	if diff := cmp.Diff([]string{"doc:read", "doc:write"}, perms); diff != "" {
		t.Fatalf("editor permissions (-want +got):\n%s", diff)
	}
	if !p.DefaultCapability.IsPublic || p.DefaultCapability.Tools[0] != "search" {
		t.Fatalf("default capability = %+v", p.DefaultCapability)
	}
	if !strings.Contains(p.TaskDataSchema, `"ticket"`) {
		t.Fatalf("schema = %q", p.TaskDataSchema)
	}
	if !p.KnownPermission("history:abc") {
		t.Fatal("history scopes are always known")
	}
	if p.KnownPermission("history:") {
		t.Fatal("bare history prefix is not a permission")
	}
}

func TestLoad_Rejections(t *testing.T) {
	cases := map[string]string{
		"unknown role permission": "known_permissions: [a]\nroles:\n  r: [a, b]\n",
		"empty role":              "known_permissions: [a]\nroles:\n  r: []\n",
		"undefined default role":  "known_permissions: [a]\nroles:\n  r: [a]\ndefault_role: missing\n",
		"unknown merge":           "known_permissions: [a]\nroles:\n  r: [a]\nmerge_permission: b\n",
		"unknown admin":           "known_permissions: [a, merge:execute]\nadmin_permissions: [z]\n",
		"restricted system tool":  "system_tools: [shell]\ndefault_capability:\n  restrictions: [shell]\n",
		"bad schema":              "task_data_schema: '{not json'\n",
		"bad yaml":                "roles: [unterminated\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := policy.Load(writePolicy(t, body)); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	path := writePolicy(t, "known_permissions: [doc:read, merge:execute]\nroles:\n  reader: [doc:read]\n")
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}
	live := policy.NewLivePolicy(initial)
	before := live.PolicyVersion()

	if err := os.WriteFile(path, []byte("known_permissions: [doc:read]\nroles:\n  reader: [doc:write]\n"), 0o644); err != nil {
		t.Fatalf("write invalid policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err == nil {
		t.Fatal("expected reload error for unknown permission")
	}
	if live.PolicyVersion() != before {
		t.Fatal("invalid reload must keep the previous policy")
	}
	if _, ok := live.RolePermissions("reader"); !ok {
		t.Fatal("previous roles must remain active")
	}

	if err := os.WriteFile(path, []byte("known_permissions: [doc:read, merge:execute]\nroles:\n  reader: [doc:read]\nsystem_tools: [audit_verify]\n"), 0o644); err != nil {
		t.Fatalf("write valid policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if live.PolicyVersion() == before {
		t.Fatal("version must change after a successful reload")
	}
	if !live.IsSystemTool("audit_verify") {
		t.Fatal("reloaded system tools not visible")
	}
	if err := policy.ReloadFromFile(nil, path); err == nil {
		t.Fatal("expected error for nil live policy")
	}
}

func TestPolicyVersion_StableAcrossOrder(t *testing.T) {
	a := policy.Default()
	b := policy.Default()
	b.KnownPermissions = append([]string(nil), a.KnownPermissions...)
	for i, j := 0, len(b.KnownPermissions)-1; i < j; i, j = i+1, j-1 {
		b.KnownPermissions[i], b.KnownPermissions[j] = b.KnownPermissions[j], b.KnownPermissions[i]
	}
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatal("version must not depend on list order")
	}
	b.EnforceDelegationEligibility = true
	if a.PolicyVersion() == b.PolicyVersion() {
		t.Fatal("version must reflect eligibility enforcement")
	}
	if !strings.HasPrefix(a.PolicyVersion(), "policy-") {
		t.Fatalf("version = %q", a.PolicyVersion())
	}
}

func TestLivePolicy_SnapshotIsDeepCopy(t *testing.T) {
	live := policy.NewLivePolicy(policy.Default())
	snap := live.Snapshot()
	snap.Roles["viewer"][0] = "mutated"
	snap.KnownPermissions[0] = "mutated"

	perms, _ := live.RolePermissions("viewer")
	if perms[0] == "mutated" || live.Snapshot().KnownPermissions[0] == "mutated" {
		t.Fatal("snapshot shares memory with the live policy")
	}
}

func TestLivePolicy_ConcurrentReadsAndReloads(t *testing.T) {
	live := policy.NewLivePolicy(policy.Default())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = live.KnownPermission(policy.PermPersonaRead)
				_ = live.SystemTools()
				_ = live.PolicyVersion()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				live.Reload(policy.Default())
			}
		}()
	}
	wg.Wait()
}

func TestWriteDefault_RoundTripsThroughLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), policy.FileName)
	wrote, err := policy.WriteDefault(path)
	if err != nil || !wrote {
		t.Fatalf("write default: wrote=%v err=%v", wrote, err)
	}
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if p.PolicyVersion() != policy.Default().PolicyVersion() {
		t.Fatalf("version %s, want %s", p.PolicyVersion(), policy.Default().PolicyVersion())
	}
	if wrote, err := policy.WriteDefault(path); err != nil || wrote {
		t.Fatalf("second write: wrote=%v err=%v", wrote, err)
	}
}
