package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/policy"
)

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "mcpgen-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assertFalse := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if got {
			ok = false
		}
	}
	assertTrue := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	assertTrue("default_known_merge", p.KnownPermission(policy.PermMergeExecute))
	assertTrue("default_known_history_scope", p.KnownPermission(policy.HistoryScopePrefix+"anyone"))
	assertFalse("default_known_made_up", p.KnownPermission("root:everything"))
	assertFalse("default_system_tools", len(p.SystemTools) > 0)
	assertFalse("default_enforce_eligibility", p.EnforceDelegationEligibility)
	_, hasOperator := p.RolePermissions("operator")
	assertTrue("default_role_operator", hasOperator)

	dir, err := os.MkdirTemp("", "mcpgen-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, policy.FileName)
	valid := "system_tools:\n  - persona_read\nroles:\n  auditor: [audit:read, audit:verify]\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(initial)
	version := live.PolicyVersion()

	invalid := "roles:\n  auditor: [audit:read, audit:rewrite]\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	assertTrue("retain_previous_version", live.PolicyVersion() == version)
	assertTrue("retain_previous_system_tool", live.IsSystemTool("persona_read"))
	assertFalse("deny_unknown_perm", live.KnownPermission("audit:rewrite"))

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
