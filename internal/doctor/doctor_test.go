package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/config"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("MCPGEN_DB_PATH", "")
	home := t.TempDir()
	if _, err := config.WriteDefault(home); err != nil {
		t.Fatalf("write default: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return &cfg
}

func resultByName(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no result named %q", name)
	return CheckResult{}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if d.Healthy() {
		t.Fatal("nil config must not be healthy")
	}
	if r := resultByName(t, d, "Config"); r.Status != StatusFail {
		t.Fatalf("config status = %s", r.Status)
	}
	for _, name := range []string{"Permissions", "Policy", "Database", "Merge Audit", "Telemetry"} {
		if r := resultByName(t, d, name); r.Status != StatusSkip {
			t.Fatalf("%s status = %s, want SKIP", name, r.Status)
		}
	}
}

func TestRun_FreshHomeDoesNotCreateDatabase(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")
	if !d.Healthy() {
		t.Fatalf("fresh home should be healthy: %+v", d.Results)
	}
	if r := resultByName(t, d, "Database"); r.Status != StatusWarn {
		t.Fatalf("database status = %s", r.Status)
	}
	if _, err := os.Stat(cfg.DBPath); !os.IsNotExist(err) {
		t.Fatalf("doctor created the database: %v", err)
	}
	if r := resultByName(t, d, "Merge Audit"); r.Status != StatusSkip {
		t.Fatalf("merge audit status = %s", r.Status)
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestRun_InvalidPolicy(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(config.PolicyPath(cfg.HomeDir), []byte("default_role: nobody\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	d := Run(context.Background(), cfg, "test")
	if r := resultByName(t, d, "Policy"); r.Status != StatusFail || r.Detail == "" {
		t.Fatalf("policy result = %+v", r)
	}
	if d.Healthy() {
		t.Fatal("invalid policy must not be healthy")
	}
}

func TestRun_BrokenMergeChain(t *testing.T) {
	cfg := testConfig(t)
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	p, err := store.CreatePersona(ctx, persistence.PersonaInput{Name: "primary"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err := store.RecordMerge(ctx, persistence.MergeRecordInput{
		PrimaryID:            p.ID,
		SecondaryIDs:         []string{"gone"},
		Strategy:             audit.MergeStrategy{Capabilities: audit.CapabilitiesUnion, Permissions: audit.PermissionsUnion},
		HistoryAccessGranted: []string{"gone"},
	})
	if err != nil {
		t.Fatalf("record merge: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE persona_merge_audit SET history_access_granted = '["intruder"]' WHERE id = ?;`, e.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	d := Run(ctx, cfg, "test")
	if r := resultByName(t, d, "Database"); r.Status != StatusPass {
		t.Fatalf("database result = %+v", r)
	}
	r := resultByName(t, d, "Merge Audit")
	if r.Status != StatusFail || r.Message != "1 of 1 chains broken" {
		t.Fatalf("merge audit result = %+v", r)
	}
	if d.Healthy() {
		t.Fatal("broken chain must not be healthy")
	}
}

func TestCheckTelemetry(t *testing.T) {
	cfg := testConfig(t)
	if r := checkTelemetry(context.Background(), &env{cfg: cfg}); r.Status != StatusSkip {
		t.Fatalf("disabled telemetry = %+v", r)
	}
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Exporter = "otlp-http"
	if r := checkTelemetry(context.Background(), &env{cfg: cfg}); r.Status != StatusWarn {
		t.Fatalf("otlp without endpoint = %+v", r)
	}
	cfg.Telemetry.Endpoint = "collector:4318"
	if r := checkTelemetry(context.Background(), &env{cfg: cfg}); r.Status != StatusPass {
		t.Fatalf("otlp with endpoint = %+v", r)
	}
}

func TestCheckPermissions_Unwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	cfg := testConfig(t)
	ro := filepath.Join(cfg.HomeDir, "ro")
	if err := os.Mkdir(ro, 0o500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg.HomeDir = ro
	if r := checkPermissions(context.Background(), &env{cfg: cfg}); r.Status != StatusFail {
		t.Fatalf("result = %+v", r)
	}
}
