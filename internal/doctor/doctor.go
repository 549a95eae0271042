// Package doctor runs offline health checks against a governance home
// directory.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/config"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/governance"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/policy"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

// env is shared between checks. The store is opened by checkDatabase.
type env struct {
	cfg    *config.Config
	store  *persistence.Store
	policy *policy.Policy
}

// Run executes all diagnostic checks. It never creates the database.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	e := &env{cfg: cfg}
	defer func() {
		if e.store != nil {
			_ = e.store.Close()
		}
	}()

	checks := []func(context.Context, *env) CheckResult{
		checkConfig,
		checkPermissions,
		checkPolicy,
		checkDatabase,
		checkJournal,
		checkMergeAudit,
		checkTelemetry,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, e))
	}
	return d
}

func checkConfig(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if e.cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "Configuration missing (run init)", Detail: config.ConfigPath(e.cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", e.cfg.HomeDir), Detail: e.cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(e.cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkPolicy(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	p, err := policy.Load(config.PolicyPath(e.cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: "Policy invalid", Detail: err.Error()}
	}
	e.policy = &p
	msg := "Using built-in defaults"
	if _, err := os.Stat(config.PolicyPath(e.cfg.HomeDir)); err == nil {
		msg = fmt.Sprintf("Loaded from %s", config.PolicyPath(e.cfg.HomeDir))
	}
	return CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: msg,
		Detail:  fmt.Sprintf("version=%s, roles=%d, system_tools=%d", p.PolicyVersion(), len(p.Roles), len(p.SystemTools)),
	}
}

func checkDatabase(ctx context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if _, err := os.Stat(e.cfg.DBPath); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Database", Status: StatusWarn, Message: "Database not created yet", Detail: e.cfg.DBPath}
	}
	store, err := persistence.Open(e.cfg.DBPath, nil, persistence.WithBusyRetries(e.cfg.BusyRetries))
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	e.store = store
	st, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d personas", st.SchemaVersion, st.Personas),
		Detail:  e.cfg.DBPath,
	}
}

func checkJournal(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Decision Journal", Status: StatusSkip, Message: "Config missing"}
	}
	if !e.cfg.DecisionJournal {
		return CheckResult{Name: "Decision Journal", Status: StatusSkip, Message: "Disabled in config"}
	}
	j, err := audit.OpenJournal(e.cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Decision Journal", Status: StatusFail, Message: fmt.Sprintf("Cannot open journal: %v", err)}
	}
	_ = j.Close()
	return CheckResult{Name: "Decision Journal", Status: StatusPass, Message: "Journal writable",
		Detail: filepath.Join(e.cfg.HomeDir, "logs", audit.JournalFileName)}
}

func checkMergeAudit(ctx context.Context, e *env) CheckResult {
	if e.store == nil {
		return CheckResult{Name: "Merge Audit", Status: StatusSkip, Message: "Database unavailable"}
	}
	workers := 1
	if e.cfg != nil {
		workers = e.cfg.WorkerCount
	}
	svc, err := governance.New(governance.Config{Store: e.store, WorkerCount: workers})
	if err != nil {
		return CheckResult{Name: "Merge Audit", Status: StatusFail, Message: err.Error()}
	}
	sum, err := svc.VerifyAll(ctx)
	if err != nil {
		return CheckResult{Name: "Merge Audit", Status: StatusFail, Message: fmt.Sprintf("Verification failed: %v", err)}
	}
	if sum.Broken > 0 {
		var broken []string
		for _, r := range sum.Reports {
			if !r.Valid && r.Break != nil {
				broken = append(broken, fmt.Sprintf("%s@%d(%s)", r.PrimaryPersonaID, r.Break.Seq, r.Break.Reason))
			}
		}
		return CheckResult{
			Name:    "Merge Audit",
			Status:  StatusFail,
			Message: fmt.Sprintf("%d of %d chains broken", sum.Broken, len(sum.Reports)),
			Detail:  strings.Join(broken, ", "),
		}
	}
	return CheckResult{Name: "Merge Audit", Status: StatusPass, Message: fmt.Sprintf("%d chains verified", len(sum.Reports))}
}

func checkTelemetry(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Config missing"}
	}
	t := e.cfg.Telemetry
	if !t.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Disabled"}
	}
	if t.Exporter == "otlp-http" && t.Endpoint == "" {
		return CheckResult{Name: "Telemetry", Status: StatusWarn, Message: "otlp-http exporter without endpoint",
			Detail: "Defaults to localhost:4318 from the OTLP exporter"}
	}
	return CheckResult{Name: "Telemetry", Status: StatusPass, Message: fmt.Sprintf("Exporter %s", t.Exporter)}
}
