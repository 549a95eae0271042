package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/config"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/doctor"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/governance"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/policy"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/telemetry"
)

// oneShot loads config and opens the governance stack for a short-lived
// command. Logs go to stderr at warn level and above.
func oneShot(ctx context.Context, stderr io.Writer) (*services, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, err
	}
	logger := slog.New(telemetry.NewHandler(stderr, slog.LevelWarn)).With("component", "personactl")
	svc, err := openServices(ctx, cfg, logger, wireOptions{})
	return svc, cfg, err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInitCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: personactl init")
		return 2
	}
	home := config.HomeDir()
	wroteCfg, err := config.WriteDefault(home)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	wrotePol, err := policy.WriteDefault(config.PolicyPath(home))
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	report := func(path string, wrote bool) {
		if wrote {
			fmt.Fprintf(stdout, "wrote %s\n", path)
		} else {
			fmt.Fprintf(stdout, "kept existing %s\n", path)
		}
	}
	report(config.ConfigPath(home), wroteCfg)
	report(config.PolicyPath(home), wrotePol)
	return 0
}

func runVerifyCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify", stderr)
	personaID := fs.String("persona", "", "verify only this primary persona's chain")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: personactl verify [-persona ID] [-json]")
		return 2
	}

	svc, _, err := oneShot(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	defer svc.Close(ctx)

	var sum governance.Summary
	if *personaID != "" {
		report, err := svc.gov.VerifyChain(ctx, *personaID)
		if err != nil && !errors.Is(err, persistence.ErrIntegrityViolation) {
			fmt.Fprintf(stderr, "verify: %v\n", err)
			return 1
		}
		sum.Reports = []audit.Report{report}
		if !report.Valid {
			sum.Broken = 1
		}
	} else {
		sum, err = svc.gov.VerifyAll(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "verify: %v\n", err)
			return 1
		}
	}
	sort.Slice(sum.Reports, func(i, j int) bool { return sum.Reports[i].PrimaryPersonaID < sum.Reports[j].PrimaryPersonaID })

	if *jsonOut {
		if err := writeJSON(stdout, sum); err != nil {
			fmt.Fprintf(stderr, "verify: encode: %v\n", err)
			return 1
		}
	} else {
		printSummary(stdout, sum)
	}
	if !sum.Valid() {
		return 1
	}
	return 0
}

func printSummary(w io.Writer, sum governance.Summary) {
	st := newStyles(w)
	fmt.Fprintln(w, st.Title("Merge audit verification"))
	for _, r := range sum.Reports {
		if r.Valid {
			fmt.Fprintf(w, "%s %s %s\n", st.Status("OK"), r.PrimaryPersonaID, st.Dim(fmt.Sprintf("(%d entries)", r.Entries)))
			continue
		}
		fmt.Fprintf(w, "%s %s\n", st.Status("BROKEN"), r.PrimaryPersonaID)
		if r.Break != nil {
			fmt.Fprintf(w, "    entry %s seq %d: %s\n", r.Break.EntryID, r.Break.Seq, r.Break.Reason)
		}
	}
	fmt.Fprintf(w, "%d chains, %d broken\n", len(sum.Reports), sum.Broken)
}

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("doctor", stderr)
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
	}
	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOut {
		if err := writeJSON(stdout, diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if !diag.Healthy() {
			return 1
		}
		return 0
	}

	st := newStyles(stdout)
	fmt.Fprintln(stdout, st.Title(fmt.Sprintf("Persona Governance Doctor (%s)", diag.Timestamp.Format(time.RFC3339))))
	fmt.Fprintf(stdout, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(stdout, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(stdout, "%s %-17s %s\n", st.Status(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "     %s\n", st.Dim(res.Detail))
		}
	}
	if !diag.Healthy() {
		return 1
	}
	return 0
}

type statusReport struct {
	HomeDir           string            `json:"home_dir"`
	DBPath            string            `json:"db_path"`
	ConfigFingerprint string            `json:"config_fingerprint"`
	PolicyVersion     string            `json:"policy_version"`
	Stats             persistence.Stats `json:"stats"`
}

func runStatusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", stderr)
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: personactl status [-json]")
		return 2
	}

	svc, cfg, err := oneShot(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	defer svc.Close(ctx)

	stats, err := svc.store.Stats(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	rep := statusReport{
		HomeDir:           cfg.HomeDir,
		DBPath:            cfg.DBPath,
		ConfigFingerprint: cfg.Fingerprint(),
		PolicyVersion:     svc.policy.PolicyVersion(),
		Stats:             stats,
	}
	if *jsonOut {
		if err := writeJSON(stdout, rep); err != nil {
			fmt.Fprintf(stderr, "status: encode: %v\n", err)
			return 1
		}
		return 0
	}

	st := newStyles(stdout)
	fmt.Fprintln(stdout, st.Title("Persona governance store"))
	rows := [][2]string{
		{"home", rep.HomeDir},
		{"database", rep.DBPath},
		{"config", rep.ConfigFingerprint},
		{"policy", rep.PolicyVersion},
		{"schema", fmt.Sprint(stats.SchemaVersion)},
		{"personas", fmt.Sprint(stats.Personas)},
		{"public capabilities", fmt.Sprint(stats.PublicCapabilities)},
		{"effective grants", fmt.Sprint(stats.EffectiveGrants)},
		{"merge audit", fmt.Sprintf("%d entries in %d chains", stats.MergeAuditEntries, stats.MergeChains)},
	}
	for _, status := range []persistence.DelegationStatus{
		persistence.DelegationPending, persistence.DelegationAccepted, persistence.DelegationCompleted,
		persistence.DelegationFailed, persistence.DelegationCancelled,
	} {
		rows = append(rows, [2]string{"delegations " + string(status), fmt.Sprint(stats.Delegations[status])})
	}
	for _, r := range rows {
		fmt.Fprintf(stdout, "  %-22s %s\n", st.Dim(r[0]), r[1])
	}
	return 0
}

func runBootstrapCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: personactl bootstrap")
		return 2
	}
	svc, _, err := oneShot(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "bootstrap: %v\n", err)
		return 1
	}
	defer svc.Close(ctx)

	granted, err := svc.gov.Bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "bootstrap: %v\n", err)
		return 1
	}
	if granted {
		fmt.Fprintln(stdout, "admin role granted to the earliest persona")
	} else {
		fmt.Fprintln(stdout, "no change: an admin grant already exists or the store is empty")
	}
	return 0
}

func runBackupCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: personactl backup <dest>")
		return 2
	}
	svc, _, err := oneShot(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "backup: %v\n", err)
		return 1
	}
	defer svc.Close(ctx)

	if err := svc.store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "backup written to %s\n", args[0])
	return 0
}
