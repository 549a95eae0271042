package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "mcpgen-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "governance.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	const primaries, mergesPerPrimary = 8, 5
	for i := 0; i < primaries; i++ {
		p, err := store.CreatePersona(ctx, persistence.PersonaInput{Name: fmt.Sprintf("primary-%d", i)})
		if err != nil {
			fmt.Printf("create_persona_error=%v\n", err)
			os.Exit(1)
		}
		for j := 0; j < mergesPerPrimary; j++ {
			secondary := fmt.Sprintf("retired-%d-%d", i, j)
			if _, err := store.RecordMerge(ctx, persistence.MergeRecordInput{
				PrimaryID:            p.ID,
				SecondaryIDs:         []string{secondary},
				Strategy:             audit.MergeStrategy{Capabilities: audit.CapabilitiesUnion, Permissions: audit.PermissionsUnion},
				HistoryAccessGranted: []string{secondary},
			}); err != nil {
				fmt.Printf("record_merge_error=%v\n", err)
				os.Exit(1)
			}
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	stats, err := restored.Stats(ctx)
	if err != nil {
		fmt.Printf("stats_error=%v\n", err)
		os.Exit(1)
	}
	ids, err := restored.MergeAuditPrimaries(ctx)
	if err != nil {
		fmt.Printf("primaries_error=%v\n", err)
		os.Exit(1)
	}
	broken := 0
	for _, id := range ids {
		if report, err := restored.VerifyChain(ctx, id); err != nil || !report.Valid {
			broken++
		}
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_personas=%d\n", stats.Personas)
	fmt.Printf("restored_merge_entries=%d\n", stats.MergeAuditEntries)
	fmt.Printf("restored_chains=%d broken=%d\n", len(ids), broken)

	if stats.Personas != primaries || stats.MergeAuditEntries != primaries*mergesPerPrimary || broken != 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
