package persistence_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
)

// testClock advances by step on every reading so rows get distinct,
// increasing timestamps.
type testClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestStore(t *testing.T, opts ...persistence.Option) (*persistence.Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	dbPath := filepath.Join(t.TempDir(), "governance.db")
	store, err := persistence.Open(dbPath, nil, append([]persistence.Option{persistence.WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, clock
}

func mustPersona(t *testing.T, store *persistence.Store, name string, parent string) *persistence.Persona {
	t.Helper()
	p, err := store.CreatePersona(context.Background(), persistence.PersonaInput{Name: name, ParentID: parent, Reason: "test"})
	if err != nil {
		t.Fatalf("create persona %s: %v", name, err)
	}
	return p
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{
		"schema_migrations", "personas", "persona_capabilities", "persona_roles",
		"persona_lineage", "persona_delegations", "persona_merge_audit",
	} {
		n := countRows(t, db, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?;`, table)
		if n != 1 {
			t.Fatalf("missing table %s", table)
		}
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM schema_migrations;`); n != 1 {
		t.Fatalf("expected one schema ledger row, got %d", n)
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "governance.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p, err := store.CreatePersona(context.Background(), persistence.PersonaInput{Name: "root"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetPersona(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Name != "root" {
		t.Fatalf("name = %q", got.Name)
	}
}

func TestStore_ChecksumMismatchRefusesOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "governance.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}
	_ = store.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestStore_NewerSchemaRefusesOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "governance.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath, nil); err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer schema error, got %v", err)
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	mustPersona(t, store, "root", "")

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(context.Background(), dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if err := store.Backup(context.Background(), dest); err == nil {
		t.Fatal("expected error when destination exists")
	}

	copyStore, err := persistence.Open(dest, nil)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	n, err := copyStore.CountPersonas(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("backup persona count = %d, %v", n, err)
	}
}

func TestStore_CancelledContextBeforeTx(t *testing.T) {
	store, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.CreatePersona(ctx, persistence.PersonaInput{Name: "never"}); err == nil {
		t.Fatal("expected cancelled context to stop the operation")
	}
	n, _ := store.CountPersonas(context.Background())
	if n != 0 {
		t.Fatalf("expected no persona written, got %d", n)
	}
}
