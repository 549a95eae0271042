package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/audit"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
)

func mergeInput(primary string, secondaries ...string) persistence.MergeRecordInput {
	return persistence.MergeRecordInput{
		PrimaryID:    primary,
		SecondaryIDs: secondaries,
		Strategy:     audit.MergeStrategy{Capabilities: audit.CapabilitiesUnion, Permissions: audit.PermissionsUnion},
		CapabilityChanges: audit.CapabilityChanges{
			Tools:        audit.DiffSets(nil, []string{"search"}),
			Expertise:    audit.DiffSets(nil, nil),
			Restrictions: audit.DiffSets(nil, nil),
		},
		HistoryAccessGranted: secondaries,
	}
}

func recordChain(t *testing.T, store *persistence.Store, primary string, n int) []*persistence.MergeAuditEntry {
	t.Helper()
	var out []*persistence.MergeAuditEntry
	for i := 0; i < n; i++ {
		e, err := store.RecordMerge(context.Background(), mergeInput(primary, fmt.Sprintf("secondary-%d", i)))
		if err != nil {
			t.Fatalf("record merge %d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordMerge_ChainLinks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	primary := mustPersona(t, store, "primary", "")

	entries := recordChain(t, store, primary.ID, 4)
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("entry %d seq = %d", i, e.Seq)
		}
		want := audit.GenesisHash
		if i > 0 {
			want = entries[i-1].OperationHash
		}
		if e.PreviousHash != want {
			t.Fatalf("entry %d previous hash = %s, want %s", i, e.PreviousHash, want)
		}
	}

	report, err := store.VerifyChain(ctx, primary.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid || report.Entries != 4 || report.Break != nil {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRecordMerge_Validation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	p := mustPersona(t, store, "p", "")

	cases := []struct {
		name string
		in   persistence.MergeRecordInput
		want error
	}{
		{"no secondaries", mergeInput(p.ID), persistence.ErrInvalidInput},
		{"self", mergeInput(p.ID, p.ID), persistence.ErrInvalidInput},
		{"duplicate", mergeInput(p.ID, "x", "x"), persistence.ErrInvalidInput},
		{"unknown primary", mergeInput("missing", "x"), persistence.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.RecordMerge(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestVerifyChain_ReportsFirstTamperedEntry(t *testing.T) {
	for _, k := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("entry %d", k), func(t *testing.T) {
			store, _ := openTestStore(t)
			ctx := context.Background()
			primary := mustPersona(t, store, "primary", "")
			entries := recordChain(t, store, primary.ID, 5)

			target := entries[k-1]
			if _, err := store.DB().Exec(`UPDATE persona_merge_audit SET capability_changes = ? WHERE id = ?;`,
				`{"tools":{"added":["shell"],"removed":[]}}`, target.ID); err != nil {
				t.Fatalf("tamper: %v", err)
			}

			report, err := store.VerifyChain(ctx, primary.ID)
			if !errors.Is(err, persistence.ErrIntegrityViolation) {
				t.Fatalf("expected ErrIntegrityViolation, got %v", err)
			}
			if report.Valid || report.Break == nil {
				t.Fatalf("expected broken report, got %+v", report)
			}
			if report.Break.EntryID != target.ID || report.Break.Seq != int64(k) {
				t.Fatalf("break at %s (seq %d), want %s (seq %d)", report.Break.EntryID, report.Break.Seq, target.ID, k)
			}
			if report.Break.Reason != audit.ReasonOperationHash {
				t.Fatalf("reason = %s", report.Break.Reason)
			}
		})
	}
}

func TestVerifyChain_TamperedStrategyOfFirstOfTwo(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	primary := mustPersona(t, store, "primary", "")
	entries := recordChain(t, store, primary.ID, 2)

	if _, err := store.DB().Exec(`UPDATE persona_merge_audit SET merge_strategy = ? WHERE id = ?;`,
		`{"capabilities":"intersection","permissions":"union"}`, entries[0].ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err := store.VerifyChain(ctx, primary.ID)
	if !errors.Is(err, persistence.ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
	if report.Break.EntryID != entries[0].ID {
		t.Fatalf("break at %s, want first entry %s", report.Break.EntryID, entries[0].ID)
	}
}

func TestVerifyChain_RewrittenPreviousHash(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	primary := mustPersona(t, store, "primary", "")
	entries := recordChain(t, store, primary.ID, 3)

	if _, err := store.DB().Exec(`UPDATE persona_merge_audit SET previous_hash = ? WHERE id = ?;`,
		audit.GenesisHash, entries[2].ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, _ := store.VerifyChain(ctx, primary.ID)
	if report.Break == nil || report.Break.EntryID != entries[2].ID || report.Break.Reason != audit.ReasonPreviousHash {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestVerifyChain_EmptyAndUnknown(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	p := mustPersona(t, store, "p", "")

	report, err := store.VerifyChain(ctx, p.ID)
	if err != nil || !report.Valid || report.Entries != 0 {
		t.Fatalf("empty chain: %+v, %v", report, err)
	}
	if _, err := store.VerifyChain(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordMerge_ConcurrentAppendsSerialize(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	primary := mustPersona(t, store, "primary", "")
	other := mustPersona(t, store, "other", "")

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		for _, id := range []string{primary.ID, other.ID} {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				_, err := store.RecordMerge(ctx, mergeInput(id, fmt.Sprintf("s-%d", i)))
				errs <- err
			}(id, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("record merge: %v", err)
		}
	}

	for _, id := range []string{primary.ID, other.ID} {
		entries, err := store.ListMergeAudit(ctx, id)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(entries) != n {
			t.Fatalf("expected %d entries, got %d", n, len(entries))
		}
		for i, e := range entries {
			if e.Seq != int64(i+1) {
				t.Fatalf("entries[%d].Seq = %d", i, e.Seq)
			}
		}
		if report, err := store.VerifyChain(ctx, id); err != nil || !report.Valid {
			t.Fatalf("verify after concurrent appends: %+v, %v", report, err)
		}
	}
}

func TestMergeAudit_ReadPaths(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := mustPersona(t, store, "a", "")
	b := mustPersona(t, store, "b", "")
	mustPersona(t, store, "c", "")

	in := mergeInput(a.ID, b.ID)
	in.OperatorID = b.ID
	recorded, err := store.RecordMerge(ctx, in)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	recordChain(t, store, b.ID, 1)

	got, err := store.GetMergeAudit(ctx, recorded.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(recorded, got); diff != "" {
		t.Fatalf("stored entry (-recorded +got):\n%s", diff)
	}
	if _, err := store.GetMergeAudit(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	primaries, err := store.MergeAuditPrimaries(ctx)
	if err != nil {
		t.Fatalf("primaries: %v", err)
	}
	want := []string{a.ID, b.ID}
	if a.ID > b.ID {
		want = []string{b.ID, a.ID}
	}
	if diff := cmp.Diff(want, primaries); diff != "" {
		t.Fatalf("primaries (-want +got):\n%s", diff)
	}
}

func TestGetMergeAudit_CorruptContent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	p := mustPersona(t, store, "p", "")
	e := recordChain(t, store, p.ID, 1)[0]

	if _, err := store.DB().Exec(`UPDATE persona_merge_audit SET permission_changes = 'not json' WHERE id = ?;`, e.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := store.GetMergeAudit(ctx, e.ID); !errors.Is(err, persistence.ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
}

func TestVerifyChain_UndecodableListWithEmptyHistory(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	p := mustPersona(t, store, "p", "")
	var entries []*persistence.MergeAuditEntry
	for i := 0; i < 2; i++ {
		in := mergeInput(p.ID, fmt.Sprintf("secondary-%d", i))
		in.HistoryAccessGranted = nil
		e, err := store.RecordMerge(ctx, in)
		if err != nil {
			t.Fatalf("record merge %d: %v", i, err)
		}
		entries = append(entries, e)
	}

	for _, column := range []string{"history_access_granted", "secondary_persona_ids"} {
		t.Run(column, func(t *testing.T) {
			var original string
			if err := store.DB().QueryRow(`SELECT `+column+` FROM persona_merge_audit WHERE id = ?;`, entries[0].ID).Scan(&original); err != nil {
				t.Fatalf("read column: %v", err)
			}
			if _, err := store.DB().Exec(`UPDATE persona_merge_audit SET `+column+` = 'TAMPERED' WHERE id = ?;`, entries[0].ID); err != nil {
				t.Fatalf("tamper: %v", err)
			}
			t.Cleanup(func() {
				_, _ = store.DB().Exec(`UPDATE persona_merge_audit SET `+column+` = ? WHERE id = ?;`, original, entries[0].ID)
			})

			report, err := store.VerifyChain(ctx, p.ID)
			if !errors.Is(err, persistence.ErrIntegrityViolation) {
				t.Fatalf("expected ErrIntegrityViolation, got %v", err)
			}
			if report.Valid || report.Break == nil || report.Break.EntryID != entries[0].ID {
				t.Fatalf("break = %+v, want first entry %s", report.Break, entries[0].ID)
			}
			if !strings.HasPrefix(report.Break.Reason, audit.ReasonUndecodable) || !strings.Contains(report.Break.Reason, column) {
				t.Fatalf("reason = %q", report.Break.Reason)
			}
		})
	}

	if report, err := store.VerifyChain(ctx, p.ID); err != nil || !report.Valid {
		t.Fatalf("restored chain: %+v, %v", report, err)
	}
}

func TestVerifyChain_PublishesViolation(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicIntegrityViolation)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(t.TempDir()+"/governance.db", b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	p := mustPersona(t, store, "p", "")
	e := recordChain(t, store, p.ID, 1)[0]
	if _, err := store.DB().Exec(`UPDATE persona_merge_audit SET history_access_granted = '["intruder"]' WHERE id = ?;`, e.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := store.VerifyChain(ctx, p.ID); err == nil {
		t.Fatal("expected verification failure")
	}
	ev := <-sub.Ch()
	payload, ok := ev.Payload.(bus.IntegrityViolationEvent)
	if !ok || payload.EntryID != e.ID || payload.PrimaryPersonaID != p.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
}
