package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/bus"
	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
)

func TestCreatePersona_WritesDefaults(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	root := mustPersona(t, store, "root", "")
	child, err := store.CreatePersona(ctx, persistence.PersonaInput{
		Name:        "researcher",
		Description: "reads papers",
		Metadata:    map[string]any{"team": "science"},
		ParentID:    root.ID,
		Reason:      "spawned for literature review",
		Capability:  &persistence.CapabilityInput{Tools: []string{"search"}, IsPublic: true},
		Grants:      []persistence.GrantInput{{RoleName: "member", Permissions: []string{"persona:read"}}},
	})
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	if len(child.ID) != 32 {
		t.Fatalf("unexpected id %q", child.ID)
	}

	edges, err := store.ListLineage(ctx, child.ID)
	if err != nil {
		t.Fatalf("list lineage: %v", err)
	}
	if len(edges) != 1 || edges[0].ParentPersonaID == nil || *edges[0].ParentPersonaID != root.ID || edges[0].MergeType != persistence.MergeTypeCreate {
		t.Fatalf("unexpected lineage: %+v", edges)
	}
	rootEdges, _ := store.ListLineage(ctx, root.ID)
	if len(rootEdges) != 1 || rootEdges[0].ParentPersonaID != nil {
		t.Fatalf("expected a single parentless edge for root, got %+v", rootEdges)
	}

	capability, err := store.GetCapability(ctx, child.ID)
	if err != nil {
		t.Fatalf("get capability: %v", err)
	}
	if !capability.IsPublic || !capability.Tools.Has("search") {
		t.Fatalf("unexpected capability %+v", capability)
	}
	rootCap, err := store.GetCapability(ctx, root.ID)
	if err != nil || rootCap.IsPublic || len(rootCap.Tools) != 0 {
		t.Fatalf("expected empty private default capability, got %+v, %v", rootCap, err)
	}

	ok, err := store.Check(ctx, child.ID, "persona:read")
	if err != nil || !ok {
		t.Fatalf("expected default grant effective, got %v, %v", ok, err)
	}

	got, err := store.GetPersona(ctx, child.ID)
	if err != nil {
		t.Fatalf("get persona: %v", err)
	}
	if got.Metadata["team"] != "science" || got.Description != "reads papers" {
		t.Fatalf("unexpected persona %+v", got)
	}
}

func TestCreatePersona_Validation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePersona(ctx, persistence.PersonaInput{Name: "  "}); !errors.Is(err, persistence.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}
	if _, err := store.CreatePersona(ctx, persistence.PersonaInput{Name: "orphan", ParentID: "missing"}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown parent, got %v", err)
	}
	if n, _ := store.CountPersonas(ctx); n != 0 {
		t.Fatalf("failed creates must not leave rows, got %d", n)
	}
}

func TestCreatePersona_PublishesEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("persona.")
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(t.TempDir()+"/governance.db", b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	p, err := store.CreatePersona(context.Background(), persistence.PersonaInput{Name: "root"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := <-sub.Ch()
	payload, ok := ev.Payload.(bus.PersonaEvent)
	if ev.Topic != bus.TopicPersonaCreated || !ok || payload.PersonaID != p.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestListAndUpdatePersona(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a := mustPersona(t, store, "a", "")
	b := mustPersona(t, store, "b", "")
	list, err := store.ListPersonas(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("expected creation order, got %+v", list)
	}
	if limited, _ := store.ListPersonas(ctx, 1); len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	name := "alpha"
	updated, err := store.UpdatePersona(ctx, a.ID, persistence.PersonaUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "alpha" || !updated.UpdatedAt.After(a.UpdatedAt) {
		t.Fatalf("unexpected update result %+v", updated)
	}
	empty := ""
	if _, err := store.UpdatePersona(ctx, a.ID, persistence.PersonaUpdate{Name: &empty}); !errors.Is(err, persistence.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := store.UpdatePersona(ctx, "missing", persistence.PersonaUpdate{}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeletePersona_Cascades(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	root := mustPersona(t, store, "root", "")
	child := mustPersona(t, store, "child", root.ID)
	other := mustPersona(t, store, "other", "")

	if _, err := store.Grant(ctx, persistence.GrantInput{PersonaID: child.ID, RoleName: "writer", Permissions: []string{"doc:write"}, GrantedBy: root.ID}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := store.CreateDelegation(ctx, persistence.DelegationInput{DelegatorID: root.ID, DelegateeID: child.ID, TaskDescription: "x", Priority: 3}); err != nil {
		t.Fatalf("delegation: %v", err)
	}
	if _, err := store.RecordMerge(ctx, persistence.MergeRecordInput{PrimaryID: other.ID, SecondaryIDs: []string{child.ID}}); err != nil {
		t.Fatalf("record merge: %v", err)
	}

	if err := store.DeletePersona(ctx, root.ID); err != nil {
		t.Fatalf("delete root: %v", err)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM persona_delegations;`); n != 0 {
		t.Fatalf("delegations not cascaded: %d", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM persona_roles WHERE granted_by IS NOT NULL;`); n != 0 {
		t.Fatalf("granted_by not nulled: %d", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM persona_lineage WHERE child_persona_id = ? AND parent_persona_id IS NULL;`, child.ID); n != 1 {
		t.Fatalf("expected child edge parent nulled, got %d", n)
	}

	if err := store.DeletePersona(ctx, child.ID); err != nil {
		t.Fatalf("delete child: %v", err)
	}
	for _, ref := range []struct{ table, column string }{
		{"persona_capabilities", "persona_id"},
		{"persona_roles", "persona_id"},
	} {
		q := `SELECT COUNT(*) FROM ` + ref.table + ` WHERE ` + ref.column + ` = ?;`
		if n := countRows(t, db, q, child.ID); n != 0 {
			t.Fatalf("%s rows remain for deleted persona: %d", ref.table, n)
		}
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM persona_lineage WHERE child_persona_id = ?;`, child.ID); n != 0 {
		t.Fatalf("lineage not cascaded: %d", n)
	}

	if err := store.DeletePersona(ctx, child.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeletePersona_KeepsMergeAuditChain(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	primary := mustPersona(t, store, "primary", "")
	if _, err := store.RecordMerge(ctx, persistence.MergeRecordInput{PrimaryID: primary.ID, SecondaryIDs: []string{"retired"}}); err != nil {
		t.Fatalf("record merge: %v", err)
	}

	if err := store.DeletePersona(ctx, primary.ID); !errors.Is(err, persistence.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := store.GetPersona(ctx, primary.ID); err != nil {
		t.Fatalf("persona removed: %v", err)
	}
	if report, err := store.VerifyChain(ctx, primary.ID); err != nil || !report.Valid || report.Entries != 1 {
		t.Fatalf("verify: %+v, %v", report, err)
	}

	if _, err := store.DB().Exec(`DELETE FROM personas WHERE id = ?;`, primary.ID); err == nil {
		t.Fatal("foreign key must refuse deleting a merge primary")
	}
}
