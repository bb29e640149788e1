package graph_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/IsakPar/arqivo-sub000/internal/graph"
	"github.com/IsakPar/arqivo-sub000/internal/store"
)

var testTenant = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func newEngine() *graph.Engine {
	return graph.NewEngine(store.NewMemoryStore())
}

func cipher(name string) graph.Cipher {
	return graph.Cipher{Data: []byte(name), Nonce: []byte("nonce-" + name)}
}

func slug(seed string) string {
	padded := seed + strings.Repeat("x", graph.SlugTokenLength)
	return padded[:graph.SlugTokenLength]
}

func mustCreate(t *testing.T, e *graph.Engine, name string) uuid.UUID {
	t.Helper()
	id, err := e.CreateLabel(context.Background(), testTenant, cipher(name), slug(name))
	if err != nil {
		t.Fatalf("create label %s: %v", name, err)
	}
	return id
}

func mustAddEdge(t *testing.T, e *graph.Engine, parent, child uuid.UUID) {
	t.Helper()
	if err := e.AddEdge(context.Background(), testTenant, parent, child); err != nil {
		t.Fatalf("add edge: %v", err)
	}
}

func ancestorIDs(t *testing.T, e *graph.Engine, id uuid.UUID) []uuid.UUID {
	t.Helper()
	ids, err := e.Ancestors(context.Background(), testTenant, id)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	return ids
}

func containsID(ids []uuid.UUID, want uuid.UUID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func TestCreateLabelValidation(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	if _, err := e.CreateLabel(ctx, testTenant, graph.Cipher{}, slug("a")); !errors.Is(err, graph.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty cipher, got %v", err)
	}
	if _, err := e.CreateLabel(ctx, testTenant, cipher("a"), "short"); !errors.Is(err, graph.ErrInvalidInput) {
		t.Fatalf("expected invalid input for short slug, got %v", err)
	}
}

func TestCreateLabelDuplicateRootSlug(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	mustCreate(t, e, "inbox")
	if _, err := e.CreateLabel(ctx, testTenant, cipher("other"), slug("inbox")); !errors.Is(err, graph.ErrDuplicateSlug) {
		t.Fatalf("expected duplicate slug at root, got %v", err)
	}
}

func TestAddEdgeBuildsClosure(t *testing.T) {
	e := newEngine()

	a := mustCreate(t, e, "a")
	b := mustCreate(t, e, "b")
	c := mustCreate(t, e, "c")
	mustAddEdge(t, e, a, b)
	mustAddEdge(t, e, b, c)

	got := ancestorIDs(t, e, c)
	if len(got) != 2 || got[0] != b || got[1] != a {
		t.Fatalf("expected ancestors [b a] nearest-first, got %v", got)
	}
}

func TestAddEdgeIdempotent(t *testing.T) {
	e := newEngine()

	a := mustCreate(t, e, "a")
	b := mustCreate(t, e, "b")
	mustAddEdge(t, e, a, b)
	mustAddEdge(t, e, a, b)

	parents, err := e.Parents(context.Background(), testTenant, b)
	if err != nil {
		t.Fatalf("parents: %v", err)
	}
	if len(parents) != 1 || parents[0] != a {
		t.Fatalf("expected single parent, got %v", parents)
	}
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	a := mustCreate(t, e, "a")
	b := mustCreate(t, e, "b")
	c := mustCreate(t, e, "c")
	mustAddEdge(t, e, a, b)
	mustAddEdge(t, e, b, c)

	if err := e.AddEdge(ctx, testTenant, c, a); !errors.Is(err, graph.ErrCycle) {
		t.Fatalf("expected cycle for back edge, got %v", err)
	}
	if err := e.AddEdge(ctx, testTenant, a, a); !errors.Is(err, graph.ErrCycle) {
		t.Fatalf("expected cycle for self edge, got %v", err)
	}

	// Rejected edge leaves the graph untouched.
	if containsID(ancestorIDs(t, e, a), c) {
		t.Fatal("rejected edge leaked into the closure")
	}
	parents, err := e.Parents(ctx, testTenant, a)
	if err != nil {
		t.Fatalf("parents: %v", err)
	}
	if len(parents) != 0 {
		t.Fatalf("rejected edge leaked into the edge set: %v", parents)
	}
}

func TestAddEdgeUnknownLabel(t *testing.T) {
	e := newEngine()

	a := mustCreate(t, e, "a")
	if err := e.AddEdge(context.Background(), testTenant, a, uuid.New()); !errors.Is(err, graph.ErrNotFound) {
		t.Fatalf("expected not found for unknown child, got %v", err)
	}
}

func TestAddEdgeDuplicateSiblingSlug(t *testing.T) {
	e := newEngine()

	parent := mustCreate(t, e, "parent")
	first := mustCreate(t, e, "dup1")
	mustAddEdge(t, e, parent, first)

	// Same slug under a different root is fine until it shares the parent.
	second, err := e.CreateLabel(context.Background(), testTenant, cipher("dup2"), slug("sib"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.RenameLabel(context.Background(), testTenant, first, nil, ptr(slug("sib"))); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := e.AddEdge(context.Background(), testTenant, parent, second); !errors.Is(err, graph.ErrDuplicateSlug) {
		t.Fatalf("expected duplicate sibling slug, got %v", err)
	}
}

func TestDiamondClosureDepth(t *testing.T) {
	e := newEngine()

	top := mustCreate(t, e, "top")
	left := mustCreate(t, e, "left")
	right := mustCreate(t, e, "right")
	bottom := mustCreate(t, e, "bottom")
	mustAddEdge(t, e, top, left)
	mustAddEdge(t, e, top, right)
	mustAddEdge(t, e, left, bottom)
	mustAddEdge(t, e, right, bottom)

	got := ancestorIDs(t, e, bottom)
	if len(got) != 3 {
		t.Fatalf("expected 3 ancestors, got %v", got)
	}
	// Depth-ascending: both direct parents precede the grandparent.
	if got[2] != top {
		t.Fatalf("expected top last, got %v", got)
	}
}

func TestRemoveEdgeKeepsAlternatePath(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	top := mustCreate(t, e, "top")
	left := mustCreate(t, e, "left")
	right := mustCreate(t, e, "right")
	bottom := mustCreate(t, e, "bottom")
	mustAddEdge(t, e, top, left)
	mustAddEdge(t, e, top, right)
	mustAddEdge(t, e, left, bottom)
	mustAddEdge(t, e, right, bottom)

	if err := e.RemoveEdge(ctx, testTenant, left, bottom); err != nil {
		t.Fatalf("remove edge: %v", err)
	}

	got := ancestorIDs(t, e, bottom)
	if !containsID(got, top) {
		t.Fatal("top must stay an ancestor via the surviving path")
	}
	if containsID(got, left) {
		t.Fatal("left must no longer be an ancestor")
	}
	if !containsID(got, right) {
		t.Fatal("right must stay an ancestor")
	}
}

func TestRemoveEdgeSeversSubtree(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	a := mustCreate(t, e, "a")
	b := mustCreate(t, e, "b")
	c := mustCreate(t, e, "c")
	mustAddEdge(t, e, a, b)
	mustAddEdge(t, e, b, c)

	if err := e.RemoveEdge(ctx, testTenant, a, b); err != nil {
		t.Fatalf("remove edge: %v", err)
	}

	if containsID(ancestorIDs(t, e, c), a) {
		t.Fatal("a must not remain an ancestor of c after the cut")
	}
	if !containsID(ancestorIDs(t, e, c), b) {
		t.Fatal("b must remain an ancestor of c")
	}

	// b is a root again.
	roots, err := e.Children(ctx, testTenant, graph.Root, graph.Root, 100)
	if err != nil {
		t.Fatalf("roots: %v", err)
	}
	var rootIDs []uuid.UUID
	for _, label := range roots {
		rootIDs = append(rootIDs, label.ID)
	}
	if !containsID(rootIDs, b) {
		t.Fatal("b must be listed as a root after losing its parent")
	}
}

func TestRemoveAbsentEdgeIsNoop(t *testing.T) {
	e := newEngine()

	a := mustCreate(t, e, "a")
	b := mustCreate(t, e, "b")
	if err := e.RemoveEdge(context.Background(), testTenant, a, b); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestMoveAtomic(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	p1 := mustCreate(t, e, "p1")
	p2 := mustCreate(t, e, "p2")
	target := mustCreate(t, e, "target")
	child := mustCreate(t, e, "child")
	mustAddEdge(t, e, p1, child)
	mustAddEdge(t, e, p2, child)

	if err := e.Move(ctx, testTenant, child, []uuid.UUID{p1, p2, p1}, target); err != nil {
		t.Fatalf("move: %v", err)
	}

	parents, err := e.Parents(ctx, testTenant, child)
	if err != nil {
		t.Fatalf("parents: %v", err)
	}
	if len(parents) != 1 || parents[0] != target {
		t.Fatalf("expected single parent target, got %v", parents)
	}
}

func TestMoveIntoOwnSubtreeRollsBack(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	parent := mustCreate(t, e, "parent")
	child := mustCreate(t, e, "child")
	grandchild := mustCreate(t, e, "grandchild")
	mustAddEdge(t, e, parent, child)
	mustAddEdge(t, e, child, grandchild)

	err := e.Move(ctx, testTenant, child, []uuid.UUID{parent}, grandchild)
	if !errors.Is(err, graph.ErrCycle) {
		t.Fatalf("expected cycle, got %v", err)
	}

	// Old parentage survives the rollback.
	parents, err := e.Parents(ctx, testTenant, child)
	if err != nil {
		t.Fatalf("parents: %v", err)
	}
	if len(parents) != 1 || parents[0] != parent {
		t.Fatalf("expected move rolled back, got parents %v", parents)
	}
	if !containsID(ancestorIDs(t, e, grandchild), parent) {
		t.Fatal("closure must be restored after rollback")
	}
}

func TestDeleteLabelRequiresEmptyWithoutCascade(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	parent := mustCreate(t, e, "parent")
	child := mustCreate(t, e, "child")
	mustAddEdge(t, e, parent, child)

	if err := e.DeleteLabel(ctx, testTenant, parent, false); !errors.Is(err, graph.ErrConflict) {
		t.Fatalf("expected conflict for non-empty label, got %v", err)
	}

	leaf := mustCreate(t, e, "leaf")
	fileID := uuid.New()
	if err := e.Attach(ctx, testTenant, fileID, leaf); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := e.DeleteLabel(ctx, testTenant, leaf, false); !errors.Is(err, graph.ErrConflict) {
		t.Fatalf("expected conflict for attached label, got %v", err)
	}
}

func TestDeleteLabelCascade(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	top := mustCreate(t, e, "top")
	mid := mustCreate(t, e, "mid")
	leaf := mustCreate(t, e, "leaf")
	outside := mustCreate(t, e, "outside")
	mustAddEdge(t, e, top, mid)
	mustAddEdge(t, e, mid, leaf)
	mustAddEdge(t, e, outside, leaf)

	fileID := uuid.New()
	if err := e.Attach(ctx, testTenant, fileID, leaf); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := e.DeleteLabel(ctx, testTenant, top, true); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}

	// Every descendant goes, multi-parented ones included.
	for _, id := range []uuid.UUID{top, mid, leaf} {
		if _, err := e.Parents(ctx, testTenant, id); err != nil {
			t.Fatalf("parents after delete: %v", err)
		}
		if err := e.RenameLabel(ctx, testTenant, id, nil, ptr(slug("zz"))); !errors.Is(err, graph.ErrNotFound) {
			t.Fatalf("label %s should be gone, got %v", id, err)
		}
	}

	// The surviving parent keeps no dangling edge or attachment.
	children, err := e.Children(ctx, testTenant, outside, graph.Root, 100)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected no children under outside, got %v", children)
	}
	labels, err := e.FileLabels(ctx, testTenant, fileID)
	if err != nil {
		t.Fatalf("file labels: %v", err)
	}
	if len(labels) != 0 {
		t.Fatalf("expected attachments removed, got %v", labels)
	}
}

func TestRenameLabel(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	id := mustCreate(t, e, "old")
	mustCreate(t, e, "sibling")

	if err := e.RenameLabel(ctx, testTenant, id, ptr2(cipher("new")), nil); err != nil {
		t.Fatalf("rename name: %v", err)
	}
	if err := e.RenameLabel(ctx, testTenant, id, nil, ptr(slug("sibling"))); !errors.Is(err, graph.ErrDuplicateSlug) {
		t.Fatalf("expected duplicate slug among roots, got %v", err)
	}
	if err := e.RenameLabel(ctx, testTenant, id, nil, nil); !errors.Is(err, graph.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty patch, got %v", err)
	}
	if err := e.RenameLabel(ctx, testTenant, uuid.New(), ptr2(cipher("x")), nil); !errors.Is(err, graph.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChildrenPagination(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	parent := mustCreate(t, e, "parent")
	const total = 7
	for i := 0; i < total; i++ {
		child := mustCreate(t, e, "child"+string(rune('a'+i)))
		mustAddEdge(t, e, parent, child)
	}

	var collected []uuid.UUID
	after := graph.Root
	for {
		page, err := e.Children(ctx, testTenant, parent, after, 3)
		if err != nil {
			t.Fatalf("children page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, label := range page {
			collected = append(collected, label.ID)
		}
		after = page[len(page)-1].ID
	}

	if len(collected) != total {
		t.Fatalf("expected %d children across pages, got %d", total, len(collected))
	}
	for i := 1; i < len(collected); i++ {
		if !graph.Less(collected[i-1], collected[i]) {
			t.Fatal("page ids must be strictly increasing")
		}
	}
}

func TestDescendantsQuery(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	top := mustCreate(t, e, "top")
	mid := mustCreate(t, e, "mid")
	leaf := mustCreate(t, e, "leaf")
	mustAddEdge(t, e, top, mid)
	mustAddEdge(t, e, mid, leaf)

	page, err := e.Descendants(ctx, testTenant, top, graph.Root, 100)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 descendants, got %v", page)
	}

	// Unknown ids read as empty, not as an error.
	page, err = e.Descendants(ctx, testTenant, uuid.New(), graph.Root, 100)
	if err != nil || len(page) != 0 {
		t.Fatalf("expected empty result for unknown id, got %v %v", page, err)
	}
}

func TestTenantIsolation(t *testing.T) {
	e := newEngine()
	ctx := context.Background()
	otherTenant := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	id := mustCreate(t, e, "mine")

	// Another tenant cannot see or touch the label.
	if err := e.RenameLabel(ctx, otherTenant, id, nil, ptr(slug("taken"))); !errors.Is(err, graph.ErrNotFound) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}
	ids, err := e.Ancestors(ctx, otherTenant, id)
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected empty ancestors across tenants, got %v %v", ids, err)
	}
	roots, err := e.Children(ctx, otherTenant, graph.Root, graph.Root, 100)
	if err != nil || len(roots) != 0 {
		t.Fatalf("expected no roots for foreign tenant, got %v %v", roots, err)
	}
}

func TestAttachDetach(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	label := mustCreate(t, e, "docs")
	fileID := uuid.New()

	if err := e.Attach(ctx, testTenant, fileID, label); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := e.Attach(ctx, testTenant, fileID, label); err != nil {
		t.Fatalf("attach twice: %v", err)
	}
	labels, err := e.FileLabels(ctx, testTenant, fileID)
	if err != nil {
		t.Fatalf("file labels: %v", err)
	}
	if len(labels) != 1 || labels[0] != label {
		t.Fatalf("expected one attachment, got %v", labels)
	}

	files, err := e.LabelFiles(ctx, testTenant, label, graph.Root, 100)
	if err != nil {
		t.Fatalf("label files: %v", err)
	}
	if len(files) != 1 || files[0] != fileID {
		t.Fatalf("expected one file, got %v", files)
	}

	if err := e.Detach(ctx, testTenant, fileID, label); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := e.Detach(ctx, testTenant, fileID, label); err != nil {
		t.Fatalf("detach absent pair should be a no-op, got %v", err)
	}
	labels, err = e.FileLabels(ctx, testTenant, fileID)
	if err != nil || len(labels) != 0 {
		t.Fatalf("expected no attachments, got %v %v", labels, err)
	}

	if err := e.Attach(ctx, testTenant, fileID, uuid.New()); !errors.Is(err, graph.ErrNotFound) {
		t.Fatalf("expected not found for unknown label, got %v", err)
	}
}

func ptr(s string) *string { return &s }

func ptr2(c graph.Cipher) *graph.Cipher { return &c }
