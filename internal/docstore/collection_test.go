package docstore

import (
	"testing"

	"litecore/internal/peer"
	"litecore/internal/revid"
	"litecore/internal/storage"
)

func mustParse(t *testing.T, s string) revid.ID {
	t.Helper()
	id, err := revid.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return id
}

func newTestCollection(t *testing.T) *Collection {
	t.Helper()
	eng, err := storage.OpenMemEngine("")
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	return Open(eng, "_default", "_default")
}

// TestLinearHistory builds a linear two-revision history and checks every
// surfaced attribute of the resulting document.
func TestLinearHistory(t *testing.T) {
	c := newTestCollection(t)

	if _, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":1}`),
		ExistingRevision: true,
		History:          []revid.ID{mustParse(t, "1-abc")},
	}); err != nil {
		t.Fatalf("put rev 1: %v", err)
	}

	if _, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":2}`),
		ExistingRevision: true,
		History:          []revid.ID{mustParse(t, "2-def"), mustParse(t, "1-abc")},
	}); err != nil {
		t.Fatalf("put rev 2: %v", err)
	}

	doc, err := c.Get("a", AllRevsAndBodies)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.CurrentRevID.String() != "2-def" {
		t.Fatalf("current rev = %q, want 2-def", doc.CurrentRevID.String())
	}
	if doc.Generation() != 2 {
		t.Fatalf("generation = %d, want 2", doc.Generation())
	}
	if doc.Flags.Has(FlagDeleted) {
		t.Fatalf("expected non-deleted")
	}
	if got := len(doc.Tree.Leaves()); got != 1 {
		t.Fatalf("leaves = %d, want 1", got)
	}
	if hist := doc.HistoryString(0, nil); hist != "2-def,1-abc" {
		t.Fatalf("history = %q, want %q", hist, "2-def,1-abc")
	}
}

// TestConflictingBranches: two revisions grafted
// onto the same parent with allowConflict, resolved by the winner rule.
func TestConflictingBranches(t *testing.T) {
	c := newTestCollection(t)

	if _, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":1}`),
		ExistingRevision: true,
		History:          []revid.ID{mustParse(t, "1-abc")},
	}); err != nil {
		t.Fatalf("put rev 1: %v", err)
	}

	if _, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":2}`),
		ExistingRevision: true,
		History:          []revid.ID{mustParse(t, "2-aa"), mustParse(t, "1-abc")},
	}); err != nil {
		t.Fatalf("put 2-aa: %v", err)
	}

	if _, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":3}`),
		ExistingRevision: true,
		AllowConflict:    true,
		History:          []revid.ID{mustParse(t, "2-bb"), mustParse(t, "1-abc")},
		SourcePeer:       peer.ID(7),
	}); err != nil {
		t.Fatalf("put 2-bb: %v", err)
	}

	doc, err := c.Get("a", MetadataOnly)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !doc.Flags.Has(FlagConflicted) {
		t.Fatalf("expected Conflicted flag")
	}
	if got := len(doc.Tree.Leaves()); got != 2 {
		t.Fatalf("leaves = %d, want 2", got)
	}
	// "bb" > "aa" bytewise, so 2-bb must win.
	if doc.CurrentRevID.String() != "2-bb" {
		t.Fatalf("current rev = %q, want 2-bb", doc.CurrentRevID.String())
	}
}

// TestPutRejectsConflictWithoutAllowConflict ensures a second edit to an
// already-current revision without allowConflict is rejected.
func TestPutRejectsConflictWithoutAllowConflict(t *testing.T) {
	c := newTestCollection(t)

	if _, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":1}`),
		ExistingRevision: true,
		History:          []revid.ID{mustParse(t, "1-abc")},
	}); err != nil {
		t.Fatalf("put rev 1: %v", err)
	}
	if _, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":2}`),
		ExistingRevision: true,
		History:          []revid.ID{mustParse(t, "2-aa"), mustParse(t, "1-abc")},
	}); err != nil {
		t.Fatalf("put 2-aa: %v", err)
	}

	_, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":3}`),
		ExistingRevision: true,
		History:          []revid.ID{mustParse(t, "2-bb"), mustParse(t, "1-abc")},
	})
	if err == nil {
		t.Fatalf("expected conflict error")
	}
}

// TestNewLocalRevision covers the non-ExistingRevision path, where Put mints
// a fresh tree-form revision ID from the current leaf's generation.
func TestNewLocalRevision(t *testing.T) {
	c := newTestCollection(t)

	res1, err := c.Put(PutRequest{DocID: "b", Body: []byte(`{"n":1}`)})
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if gen, ok := res1.RevID.Generation(); !ok || gen != 1 {
		t.Fatalf("generation = %d,%v want 1,true", gen, ok)
	}

	res2, err := c.Put(PutRequest{DocID: "b", Body: []byte(`{"n":2}`)})
	if err != nil {
		t.Fatalf("put 2: %v", err)
	}
	if gen, _ := res2.RevID.Generation(); gen != 2 {
		t.Fatalf("generation = %d, want 2", gen)
	}
	if res2.Sequence <= res1.Sequence {
		t.Fatalf("sequence did not advance: %d -> %d", res1.Sequence, res2.Sequence)
	}
}

// TestPurgeRemovesDocument covers the purge path and its sequence-tracker
// notification.
func TestPurgeRemovesDocument(t *testing.T) {
	c := newTestCollection(t)
	if _, err := c.Put(PutRequest{DocID: "a", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Purge("a"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := c.Get("a", MetadataOnly); err == nil {
		t.Fatalf("expected NotFound after purge")
	}
}

// TestFindDocAncestors exercises the per-revision relation bitmask against
// a document whose remote peer already holds a non-leaf ancestor revision.
func TestFindDocAncestors(t *testing.T) {
	c := newTestCollection(t)
	remote := peer.ID(42)

	if _, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":1}`), ExistingRevision: true,
		History: []revid.ID{mustParse(t, "1-abc")},
	}); err != nil {
		t.Fatalf("put rev 1: %v", err)
	}
	if _, err := c.Put(PutRequest{
		DocID: "a", Body: []byte(`{"n":2}`), ExistingRevision: true,
		History: []revid.ID{mustParse(t, "2-def"), mustParse(t, "1-abc")},
	}); err != nil {
		t.Fatalf("put rev 2: %v", err)
	}
	// The remote is known to hold only the non-leaf ancestor 1-abc.
	if err := c.MarkDocumentSynced("a", remote, mustParse(t, "1-abc")); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	lookups, err := c.FindDocAncestors(remote,
		[]string{"a", "a", "a", "missing"},
		[]revid.ID{mustParse(t, "2-def"), mustParse(t, "1-abc"), mustParse(t, "3-f00"), mustParse(t, "1-aa")},
		0, false)
	if err != nil {
		t.Fatalf("find ancestors: %v", err)
	}
	if len(lookups) != 4 {
		t.Fatalf("lookups = %d, want 4", len(lookups))
	}

	// Offered rev == local current: same, body held, but NOT at the remote.
	cur := lookups[0]
	if !cur.Flags.Has(AncestorSame) || !cur.Flags.Has(AncestorHaveLocalBody) {
		t.Fatalf("current-rev flags = %b, want same|haveLocalBody", cur.Flags)
	}
	if cur.Flags.Has(AncestorRevExistsAtRemote) {
		t.Fatalf("2-def must not be reported as existing at the remote")
	}
	if len(cur.Ancestors) != 1 || cur.Ancestors[0] != "1-abc" {
		t.Fatalf("ancestors = %v, want [1-abc]", cur.Ancestors)
	}

	// Offered rev is the superseded ancestor the remote holds: the partial
	// bitmask case — newer locally, present at the remote, body retained.
	anc := lookups[1]
	for _, want := range []AncestorFlags{AncestorLocalIsNewer, AncestorRevExistsAtRemote, AncestorHaveLocalBody} {
		if !anc.Flags.Has(want) {
			t.Fatalf("ancestor flags = %b, missing %b", anc.Flags, want)
		}
	}
	if anc.Flags.Has(AncestorSame) || anc.Flags.Has(AncestorLocalIsOlder) {
		t.Fatalf("ancestor flags = %b, has spurious same/older bits", anc.Flags)
	}

	// Unknown higher-generation rev: local copy is older, nothing held.
	ahead := lookups[2]
	if !ahead.Flags.Has(AncestorLocalIsOlder) {
		t.Fatalf("unknown-newer flags = %b, want localIsOlder", ahead.Flags)
	}
	if ahead.Flags.Has(AncestorHaveLocalBody) || ahead.Flags.Has(AncestorRevExistsAtRemote) {
		t.Fatalf("unknown-newer flags = %b, has spurious bits", ahead.Flags)
	}

	// Unknown document: zero value.
	if lookups[3].Flags != 0 || lookups[3].Ancestors != nil {
		t.Fatalf("missing doc lookup = %+v, want zero", lookups[3])
	}
}

// TestFindDocAncestorsMustHaveBodies: a bodyless grafted ancestor is
// excluded from the reported ancestor list when bodies are required, and
// never reports haveLocalBody.
func TestFindDocAncestorsMustHaveBodies(t *testing.T) {
	c := newTestCollection(t)
	remote := peer.ID(7)

	// Grafting the full chain in one put leaves 1-ff without a body.
	if _, err := c.Put(PutRequest{
		DocID: "b", Body: []byte(`{"n":2}`), ExistingRevision: true,
		History: []revid.ID{mustParse(t, "2-ee"), mustParse(t, "1-ff")},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.MarkDocumentSynced("b", remote, mustParse(t, "1-ff")); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	lookups, err := c.FindDocAncestors(remote,
		[]string{"b"}, []revid.ID{mustParse(t, "1-ff")}, 0, true)
	if err != nil {
		t.Fatalf("find ancestors: %v", err)
	}
	lk := lookups[0]
	if !lk.Flags.Has(AncestorLocalIsNewer) || !lk.Flags.Has(AncestorRevExistsAtRemote) {
		t.Fatalf("flags = %b, want localIsNewer|revExistsAtRemote", lk.Flags)
	}
	if lk.Flags.Has(AncestorHaveLocalBody) {
		t.Fatalf("bodyless revision reported haveLocalBody")
	}
	if len(lk.Ancestors) != 0 {
		t.Fatalf("ancestors = %v, want none with mustHaveBodies", lk.Ancestors)
	}
}
