package checkpoint

import (
	"testing"
	"time"

	"litecore/internal/docstore"
	"litecore/internal/liteerr"
	"litecore/internal/storage"

	"github.com/google/uuid"
)

func testParams(remote string) Params {
	return Params{
		LocalPrivate: uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		RemoteURL:    remote,
	}
}

func TestCandidateIDVariants(t *testing.T) {
	p := testParams("wss://example.com/db")
	ids := CandidateIDs(p)
	if len(ids) != 2 {
		t.Fatalf("candidates = %d, want 2 (as-is and port-present)", len(ids))
	}
	if ids[0] != DeriveID(p) {
		t.Fatalf("candidates[0] must be the canonical ID")
	}
	for i, id := range ids {
		if len(id) < 4 || id[:3] != "cp-" {
			t.Fatalf("candidate %d = %q, want cp- prefix", i, id)
		}
	}

	// A URL that already carries the default port collapses variants the
	// other way: as-is == port-present, so only port-absent is extra.
	withPort := testParams("wss://example.com:443/db")
	if got := len(CandidateIDs(withPort)); got != 2 {
		t.Fatalf("candidates with explicit default port = %d, want 2", got)
	}
	// Port-absent form of the explicit-port URL equals the as-is form of
	// the portless URL, which is how a checkpoint written by a platform
	// that stripped ports is still found.
	if CandidateIDs(withPort)[1] != DeriveID(p) {
		t.Fatalf("port-absent variant should match the portless canonical ID")
	}
}

func TestPendingSetAdvancesBase(t *testing.T) {
	ps := NewPendingSet(0)
	for _, seq := range []uint64{1, 2, 3, 4} {
		ps.AddPendingSequence(seq)
	}
	ps.CompletedSequence(2)
	ps.CompletedSequence(4)
	if ps.LocalMinSequence() != 0 {
		t.Fatalf("base advanced past a gap: localMin = %d", ps.LocalMinSequence())
	}
	if !ps.IsSequenceCompleted(2) || ps.IsSequenceCompleted(3) {
		t.Fatalf("out-of-order completion tracking wrong")
	}
	ps.CompletedSequence(1)
	if ps.LocalMinSequence() != 2 {
		t.Fatalf("localMin = %d, want 2 after 1,2 complete", ps.LocalMinSequence())
	}
	ps.CompletedSequence(3)
	if ps.LocalMinSequence() != 4 {
		t.Fatalf("localMin = %d, want 4 after all complete", ps.LocalMinSequence())
	}
	if ps.PendingSequenceCount() != 0 {
		t.Fatalf("pending count = %d, want 0", ps.PendingSequenceCount())
	}
}

func TestSaveAndResume(t *testing.T) {
	eng, err := storage.OpenMemEngine("")
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	p := testParams("wss://peer.example/db")

	c, err := Open(eng, p, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c.AddPendingSequence(1)
	c.AddPendingSequence(2)
	c.CompletedSequence(1)
	c.CompletedSequence(2)
	c.SetRemoteMinSequence("47")
	if err := c.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Re-open: same params must resolve the same docID and state.
	c2, err := Open(eng, p, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if c2.DocID() != c.DocID() {
		t.Fatalf("docID changed across reopen: %q vs %q", c2.DocID(), c.DocID())
	}
	st := c2.Snapshot()
	if st.Local != 2 || st.Remote != "47" {
		t.Fatalf("resumed state = %+v, want local=2 remote=47", st)
	}

	// Saving again with no changes must be a no-op.
	if err := c2.Save(); err != nil {
		t.Fatalf("idempotent save: %v", err)
	}
}

func TestValidateWithResets(t *testing.T) {
	eng, _ := storage.OpenMemEngine("")
	c, err := Open(eng, testParams("ws://h/db"), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c.AddPendingSequence(1)
	c.CompletedSequence(1)
	c.SetRemoteMinSequence("9")

	if !c.ValidateWith(State{Local: 1, Remote: "9"}) {
		t.Fatalf("matching checkpoint must validate")
	}
	if c.ValidateWith(State{Local: 5, Remote: "9"}) {
		t.Fatalf("local mismatch must invalidate")
	}
	if c.LocalMinSequence() != 0 {
		t.Fatalf("local cursor not reset: %d", c.LocalMinSequence())
	}
	if c.ValidateWith(State{Local: 0, Remote: "other"}) {
		t.Fatalf("remote mismatch must invalidate")
	}
	if c.RemoteMinSequence() != "" {
		t.Fatalf("pull cursor not cleared: %q", c.RemoteMinSequence())
	}
}

func TestAutosaveDebounce(t *testing.T) {
	saved := make(chan struct{}, 4)
	a := newAutosaver(time.Hour, func() []byte {
		saved <- struct{}{}
		return nil
	})
	var fire func()
	a.afterFunc = func(d time.Duration, f func()) *time.Timer {
		fire = f
		return time.NewTimer(time.Hour)
	}

	a.noteChange()
	a.noteChange() // second change while armed must not re-arm
	if fire == nil {
		t.Fatalf("timer never armed")
	}
	fire()
	if len(saved) != 1 {
		t.Fatalf("saves = %d, want 1", len(saved))
	}

	// A change arriving mid-save marks overdue and triggers a second save
	// from saveCompleted. No timer is armed while a save runs.
	first := fire
	fire = nil
	a.mu.Lock()
	a.saving = true
	a.mu.Unlock()
	a.noteChange()
	a.saveCompleted(nil)
	if fire == nil {
		t.Fatalf("overdue change did not re-arm")
	}
	_ = first
}

func TestPendingDocumentIDs(t *testing.T) {
	eng, _ := storage.OpenMemEngine("")
	coll := docstore.Open(eng, "_default", "_default")
	for _, id := range []string{"d1", "d2", "d3"} {
		if _, err := coll.Put(docstore.PutRequest{DocID: id, Body: []byte(`{}`)}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	c, err := Open(eng, testParams("ws://h/db"), []*docstore.Collection{coll}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var got []string
	if err := c.PendingDocumentIDs(coll, func(docID string, seq uint64) {
		got = append(got, docID)
		c.AddPendingSequence(seq)
	}); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("pending docs = %v, want 3", got)
	}

	// Complete everything: pending enumeration must be empty afterwards.
	for seq := uint64(1); seq <= 3; seq++ {
		c.CompletedSequence(seq)
	}
	got = nil
	if err := c.PendingDocumentIDs(coll, func(docID string, seq uint64) {
		got = append(got, docID)
	}); err != nil {
		t.Fatalf("pending after completion: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("pending after push = %v, want empty", got)
	}
	if pending, _ := c.IsDocumentPending(coll, "d1"); pending {
		t.Fatalf("d1 still pending after completion")
	}

	other := docstore.Open(eng, "_default", "other")
	if err := c.PendingDocumentIDs(other, func(string, uint64) {}); !liteerr.Is(err, liteerr.NotOpen) {
		t.Fatalf("unconfigured collection: err = %v, want NotOpen", err)
	}
}

func TestPeerStoreOptimisticConcurrency(t *testing.T) {
	eng, _ := storage.OpenMemEngine("")
	s := NewPeerStore(eng)

	rev1, err := s.Set("client-1", "", []byte(`{"local":3}`))
	if err != nil {
		t.Fatalf("first set: %v", err)
	}
	if rev1 != "1-cc" {
		t.Fatalf("rev = %q, want 1-cc", rev1)
	}

	if _, err := s.Set("client-1", "stale", []byte(`{}`)); !liteerr.Is(err, liteerr.Conflict) {
		t.Fatalf("mismatched token: err = %v, want Conflict", err)
	}

	body, rev, err := s.Get("client-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rev != rev1 || string(body) != `{"local":3}` {
		t.Fatalf("stored record clobbered by failed set: %q %q", rev, body)
	}

	rev2, err := s.Set("client-1", rev1, []byte(`{"local":5}`))
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if rev2 != "2-cc" {
		t.Fatalf("rev = %q, want 2-cc", rev2)
	}
}
