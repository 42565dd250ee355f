package seqtracker

import (
	"fmt"
	"testing"
)

func commitOne(t *testing.T, tr *Tracker, docID, rev string, seq uint64) {
	t.Helper()
	if err := tr.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tr.DocumentChanged(docID, rev, seq, 0, 0, false, true); err != nil {
		t.Fatalf("documentChanged: %v", err)
	}
	if err := tr.EndTransaction(true); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestBasicCommitAdvancesLastSequence(t *testing.T) {
	tr := New()
	commitOne(t, tr, "a", "1-aa", 1)
	commitOne(t, tr, "b", "1-bb", 2)
	if tr.LastSequence() != 2 {
		t.Fatalf("lastSequence = %d, want 2", tr.LastSequence())
	}
}

func TestAbortRevertsToPriorState(t *testing.T) {
	tr := New()
	commitOne(t, tr, "a", "1-aa", 1)

	if err := tr.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tr.DocumentChanged("a", "2-bb", 2, 0, 0, false, true); err != nil {
		t.Fatalf("documentChanged: %v", err)
	}
	if err := tr.EndTransaction(false); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if tr.LastSequence() != 1 {
		t.Fatalf("lastSequence after abort = %d, want 1", tr.LastSequence())
	}

	var notifiedRev string
	tr.AddDocObserver("a", func(c DocChange) { notifiedRev = c.RevID })
	// Touch "a" again post-abort; the observer should see the reverted state
	// as its base, i.e. the next change builds on rev 1-aa.
	commitOne(t, tr, "a", "2-cc", 2)
	if notifiedRev != "2-cc" {
		t.Fatalf("observer saw %q, want 2-cc", notifiedRev)
	}
}

func TestPlaceholderReadChangesSincePosition(t *testing.T) {
	tr := New()
	ph := tr.AddPlaceholderAfter(nil, 0)

	commitOne(t, tr, "a", "1-aa", 1)
	commitOne(t, tr, "b", "1-bb", 2)

	changes, external, err := tr.ReadChanges(ph, 10)
	if err != nil {
		t.Fatalf("readChanges: %v", err)
	}
	if external {
		t.Fatalf("expected non-external batch")
	}
	if len(changes) != 2 {
		t.Fatalf("len(changes) = %d, want 2", len(changes))
	}
	if changes[0].DocID != "a" || changes[1].DocID != "b" {
		t.Fatalf("unexpected order: %+v", changes)
	}

	commitOne(t, tr, "c", "1-cc", 3)
	more, _, err := tr.ReadChanges(ph, 10)
	if err != nil {
		t.Fatalf("readChanges 2: %v", err)
	}
	if len(more) != 1 || more[0].DocID != "c" {
		t.Fatalf("unexpected second batch: %+v", more)
	}
}

func TestNotifyFiresOnTrailingPlaceholder(t *testing.T) {
	tr := New()
	commitOne(t, tr, "seed", "1-aa", 1)

	fired := false
	ph := tr.AddPlaceholderAfter(func() { fired = true }, tr.LastSequence())
	defer tr.RemovePlaceholder(ph)

	commitOne(t, tr, "a", "1-bb", 2)
	if !fired {
		t.Fatalf("expected placeholder notify to fire")
	}
}

// TestAbortRestoresIdleEntry: an aborted transaction that touched a docID
// sitting on the idle list must put the idle entry back as it was, not
// destroy it — transaction atomicity applied to idle-list recycling.
func TestAbortRestoresIdleEntry(t *testing.T) {
	tr := New()
	var seen []DocChange
	tr.AddDocObserver("d", func(c DocChange) { seen = append(seen, c) })

	commitOne(t, tr, "d", "1-dd", 1)
	// Push "d" off the head of the change list so housekeeping parks it on
	// the idle list (it has a live per-document observer).
	for i := 0; i < kMinChangesToKeep+1; i++ {
		commitOne(t, tr, fmt.Sprintf("filler-%03d", i), "1-aa", uint64(i+2))
	}
	if _, ok := tr.idleByDocID["d"]; !ok {
		t.Fatalf("d never went idle")
	}

	next := tr.LastSequence() + 1
	if err := tr.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tr.DocumentChanged("d", "2-dd", next, 0, 0, false, true); err != nil {
		t.Fatalf("documentChanged: %v", err)
	}
	if _, ok := tr.byDocID["d"]; !ok {
		t.Fatalf("d not reactivated by the transaction")
	}
	if err := tr.EndTransaction(false); err != nil {
		t.Fatalf("abort: %v", err)
	}

	elem, ok := tr.idleByDocID["d"]
	if !ok {
		t.Fatalf("abort destroyed the idle entry")
	}
	nd := elem.Value.(*node)
	if !nd.idle || nd.change.RevID != "1-dd" {
		t.Fatalf("idle entry not restored: idle=%v rev=%q, want true/1-dd", nd.idle, nd.change.RevID)
	}
	if _, ok := tr.byDocID["d"]; ok {
		t.Fatalf("d still active after abort")
	}

	// The observer survives and the entry reactivates cleanly.
	commitOne(t, tr, "d", "2-ee", next)
	if last := seen[len(seen)-1]; last.RevID != "2-ee" || last.Sequence != next {
		t.Fatalf("observer after abort saw %+v, want 2-ee @ %d", last, next)
	}
}

// TestReadChangesMergesSameDocument: a document written twice in one
// transaction yields a single entry carrying its final sequence (final
// write wins), alongside the other document's entry.
func TestReadChangesMergesSameDocument(t *testing.T) {
	tr := New()
	for seq := uint64(1); seq <= 5; seq++ {
		commitOne(t, tr, "seed", "1-aa", seq)
	}
	ph := tr.AddPlaceholderAfter(nil, 5)

	if err := tr.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	tr.DocumentChanged("X", "1-x1", 6, 0, 0, false, true)
	tr.DocumentChanged("Y", "1-y1", 7, 0, 0, false, true)
	tr.DocumentChanged("X", "2-x2", 8, 0, 0, false, true)
	if err := tr.EndTransaction(true); err != nil {
		t.Fatalf("end: %v", err)
	}

	changes, _, err := tr.ReadChanges(ph, 4)
	if err != nil {
		t.Fatalf("readChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("len(changes) = %d, want 2 (X's updates merged)", len(changes))
	}
	bySeq := map[string]uint64{}
	for _, c := range changes {
		bySeq[c.DocID] = c.Sequence
	}
	if bySeq["X"] != 8 || bySeq["Y"] != 7 {
		t.Fatalf("merged sequences = %v, want X=8 Y=7", bySeq)
	}
}

func TestExternalTransactionReplay(t *testing.T) {
	tr := New()
	commitOne(t, tr, "a", "1-aa", 1)

	err := tr.AddExternalTransaction([]DocChange{
		{DocID: "b", RevID: "1-bb", Sequence: 2},
		{DocID: "c", RevID: "1-cc", Sequence: 3},
	})
	if err != nil {
		t.Fatalf("external replay: %v", err)
	}
	if tr.LastSequence() != 3 {
		t.Fatalf("lastSequence = %d, want 3", tr.LastSequence())
	}

	ph := tr.AddPlaceholderAfter(nil, 0)
	changes, external, err := tr.ReadChanges(ph, 10)
	if err != nil {
		t.Fatalf("readChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].DocID != "a" {
		t.Fatalf("first batch should stop before the external run: %+v", changes)
	}
	if external {
		t.Fatalf("first batch should not be external")
	}

	changes2, external2, err := tr.ReadChanges(ph, 10)
	if err != nil {
		t.Fatalf("readChanges 2: %v", err)
	}
	if len(changes2) != 2 || !external2 {
		t.Fatalf("second batch should be the external pair: %+v external=%v", changes2, external2)
	}
}
