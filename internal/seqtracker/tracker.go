// Package seqtracker implements the Sequence Tracker: an in-memory,
// commit-ordered change log per collection, supporting multiple observers
// that consume the log at their own pace, transaction commit/abort
// semantics, and external-transaction replay.
package seqtracker

import (
	"container/list"
	"fmt"
)

// kMinChangesToKeep bounds how many committed entries removeObsoleteEntries
// retains once no placeholder needs them.
const kMinChangesToKeep = 100

// DocChange is one document entry in the tracker's change log.
type DocChange struct {
	DocID             string
	RevID             string
	Sequence          uint64
	CommittedSequence uint64
	BodySize          int
	Flags             uint8
	External          bool
	Purge             bool
}

type nodeKind int

const (
	kindDoc nodeKind = iota
	kindPlaceholder
	kindTransaction
)

type node struct {
	kind        nodeKind
	change      *DocChange
	idle        bool
	placeholder *Placeholder
}

// Placeholder is a sentinel entry marking an observer's position in the
// change log.
type Placeholder struct {
	tracker  *Tracker
	elem     *list.Element
	notify   func()
	sinceSeq uint64
}

// docObserver is a per-document observer, fired synchronously and
// immediately on every change to its docID.
type docObserver struct {
	id uint64
	fn func(DocChange)
}

// DocObserverHandle lets a caller cancel a per-document subscription.
type DocObserverHandle struct {
	docID string
	id    uint64
}

// Tracker is the Sequence Tracker for one collection. It is NOT internally
// synchronized: the owning Collection Store holds the collection's write
// lock across DocumentChanged plus its preceding storage write, and a read
// lock during enumeration.
type Tracker struct {
	changes *list.List
	byDocID map[string]*list.Element

	idle        *list.List
	idleByDocID map[string]*list.Element

	lastSequence               uint64
	preTransactionLastSequence uint64
	txElem                     *list.Element
	txPreState                 map[string]*preTxState

	numPlaceholders int

	docObservers   map[string][]*docObserver
	nextObserverID uint64
}

// New returns an empty Sequence Tracker.
func New() *Tracker {
	return &Tracker{
		changes:      list.New(),
		byDocID:      make(map[string]*list.Element),
		idle:         list.New(),
		idleByDocID:  make(map[string]*list.Element),
		docObservers: make(map[string][]*docObserver),
	}
}

// LastSequence returns the highest sequence number recorded so far.
func (t *Tracker) LastSequence() uint64 { return t.lastSequence }

// BeginTransaction appends a _transaction placeholder at the tail. Exactly
// one transaction placeholder may exist at a time.
func (t *Tracker) BeginTransaction() error {
	if t.txElem != nil {
		return fmt.Errorf("seqtracker: a transaction is already open")
	}
	t.preTransactionLastSequence = t.lastSequence
	t.txPreState = make(map[string]*preTxState)
	nd := &node{kind: kindTransaction}
	t.txElem = t.changes.PushBack(nd)
	return nil
}

// DocumentChanged records a committed-within-this-transaction write to
// docID. listChanged controls whether list-observer placeholders fire.
func (t *Tracker) DocumentChanged(docID, revID string, sequence uint64, size int, flags uint8, external, listChanged bool) error {
	if t.txElem == nil {
		return fmt.Errorf("seqtracker: DocumentChanged requires an open transaction")
	}
	if sequence != 0 && sequence <= t.lastSequence {
		return fmt.Errorf("seqtracker: sequence %d must exceed lastSequence %d", sequence, t.lastSequence)
	}
	t.snapshotBeforeFirstTouch(docID)
	t.applyChange(docID, revID, sequence, size, flags, external, false, listChanged)
	if sequence > t.lastSequence {
		t.lastSequence = sequence
	}
	return nil
}

// DocumentPurged records a purge (sequence 0) for docID.
func (t *Tracker) DocumentPurged(docID string) error {
	if t.txElem == nil {
		return fmt.Errorf("seqtracker: DocumentPurged requires an open transaction")
	}
	t.snapshotBeforeFirstTouch(docID)
	t.applyChange(docID, "", 0, 0, 0, false, true, true)
	return nil
}

// preTxState records a document entry's state before the open transaction
// first touched it, so an abort can put it back exactly: active entries are
// replayed as reverts, idle entries go back to the idle list, and entries
// with no prior existence are removed. A nil change means the docID had no
// entry anywhere.
type preTxState struct {
	change *DocChange
	idle   bool
}

func (t *Tracker) snapshotBeforeFirstTouch(docID string) {
	if _, captured := t.txPreState[docID]; captured {
		return
	}
	if elem, ok := t.byDocID[docID]; ok {
		cp := *elem.Value.(*node).change
		t.txPreState[docID] = &preTxState{change: &cp}
		return
	}
	if elem, ok := t.idleByDocID[docID]; ok {
		cp := *elem.Value.(*node).change
		t.txPreState[docID] = &preTxState{change: &cp, idle: true}
		return
	}
	t.txPreState[docID] = &preTxState{}
}

// applyChange performs the core move-to-tail-or-append mutation, fires
// per-document observers, fires list-placeholder observers if listChanged,
// and runs housekeeping. It bypasses the open-transaction/monotonicity
// checks so it can also be used to synthesize abort-time reverts.
func (t *Tracker) applyChange(docID, revID string, sequence uint64, size int, flags uint8, external, purge, listChanged bool) {
	change := DocChange{
		DocID: docID, RevID: revID, Sequence: sequence,
		BodySize: size, Flags: flags, External: external, Purge: purge,
	}

	if elem, ok := t.byDocID[docID]; ok {
		nd := elem.Value.(*node)
		change.CommittedSequence = nd.change.CommittedSequence
		nd.change = &change
		t.changes.MoveToBack(elem)
	} else if elem, ok := t.idleByDocID[docID]; ok {
		nd := elem.Value.(*node)
		change.CommittedSequence = nd.change.CommittedSequence
		t.idle.Remove(elem)
		delete(t.idleByDocID, docID)
		nd.change = &change
		nd.idle = false
		t.byDocID[docID] = t.changes.PushBack(nd)
	} else {
		nd := &node{kind: kindDoc, change: &change}
		t.byDocID[docID] = t.changes.PushBack(nd)
	}

	t.fireDocObservers(docID, change)

	if listChanged && t.numPlaceholders > 0 {
		t.fireTrailingPlaceholders()
	}

	t.removeObsoleteEntries()
}

// fireTrailingPlaceholders walks backward from the tail and fires the
// contiguous run of placeholders immediately preceding the new entry.
// The transaction placeholder is transparent to the walk;
// observers behind an older document entry already have unread changes and
// were notified when those arrived.
func (t *Tracker) fireTrailingPlaceholders() {
	for e := t.changes.Back().Prev(); e != nil; e = e.Prev() {
		nd := e.Value.(*node)
		switch nd.kind {
		case kindTransaction:
			continue
		case kindPlaceholder:
			if nd.placeholder.notify != nil {
				nd.placeholder.notify()
			}
		default:
			return
		}
	}
}

// EndTransaction commits or aborts the currently open transaction.
func (t *Tracker) EndTransaction(commit bool) error {
	if t.txElem == nil {
		return fmt.Errorf("seqtracker: no open transaction")
	}
	if commit {
		for e := t.txElem.Next(); e != nil; e = e.Next() {
			nd := e.Value.(*node)
			if nd.kind == kindDoc {
				nd.change.CommittedSequence = nd.change.Sequence
			}
		}
	} else {
		// Revert every document touched in this transaction to its
		// pre-transaction state, synthesizing change events so observers
		// see the rollback.
		touched := make([]string, 0, len(t.txPreState))
		for docID := range t.txPreState {
			touched = append(touched, docID)
		}
		for _, docID := range touched {
			pre := t.txPreState[docID]
			if pre.change == nil {
				t.removeEntryEntirely(docID)
				continue
			}
			if pre.idle {
				t.restoreIdleEntry(docID, pre.change)
				continue
			}
			c := pre.change
			t.applyChange(docID, c.RevID, c.CommittedSequence, c.BodySize, c.Flags, c.External, c.Purge, true)
		}
		t.lastSequence = t.preTransactionLastSequence
	}
	t.changes.Remove(t.txElem)
	t.txElem = nil
	t.txPreState = nil
	t.removeObsoleteEntries()
	return nil
}

// restoreIdleEntry puts an entry the aborted transaction had reactivated
// back on the idle list with its pre-transaction change, preserving its
// per-document observers.
func (t *Tracker) restoreIdleEntry(docID string, pre *DocChange) {
	var nd *node
	if elem, ok := t.byDocID[docID]; ok {
		nd = elem.Value.(*node)
		t.changes.Remove(elem)
		delete(t.byDocID, docID)
	} else if elem, ok := t.idleByDocID[docID]; ok {
		// Housekeeping already pushed it back to idle mid-transaction;
		// just restore the recorded change.
		nd = elem.Value.(*node)
	} else {
		nd = &node{kind: kindDoc}
	}
	cp := *pre
	nd.change = &cp
	nd.idle = true
	if _, ok := t.idleByDocID[docID]; !ok {
		t.idleByDocID[docID] = t.idle.PushBack(nd)
	}
	t.fireDocObservers(docID, cp)
}

func (t *Tracker) removeEntryEntirely(docID string) {
	if elem, ok := t.byDocID[docID]; ok {
		t.changes.Remove(elem)
		delete(t.byDocID, docID)
	}
	if elem, ok := t.idleByDocID[docID]; ok {
		t.idle.Remove(elem)
		delete(t.idleByDocID, docID)
	}
}

// AddExternalTransaction replays another database connection's committed
// changes into this tracker, marked external, advancing lastSequence
// monotonically.
func (t *Tracker) AddExternalTransaction(changes []DocChange) error {
	if err := t.BeginTransaction(); err != nil {
		return err
	}
	for _, c := range changes {
		seq := c.Sequence
		if seq != 0 && seq <= t.lastSequence {
			// Already observed (e.g. replayed twice); skip instead of
			// violating monotonicity.
			continue
		}
		t.snapshotBeforeFirstTouch(c.DocID)
		t.applyChange(c.DocID, c.RevID, seq, c.BodySize, c.Flags, true, c.Purge, true)
		if seq > t.lastSequence {
			t.lastSequence = seq
		}
	}
	return t.EndTransaction(true)
}

// AddPlaceholderAfter inserts a placeholder positioned so that everything
// after it has sequence > sinceSeq (or is a purge), scanning backward from
// the tail.
func (t *Tracker) AddPlaceholderAfter(notify func(), sinceSeq uint64) *Placeholder {
	ph := &Placeholder{tracker: t, notify: notify, sinceSeq: sinceSeq}
	nd := &node{kind: kindPlaceholder, placeholder: ph}

	insertBefore := (*list.Element)(nil)
	for e := t.changes.Back(); e != nil; e = e.Prev() {
		n := e.Value.(*node)
		if n.kind == kindDoc && n.change.Sequence != 0 && n.change.Sequence <= sinceSeq {
			break
		}
		insertBefore = e
	}
	if insertBefore != nil {
		ph.elem = t.changes.InsertBefore(nd, insertBefore)
	} else {
		ph.elem = t.changes.PushBack(nd)
	}
	t.numPlaceholders++
	return ph
}

// RemovePlaceholder cancels an observer's placeholder; cancellation never
// interrupts an in-flight callback.
func (t *Tracker) RemovePlaceholder(ph *Placeholder) {
	if ph == nil || ph.elem == nil {
		return
	}
	t.changes.Remove(ph.elem)
	ph.elem = nil
	t.numPlaceholders--
	t.removeObsoleteEntries()
}

// ReadChanges walks forward from ph, collecting up to max document entries
// whose External flag all match the first entry found; a batch never mixes
// external and local entries. ph is spliced to its new position.
func (t *Tracker) ReadChanges(ph *Placeholder, max int) (out []DocChange, external bool, err error) {
	if ph == nil || ph.elem == nil {
		return nil, false, fmt.Errorf("seqtracker: placeholder is not active")
	}
	haveExternal := false
	externalSet := false
	var lastSeen *list.Element
	for e := ph.elem.Next(); e != nil && len(out) < max; e = e.Next() {
		n := e.Value.(*node)
		if n.kind != kindDoc {
			lastSeen = e
			continue
		}
		if !externalSet {
			haveExternal = n.change.External
			externalSet = true
		} else if n.change.External != haveExternal {
			break
		}
		out = append(out, *n.change)
		lastSeen = e
	}
	if lastSeen != nil {
		if next := lastSeen.Next(); next != nil {
			t.changes.MoveBefore(ph.elem, next)
		} else {
			t.changes.MoveToBack(ph.elem)
		}
	}
	t.removeObsoleteEntries()
	return out, haveExternal, nil
}

// AddDocObserver registers a per-document observer, fired synchronously on
// every documentChanged/documentPurged for docID.
func (t *Tracker) AddDocObserver(docID string, fn func(DocChange)) *DocObserverHandle {
	t.nextObserverID++
	id := t.nextObserverID
	t.docObservers[docID] = append(t.docObservers[docID], &docObserver{id: id, fn: fn})
	return &DocObserverHandle{docID: docID, id: id}
}

// RemoveDocObserver cancels a per-document subscription.
func (t *Tracker) RemoveDocObserver(h *DocObserverHandle) {
	if h == nil {
		return
	}
	obs := t.docObservers[h.docID]
	for i, o := range obs {
		if o.id == h.id {
			t.docObservers[h.docID] = append(obs[:i], obs[i+1:]...)
			break
		}
	}
	if len(t.docObservers[h.docID]) == 0 {
		delete(t.docObservers, h.docID)
	}
}

func (t *Tracker) fireDocObservers(docID string, change DocChange) {
	for _, o := range t.docObservers[docID] {
		o.fn(change)
	}
}

// removeObsoleteEntries implements the log's housekeeping: while
// |_changes| > kMinChangesToKeep + numPlaceholders and the head is not a
// placeholder, pop the head; if it has a live per-document observer, move
// it to the idle list instead of discarding.
func (t *Tracker) removeObsoleteEntries() {
	for t.changes.Len() > kMinChangesToKeep+t.numPlaceholders {
		front := t.changes.Front()
		nd := front.Value.(*node)
		if nd.kind != kindDoc {
			break
		}
		t.changes.Remove(front)
		delete(t.byDocID, nd.change.DocID)
		if len(t.docObservers[nd.change.DocID]) > 0 {
			nd.idle = true
			t.idleByDocID[nd.change.DocID] = t.idle.PushBack(nd)
		}
	}
}

// Len reports the number of entries currently in the change list
// (placeholders included), for diagnostics and tests.
func (t *Tracker) Len() int { return t.changes.Len() }
