// Package checkpoint implements the Checkpointer: the
// per-(database, remote, filter) persistent record of replication progress,
// with derived remote-unique identity, pending-sequence tracking, filtered
// pending-document enumeration, and a debounced autosave timer.
package checkpoint

import (
	"encoding/json"
	"sync"
	"time"

	"litecore/internal/docstore"
	"litecore/internal/liteerr"
	"litecore/internal/logging"
	"litecore/internal/storage"

	"go.uber.org/zap"
)

// State is the persisted checkpoint record: a compact dictionary with keys
// local (the confirmed-pushed sequence), remote (the peer's opaque pull
// token), and rev (the peer-checkpoint concurrency token).
type State struct {
	Local  uint64 `json:"local,omitempty"`
	Remote string `json:"remote,omitempty"`
	Rev    string `json:"rev,omitempty"`
}

// PushFilter decides whether a document participates in a push; a nil
// filter admits everything. The document is loaded with its current body
// before the filter runs.
type PushFilter func(doc *docstore.Document) bool

// Checkpointer tracks one replication's progress against one remote.
type Checkpointer struct {
	mu sync.Mutex

	engine storage.Engine
	params Params
	docID  string // resolved on open; writes always use the canonical ID

	pending   *PendingSet
	remoteMin string
	rev       string
	dirty     bool

	collections []*docstore.Collection
	docIDFilter map[string]bool // non-nil when params.DocIDs set
	pushFilter  PushFilter

	saver *autosaver
	save  func(json []byte) error

	log *zap.SugaredLogger
}

// Open loads or creates the checkpoint for params. On first open the three
// URL-normalization variants from CandidateIDs are probed in order and the
// first whose stored record exists is adopted; a fresh checkpoint starts at
// sequence 0 under the canonical ID.
func Open(engine storage.Engine, params Params, collections []*docstore.Collection, filter PushFilter) (*Checkpointer, error) {
	c := &Checkpointer{
		engine:      engine,
		params:      params,
		docID:       DeriveID(params),
		pending:     NewPendingSet(0),
		collections: collections,
		pushFilter:  filter,
		log:         logging.For("checkpoint"),
	}
	if len(params.DocIDs) > 0 {
		c.docIDFilter = make(map[string]bool, len(params.DocIDs))
		for _, id := range params.DocIDs {
			c.docIDFilter[id] = true
		}
	}

	tx, err := engine.BeginTx()
	if err != nil {
		return nil, liteerr.Wrap(liteerr.IOError, err, "begin checkpoint read")
	}
	defer tx.Abort()

	for _, id := range CandidateIDs(params) {
		entry, ok, err := tx.Get(storage.KeyspaceCheckpoints, id)
		if err != nil {
			return nil, liteerr.Wrap(liteerr.IOError, err, "read checkpoint %q", id)
		}
		if !ok {
			continue
		}
		var st State
		if err := json.Unmarshal(entry.Value, &st); err != nil {
			return nil, liteerr.Wrap(liteerr.JSONParseError, err, "decode checkpoint %q", id)
		}
		c.pending = NewPendingSet(st.Local)
		c.remoteMin = st.Remote
		c.rev = st.Rev
		c.log.Infow("resumed checkpoint", "docID", id, "local", st.Local, "remote", st.Remote)
		return c, nil
	}
	return c, nil
}

// DocID returns the canonical checkpoint document ID.
func (c *Checkpointer) DocID() string { return c.docID }

// LocalMinSequence returns the sequence below which everything is confirmed
// pushed.
func (c *Checkpointer) LocalMinSequence() uint64 { return c.pending.LocalMinSequence() }

// RemoteMinSequence returns the opaque pull-progress token from the peer.
func (c *Checkpointer) RemoteMinSequence() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteMin
}

// SetRemoteMinSequence advances the pull cursor.
func (c *Checkpointer) SetRemoteMinSequence(token string) {
	c.mu.Lock()
	if token == c.remoteMin {
		c.mu.Unlock()
		return
	}
	c.remoteMin = token
	c.dirty = true
	saver := c.saver
	c.mu.Unlock()
	if saver != nil {
		saver.noteChange()
	}
}

// AddPendingSequence records seq as sent/in-flight for push.
func (c *Checkpointer) AddPendingSequence(seq uint64) {
	c.pending.AddPendingSequence(seq)
	c.noteDirty()
}

// CompletedSequence marks seq acknowledged by the peer.
func (c *Checkpointer) CompletedSequence(seq uint64) {
	c.pending.CompletedSequence(seq)
	c.noteDirty()
}

// IsSequenceCompleted reports whether seq is confirmed pushed.
func (c *Checkpointer) IsSequenceCompleted(seq uint64) bool {
	return c.pending.IsSequenceCompleted(seq)
}

// PendingSequenceCount returns the number of in-flight push sequences.
func (c *Checkpointer) PendingSequenceCount() int { return c.pending.PendingSequenceCount() }

func (c *Checkpointer) noteDirty() {
	c.mu.Lock()
	c.dirty = true
	saver := c.saver
	c.mu.Unlock()
	if saver != nil {
		saver.noteChange()
	}
}

// ValidateWith reconciles my cursors against the checkpoint the remote has
// stored for me. A local-sequence disagreement resets push progress to 0 (a
// re-scan is needed); a remote-token disagreement clears the pull cursor.
// Returns false if anything was reset.
func (c *Checkpointer) ValidateWith(remote State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := true
	if remote.Local != c.pending.LocalMinSequence() {
		c.pending.Reset(0)
		c.dirty = true
		ok = false
	}
	if remote.Remote != c.remoteMin {
		c.remoteMin = ""
		c.dirty = true
		ok = false
	}
	if !ok {
		c.log.Warnw("checkpoint mismatch with remote; progress reset",
			"remoteLocal", remote.Local, "remoteToken", remote.Remote)
	}
	return ok
}

// Rev returns the optimistic-concurrency token the remote handed back on
// the last setCheckpoint exchange.
func (c *Checkpointer) Rev() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rev
}

// SetRev records the token returned by the remote's setCheckpoint reply.
func (c *Checkpointer) SetRev(rev string) {
	c.mu.Lock()
	if rev != c.rev {
		c.rev = rev
		c.dirty = true
	}
	c.mu.Unlock()
}

// Snapshot returns the current persisted-form state.
func (c *Checkpointer) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Local: c.pending.LocalMinSequence(), Remote: c.remoteMin, Rev: c.rev}
}

// Save persists the checkpoint under the canonical docID. It is a no-op when
// nothing changed since the last save.
func (c *Checkpointer) Save() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	st := State{Local: c.pending.LocalMinSequence(), Remote: c.remoteMin, Rev: c.rev}
	c.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return liteerr.Wrap(liteerr.Unknown, err, "encode checkpoint")
	}
	tx, err := c.engine.BeginTx()
	if err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "begin checkpoint write")
	}
	if err := tx.Put(storage.KeyspaceCheckpoints, c.docID, data, nil); err != nil {
		tx.Abort()
		return liteerr.Wrap(liteerr.IOError, err, "write checkpoint %q", c.docID)
	}
	if err := tx.Commit(); err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "commit checkpoint %q", c.docID)
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	c.log.Debugw("saved checkpoint", "docID", c.docID, "local", st.Local, "remote", st.Remote)
	return nil
}

// EnableAutosave arms the debounced save timer: the first mutation after a
// save schedules a Save after delay.
func (c *Checkpointer) EnableAutosave(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saver != nil {
		return
	}
	c.saver = newAutosaver(delay, func() []byte {
		if err := c.Save(); err != nil {
			c.log.Errorw("autosave failed", "error", err)
		}
		st := c.Snapshot()
		data, _ := json.Marshal(st)
		return data
	})
}

// StopAutosave cancels any armed autosave timer.
func (c *Checkpointer) StopAutosave() {
	c.mu.Lock()
	saver := c.saver
	c.saver = nil
	c.mu.Unlock()
	if saver != nil {
		saver.Stop()
	}
}

// PendingDocumentIDs enumerates every document in coll still requiring push:
// sequence above localMinSequence, not already completed, passing the docID
// allow-list and the push filter. coll must be one of the configured
// collections; otherwise NotOpen.
func (c *Checkpointer) PendingDocumentIDs(coll *docstore.Collection, fn func(docID string, seq uint64)) error {
	if !c.hasCollection(coll) {
		return liteerr.New(liteerr.NotOpen, "collection %s/%s is not configured for this replication", coll.Scope, coll.Name)
	}
	level := docstore.MetadataOnly
	if c.pushFilter != nil {
		level = docstore.CurrentRevBody // the user filter needs the body
	}
	return coll.EnumerateBySequence(c.pending.LocalMinSequence(), level, func(doc *docstore.Document) error {
		if c.pending.IsSequenceCompleted(doc.Sequence) {
			return nil
		}
		if c.docIDFilter != nil && !c.docIDFilter[doc.DocID] {
			return nil
		}
		if c.pushFilter != nil && !c.pushFilter(doc) {
			return nil
		}
		fn(doc.DocID, doc.Sequence)
		return nil
	})
}

// IsDocumentPending reports whether docID's current revision still requires
// push.
func (c *Checkpointer) IsDocumentPending(coll *docstore.Collection, docID string) (bool, error) {
	if !c.hasCollection(coll) {
		return false, liteerr.New(liteerr.NotOpen, "collection %s/%s is not configured for this replication", coll.Scope, coll.Name)
	}
	level := docstore.MetadataOnly
	if c.pushFilter != nil {
		level = docstore.CurrentRevBody
	}
	doc, err := coll.Get(docID, level)
	if err != nil {
		if liteerr.Is(err, liteerr.NotFound) {
			return false, nil
		}
		return false, err
	}
	if c.pending.IsSequenceCompleted(doc.Sequence) {
		return false, nil
	}
	if c.docIDFilter != nil && !c.docIDFilter[docID] {
		return false, nil
	}
	if c.pushFilter != nil && !c.pushFilter(doc) {
		return false, nil
	}
	return true, nil
}

func (c *Checkpointer) hasCollection(coll *docstore.Collection) bool {
	for _, cc := range c.collections {
		if cc == coll {
			return true
		}
	}
	return false
}
