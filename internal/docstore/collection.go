package docstore

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"litecore/internal/liteerr"
	"litecore/internal/logging"
	"litecore/internal/peer"
	"litecore/internal/revid"
	"litecore/internal/seqtracker"
	"litecore/internal/storage"

	"go.uber.org/zap"
)

// PutRequest describes one Put call: a brand-new local
// edit (History empty) or a replicated revision being grafted in
// (ExistingRevision true, History holds the full chain, newest first).
type PutRequest struct {
	DocID            string
	Body             []byte
	Deletion         bool
	History          []revid.ID // for ExistingRevision: newest-first full chain
	AllowConflict    bool
	Save             bool
	ExistingRevision bool
	SourcePeer       peer.ID // the remote whose ancestor pointer advances on success
}

// PutResult reports what Put did.
type PutResult struct {
	RevID    revid.ID
	Sequence uint64
}

// Collection is one (scope, name) Collection Store: a transactional map
// from docID to Document, layered over a storage.Engine keyspace and backed
// by a seqtracker.Tracker for change notification. The write lock is held
// for the duration of each logical operation, storage write and tracker
// notification included.
type Collection struct {
	Scope, Name string

	mu      sync.RWMutex
	engine  storage.Engine
	ks      storage.Keyspace
	tracker *seqtracker.Tracker

	expirations map[string]time.Time

	log *zap.SugaredLogger
}

// Open returns a Collection backed by engine's (scope, name) keyspace.
func Open(engine storage.Engine, scope, name string) *Collection {
	return &Collection{
		Scope: scope, Name: name,
		engine:      engine,
		ks:          storage.CollectionKeyspace(scope, name),
		tracker:     seqtracker.New(),
		expirations: make(map[string]time.Time),
		log:         logging.For(fmt.Sprintf("docstore.%s.%s", scope, name)),
	}
}

// Tracker exposes the collection's Sequence Tracker to the Replicator.
func (c *Collection) Tracker() *seqtracker.Tracker { return c.tracker }

// Engine exposes the backing storage engine, e.g. for the Checkpointer,
// which persists under the reserved checkpoints keyspace of the same store.
func (c *Collection) Engine() storage.Engine { return c.engine }

// WithTracker runs fn with the collection's write lock held, the required
// locking discipline for tracker access from outside the Put path (observer
// registration, ReadChanges). fn must not re-enter the collection.
func (c *Collection) WithTracker(fn func(t *seqtracker.Tracker)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.tracker)
}

// Get loads a document at the given ContentLevel.
func (c *Collection) Get(docID string, level ContentLevel) (*Document, error) {
	if err := ValidateDocID(docID); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx, err := c.engine.BeginTx()
	if err != nil {
		return nil, liteerr.Wrap(liteerr.IOError, err, "begin read tx")
	}
	defer tx.Abort()

	doc, ok, err := c.load(tx, docID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, liteerr.New(liteerr.NotFound, "document %q not found", docID)
	}
	if level == MetadataOnly {
		doc.Body = nil
		if doc.Tree != nil {
			for i := range doc.Tree.nodes {
				doc.Tree.nodes[i].Body = nil
			}
		}
	} else if level == CurrentRevBody {
		if idx := doc.Tree.CurrentIndex(); idx >= 0 {
			doc.Body = doc.Tree.nodes[idx].Body
		}
	}
	return doc, nil
}

// Put performs either a new local edit or grafts a replicated revision,
// assigning the document its next sequence number on success.
func (c *Collection) Put(req PutRequest) (*PutResult, error) {
	if err := ValidateDocID(req.DocID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.engine.BeginTx()
	if err != nil {
		return nil, liteerr.Wrap(liteerr.IOError, err, "begin write tx")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Abort()
		}
	}()

	doc, existed, err := c.load(tx, req.DocID)
	if err != nil {
		return nil, err
	}
	if !existed {
		doc = &Document{DocID: req.DocID, Tree: NewRevTree(), Ancestors: make(map[peer.ID]revid.ID)}
	}
	if doc.Ancestors == nil {
		doc.Ancestors = make(map[peer.ID]revid.ID)
	}

	var newRevID revid.ID
	var flags RevFlags
	if req.Deletion {
		flags |= RevDeleted
	}

	if req.ExistingRevision {
		newRevID, err = c.putExistingRevision(doc, req, flags)
	} else {
		newRevID, err = c.putNewRevision(doc, req, flags)
	}
	if err != nil {
		return nil, err
	}

	if err := c.tracker.BeginTransaction(); err != nil {
		return nil, liteerr.Wrap(liteerr.Unknown, err, "begin sequence transaction")
	}
	seq := c.nextSequence(tx)
	doc.Sequence = seq
	doc.Flags = FlagExists
	cur, hasCurrent := doc.CurrentRevision()
	if hasCurrent {
		doc.CurrentRevID = cur.ID
		if cur.Flags.Has(RevDeleted) {
			doc.Flags |= FlagDeleted
		}
	} else {
		doc.CurrentRevID = newRevID
	}
	if doc.Tree.IsConflicted() {
		doc.Flags |= FlagConflicted
	}
	if req.SourcePeer != peer.Me {
		doc.Ancestors[req.SourcePeer] = newRevID
	}

	if err := c.save(tx, doc); err != nil {
		c.tracker.EndTransaction(false)
		return nil, err
	}

	size := len(doc.Body)
	if cur, ok := doc.CurrentRevision(); ok {
		size = len(cur.Body)
	}
	if err := c.tracker.DocumentChanged(doc.DocID, doc.CurrentRevID.String(), seq, size, uint8(doc.Flags), req.SourcePeer != peer.Me, true); err != nil {
		c.tracker.EndTransaction(false)
		return nil, liteerr.Wrap(liteerr.Unknown, err, "record sequence change")
	}
	if err := c.tracker.EndTransaction(true); err != nil {
		return nil, liteerr.Wrap(liteerr.Unknown, err, "commit sequence transaction")
	}

	if err := tx.Commit(); err != nil {
		return nil, liteerr.Wrap(liteerr.IOError, err, "commit document %q", req.DocID)
	}
	committed = true

	c.log.Debugw("put", "docID", req.DocID, "rev", newRevID.String(), "seq", seq)
	return &PutResult{RevID: newRevID, Sequence: seq}, nil
}

// putNewRevision mints a brand-new tree-form revision atop the document's
// current leaf (or as a root, for a brand-new document).
func (c *Collection) putNewRevision(doc *Document, req PutRequest, flags RevFlags) (revid.ID, error) {
	parentIdx := -1
	gen := uint64(1)
	if cur, ok := doc.CurrentRevision(); ok {
		parentIdx = doc.Tree.IndexOf(cur.ID)
		g, _ := cur.ID.Generation()
		gen = g + 1
	} else if len(doc.Tree.Nodes()) > 0 {
		return revid.ID{}, liteerr.New(liteerr.Conflict, "document %q has no resolvable current revision", req.DocID)
	}
	digest := revisionDigest(req.DocID, gen, req.Body, req.Deletion)
	id := revid.NewTree(gen, digest)
	doc.Tree.Add(id, parentIdx, req.Body, flags|RevNew)
	return id, nil
}

// putExistingRevision grafts a replicated revision chain (newest first) into
// the tree: find the first ancestor already present,
// insert the missing links, detect conflicts with AllowConflict, and leave
// the resolved current leaf in place.
func (c *Collection) putExistingRevision(doc *Document, req PutRequest, flags RevFlags) (revid.ID, error) {
	if len(req.History) == 0 {
		return revid.ID{}, liteerr.New(liteerr.InvalidParameter, "existing-revision put requires a non-empty history")
	}
	newRevID := req.History[0]
	if idx := doc.Tree.IndexOf(newRevID); idx >= 0 {
		return newRevID, nil // already have it; no-op
	}

	// Find the deepest ancestor in req.History that the tree already has.
	commonIdx := -1
	commonPos := len(req.History)
	for i, id := range req.History {
		if idx := doc.Tree.IndexOf(id); idx >= 0 {
			commonIdx = idx
			commonPos = i
			break
		}
	}

	if !req.AllowConflict && len(doc.Tree.Leaves()) > 0 {
		if _, hasCurrent := doc.CurrentRevision(); hasCurrent {
			descends := commonIdx >= 0 && isLeafOrDescendsFromLeaf(doc.Tree, commonIdx)
			if !descends {
				return revid.ID{}, liteerr.New(liteerr.Conflict, "revision %q would create a conflict for %q", newRevID.String(), req.DocID)
			}
		}
	}

	// Graft the missing chain, root-most (deepest uncommon ancestor) first.
	parentIdx := commonIdx
	for i := commonPos - 1; i >= 0; i-- {
		var body []byte
		f := RevFlags(0)
		if i == 0 {
			body = req.Body
			f = flags
		}
		parentIdx = doc.Tree.Add(req.History[i], parentIdx, body, f)
	}
	return newRevID, nil
}

func isLeafOrDescendsFromLeaf(t *RevTree, idx int) bool {
	for _, leaf := range t.Leaves() {
		if leaf == idx {
			return true
		}
	}
	return false
}

// revisionDigest derives a revision's content digest: sha1 over docID,
// generation, deletion flag, and body.
func revisionDigest(docID string, gen uint64, body []byte, deleted bool) []byte {
	h := sha1.New()
	fmt.Fprintf(h, "%s:%d:%t:", docID, gen, deleted)
	h.Write(body)
	sum := h.Sum(nil)
	return sum
}

// Purge permanently removes a document and all its revisions, bypassing
// tombstone retention.
func (c *Collection) Purge(docID string) error {
	if err := ValidateDocID(docID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.engine.BeginTx()
	if err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "begin write tx")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Abort()
		}
	}()

	if _, ok, err := c.load(tx, docID); err != nil {
		return err
	} else if !ok {
		return liteerr.New(liteerr.NotFound, "document %q not found", docID)
	}
	if err := tx.Delete(c.ks, docKey(docID)); err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "purge %q", docID)
	}
	delete(c.expirations, docID)

	if err := c.tracker.BeginTransaction(); err != nil {
		return liteerr.Wrap(liteerr.Unknown, err, "begin sequence transaction")
	}
	if err := c.tracker.DocumentPurged(docID); err != nil {
		c.tracker.EndTransaction(false)
		return liteerr.Wrap(liteerr.Unknown, err, "record purge")
	}
	if err := c.tracker.EndTransaction(true); err != nil {
		return liteerr.Wrap(liteerr.Unknown, err, "commit sequence transaction")
	}

	if err := tx.Commit(); err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "commit purge %q", docID)
	}
	committed = true
	return nil
}

// SetExpiration schedules docID for automatic purge at t, or clears it if
// t is zero.
func (c *Collection) SetExpiration(docID string, t time.Time) error {
	if err := ValidateDocID(docID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.IsZero() {
		delete(c.expirations, docID)
		return nil
	}
	c.expirations[docID] = t
	return nil
}

// GetExpiration returns docID's scheduled expiration, if any.
func (c *Collection) GetExpiration(docID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.expirations[docID]
	return t, ok
}

// NextDocExpiration returns the soonest-expiring docID and its expiration,
// or false if nothing is scheduled.
func (c *Collection) NextDocExpiration() (docID string, at time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	first := true
	for id, t := range c.expirations {
		if first || t.Before(at) {
			docID, at, ok = id, t, true
			first = false
		}
	}
	return
}

// PurgeExpiredDocs purges every document whose expiration is at or before
// now, returning the purged docIDs.
func (c *Collection) PurgeExpiredDocs(now time.Time) ([]string, error) {
	c.mu.RLock()
	var due []string
	for id, t := range c.expirations {
		if !t.After(now) {
			due = append(due, id)
		}
	}
	c.mu.RUnlock()

	sort.Strings(due)
	var purged []string
	for _, id := range due {
		if err := c.Purge(id); err != nil && !liteerr.Is(err, liteerr.NotFound) {
			return purged, err
		}
		purged = append(purged, id)
	}
	return purged, nil
}

// MarkDocumentSynced records that remote's copy of docID is now at revID,
// advancing the per-remote ancestor pointer used to compute getRev/proposeChanges
// deltas.
func (c *Collection) MarkDocumentSynced(docID string, remote peer.ID, revID revid.ID) error {
	if err := ValidateDocID(docID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.engine.BeginTx()
	if err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "begin write tx")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Abort()
		}
	}()

	doc, ok, err := c.load(tx, docID)
	if err != nil {
		return err
	}
	if !ok {
		return liteerr.New(liteerr.NotFound, "document %q not found", docID)
	}
	if doc.Ancestors == nil {
		doc.Ancestors = make(map[peer.ID]revid.ID)
	}
	doc.Ancestors[remote] = revID
	if err := c.save(tx, doc); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "commit sync marker %q", docID)
	}
	committed = true
	return nil
}

// AncestorFlags is the per-revision bitmask FindDocAncestors reports: how
// a candidate revision relates to the local copy, whether the remote is
// already known to hold it, and whether its body is retained locally.
type AncestorFlags uint8

const (
	AncestorSame AncestorFlags = 1 << iota
	AncestorLocalIsOlder
	AncestorLocalIsNewer
	AncestorRevExistsAtRemote
	AncestorHaveLocalBody
)

func (f AncestorFlags) Has(bit AncestorFlags) bool { return f&bit != 0 }

// AncestorLookup is one FindDocAncestors result: the relation bitmask for
// the candidate revision plus the revision IDs the remote is known to have
// for that document (newest first, capped at maxAncestors), for trimming
// the history a subsequent rev message carries.
type AncestorLookup struct {
	Flags     AncestorFlags
	Ancestors []string
}

// FindDocAncestors evaluates candidate revisions offered by a peer: for
// each (docIDs[i], revIDs[i]) pair it reports how the offered revision
// relates to the local current revision, whether remote is already known
// to hold it, and which local revisions remote already has. maxAncestors
// caps the reported ancestor list; mustHaveBodies restricts it to
// revisions whose bodies are retained. Used to compact changes-message
// replies so peers skip revisions the other side already holds.
func (c *Collection) FindDocAncestors(remote peer.ID, docIDs []string, revIDs []revid.ID, maxAncestors int, mustHaveBodies bool) ([]AncestorLookup, error) {
	if len(docIDs) != len(revIDs) {
		return nil, liteerr.New(liteerr.InvalidParameter, "docIDs and revIDs must pair up: %d vs %d", len(docIDs), len(revIDs))
	}
	if maxAncestors <= 0 {
		maxAncestors = kDefaultMaxAncestors
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx, err := c.engine.BeginTx()
	if err != nil {
		return nil, liteerr.Wrap(liteerr.IOError, err, "begin read tx")
	}
	defer tx.Abort()

	out := make([]AncestorLookup, len(docIDs))
	for i, docID := range docIDs {
		doc, ok, err := c.load(tx, docID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // unknown document: zero flags, nothing at the remote
		}
		out[i] = c.lookupAncestors(doc, remote, revIDs[i], maxAncestors, mustHaveBodies)
	}
	return out, nil
}

const kDefaultMaxAncestors = 20

func (c *Collection) lookupAncestors(doc *Document, remote peer.ID, rev revid.ID, maxAncestors int, mustHaveBodies bool) AncestorLookup {
	var lk AncestorLookup

	revIdx := -1
	if rev.IsValid() {
		revIdx = doc.Tree.IndexOf(rev)
	}
	cur, hasCur := doc.CurrentRevision()
	curIdx := -1
	if hasCur {
		curIdx = doc.Tree.IndexOf(cur.ID)
	}
	if rev.IsValid() && hasCur {
		// Relation to the local current revision. For revisions present in
		// the tree the relation is causal (ancestry), not a digest
		// comparison: a same-generation sibling on another branch is a
		// conflict and sets neither ordering bit.
		switch {
		case revid.Equal(cur.ID, rev):
			lk.Flags |= AncestorSame
		case revIdx >= 0 && doc.Tree.IsDescendant(curIdx, revIdx):
			lk.Flags |= AncestorLocalIsNewer
		case revIdx >= 0 && doc.Tree.IsDescendant(revIdx, curIdx):
			lk.Flags |= AncestorLocalIsOlder
		case revIdx < 0 && revid.Compare(cur.ID, rev) == revid.Older:
			lk.Flags |= AncestorLocalIsOlder
		}
	}
	if revIdx >= 0 && doc.Tree.nodes[revIdx].Body != nil {
		lk.Flags |= AncestorHaveLocalBody
	}

	// Everything at or above the per-remote ancestor pointer is known to
	// exist at the remote.
	ancIdx := -1
	if anc, ok := doc.Ancestors[remote]; ok {
		ancIdx = doc.Tree.IndexOf(anc)
		if revIdx >= 0 && ancIdx >= 0 && doc.Tree.IsDescendant(ancIdx, revIdx) {
			lk.Flags |= AncestorRevExistsAtRemote
		} else if revid.Equal(anc, rev) {
			lk.Flags |= AncestorRevExistsAtRemote
		}
	}
	if ancIdx >= 0 {
		for _, i := range doc.Tree.Ancestors(ancIdx) {
			if len(lk.Ancestors) >= maxAncestors {
				break
			}
			if mustHaveBodies && doc.Tree.nodes[i].Body == nil {
				continue
			}
			lk.Ancestors = append(lk.Ancestors, doc.Tree.nodes[i].ID.String())
		}
	}
	return lk
}

func (c *Collection) nextSequence(tx storage.Tx) uint64 {
	return c.tracker.LastSequence() + 1
}

// ─── indexes ────────────────────────────────────────────────────────────
//
// Index maintenance is the storage engine's business; these delegate to
// its optional IndexStore surface and report Unsupported otherwise.

func (c *Collection) CreateIndex(name, spec string) error {
	ix, ok := c.engine.(storage.IndexStore)
	if !ok {
		return liteerr.New(liteerr.Unsupported, "storage engine has no index support")
	}
	return ix.CreateIndex(c.ks, name, spec)
}

func (c *Collection) DeleteIndex(name string) error {
	ix, ok := c.engine.(storage.IndexStore)
	if !ok {
		return liteerr.New(liteerr.Unsupported, "storage engine has no index support")
	}
	return ix.DeleteIndex(c.ks, name)
}

func (c *Collection) GetIndexRows(name string) (storage.Iterator, error) {
	ix, ok := c.engine.(storage.IndexStore)
	if !ok {
		return nil, liteerr.New(liteerr.Unsupported, "storage engine has no index support")
	}
	return ix.GetIndexRows(c.ks, name)
}

// EnumerateBySequence calls fn for every document whose sequence exceeds
// since, in ascending sequence order, with the requested content level. fn
// returning a non-nil error stops the enumeration and propagates the error.
// The Checkpointer and the Pusher drive this to find documents still
// requiring push.
func (c *Collection) EnumerateBySequence(since uint64, level ContentLevel, fn func(*Document) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx, err := c.engine.BeginTx()
	if err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "begin read tx")
	}
	defer tx.Abort()

	it, err := tx.Enumerate(c.ks, "", "", false)
	if err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "enumerate %s/%s", c.Scope, c.Name)
	}
	defer it.Close()

	var due []*Document
	for it.Next() {
		entry := it.Entry()
		var w wireDocument
		if err := json.Unmarshal(entry.Value, &w); err != nil {
			return liteerr.Wrap(liteerr.Corrupt, err, "decode document %q", entry.Key)
		}
		if w.Sequence <= since {
			continue
		}
		doc, _, err := c.load(tx, entry.Key)
		if err != nil {
			return err
		}
		if level == MetadataOnly {
			doc.Body = nil
			for i := range doc.Tree.nodes {
				doc.Tree.nodes[i].Body = nil
			}
		}
		due = append(due, doc)
	}
	if err := it.Err(); err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "enumerate %s/%s", c.Scope, c.Name)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].Sequence < due[j].Sequence })
	for _, doc := range due {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func docKey(docID string) string { return docID }

// ─── serialization ──────────────────────────────────────────────────────

type wireRevNode struct {
	ID          string `json:"id"`
	ParentIndex int    `json:"parent"`
	Body        []byte `json:"body,omitempty"`
	Flags       uint8  `json:"flags"`
}

type wireDocument struct {
	DocID        string            `json:"docID"`
	Sequence     uint64            `json:"sequence"`
	Flags        uint8             `json:"flags"`
	CurrentRevID string            `json:"currentRevID"`
	Ancestors    map[string]string `json:"ancestors,omitempty"`
	Nodes        []wireRevNode     `json:"nodes"`
}

func (c *Collection) load(tx storage.Tx, docID string) (*Document, bool, error) {
	entry, ok, err := tx.Get(c.ks, docKey(docID))
	if err != nil {
		return nil, false, liteerr.Wrap(liteerr.IOError, err, "load %q", docID)
	}
	if !ok {
		return nil, false, nil
	}
	var w wireDocument
	if err := json.Unmarshal(entry.Value, &w); err != nil {
		return nil, false, liteerr.Wrap(liteerr.Corrupt, err, "decode document %q", docID)
	}
	doc := &Document{
		DocID:     w.DocID,
		Sequence:  w.Sequence,
		Flags:     Flags(w.Flags),
		Ancestors: make(map[peer.ID]revid.ID, len(w.Ancestors)),
		Tree:      &RevTree{},
	}
	if w.CurrentRevID != "" {
		id, err := revid.Parse(w.CurrentRevID)
		if err != nil {
			return nil, false, liteerr.Wrap(liteerr.CorruptRevisionData, err, "current rev of %q", docID)
		}
		doc.CurrentRevID = id
	}
	for pidStr, revStr := range w.Ancestors {
		var pid uint64
		if _, err := fmt.Sscanf(pidStr, "%d", &pid); err != nil {
			continue
		}
		id, err := revid.Parse(revStr)
		if err != nil {
			continue
		}
		doc.Ancestors[peer.ID(pid)] = id
	}
	doc.Tree.nodes = make([]RevNode, len(w.Nodes))
	for i, n := range w.Nodes {
		id, err := revid.Parse(n.ID)
		if err != nil {
			return nil, false, liteerr.Wrap(liteerr.CorruptRevisionData, err, "node %d of %q", i, docID)
		}
		doc.Tree.nodes[i] = RevNode{ID: id, ParentIndex: n.ParentIndex, Body: n.Body, Flags: RevFlags(n.Flags)}
	}
	if cur, ok := doc.CurrentRevision(); ok {
		doc.Body = cur.Body
	}
	return doc, true, nil
}

func (c *Collection) save(tx storage.Tx, doc *Document) error {
	w := wireDocument{
		DocID:        doc.DocID,
		Sequence:     doc.Sequence,
		Flags:        uint8(doc.Flags),
		CurrentRevID: doc.CurrentRevID.String(),
		Ancestors:    make(map[string]string, len(doc.Ancestors)),
	}
	for pid, id := range doc.Ancestors {
		w.Ancestors[fmt.Sprintf("%d", uint64(pid))] = id.String()
	}
	for _, n := range doc.Tree.nodes {
		w.Nodes = append(w.Nodes, wireRevNode{ID: n.ID.String(), ParentIndex: n.ParentIndex, Body: n.Body, Flags: uint8(n.Flags)})
	}
	data, err := json.Marshal(w)
	if err != nil {
		return liteerr.Wrap(liteerr.Unknown, err, "encode document %q", doc.DocID)
	}
	if err := tx.Put(c.ks, docKey(doc.DocID), data, nil); err != nil {
		return liteerr.Wrap(liteerr.IOError, err, "save %q", doc.DocID)
	}
	return nil
}
