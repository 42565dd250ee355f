package replicator

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"litecore/internal/blipws"
	"litecore/internal/checkpoint"
	"litecore/internal/docstore"
	"litecore/internal/liteerr"
	"litecore/internal/logging"
	"litecore/internal/peer"
	"litecore/internal/revid"

	"go.uber.org/zap"
)

// Profile names for the required message layer.
const (
	profileGetCheckpoint   = "getCheckpoint"
	profileSetCheckpoint   = "setCheckpoint"
	profileSubChanges      = "subChanges"
	profileChanges         = "changes"
	profileRev             = "rev"
	profileGetRev          = "getRev"
	profilePutRev          = "putRev"
	profileGetAttachment   = "getAttachment"
	profileProveAttachment = "proveAttachment"
)

// BlobStore is the blob interface the replicator consumes: the store's
// layout is someone else's concern, only digest-addressed reads are needed.
type BlobStore interface {
	Get(digest string) ([]byte, bool)
}

// changeItem is one row of a changes message: {docID, revID, sequence,
// size, flags}.
type changeItem struct {
	Seq     uint64 `json:"seq"`
	DocID   string `json:"docID"`
	RevID   string `json:"revID"`
	Deleted bool   `json:"deleted,omitempty"`
	Size    int    `json:"size,omitempty"`
}

// changesReply lists, per docID, whether the body is needed and which
// ancestors the replier already has, letting the sender trim rev histories.
type changesReply struct {
	Needed    []string            `json:"needed,omitempty"`
	Ancestors map[string][]string `json:"ancestors,omitempty"`
}

// subChangesReply acknowledges a change-feed subscription with the number
// of changes the subscriber should expect before it is caught up.
type subChangesReply struct {
	Pending int `json:"pending"`
}

// session holds the per-connection state shared by the active and passive
// roles: collection routing, incoming-revision insertion, checkpoint
// storage, and attachment proofs.
type session struct {
	conn        *blipws.Conn
	colls       map[string]*docstore.Collection
	defaultColl *docstore.Collection
	remotePeer  peer.ID
	localPeer   peer.ID
	peerStore   *checkpoint.PeerStore // passive role only
	blobs       BlobStore

	// onRevInserted fires after an incoming revision commits, with the
	// remote sequence token from the rev message (pull cursor advance).
	// Guarded by cbMu: the puller installs/clears it while the dispatch
	// queue may be delivering.
	cbMu          sync.Mutex
	onRevInserted func(remoteSeq string)
	onDocsEnded   func([]DocumentEnded)

	log *zap.SugaredLogger
}

func (s *session) setOnRevInserted(fn func(string)) {
	s.cbMu.Lock()
	s.onRevInserted = fn
	s.cbMu.Unlock()
}

func (s *session) revInserted(remoteSeq string) {
	s.cbMu.Lock()
	fn := s.onRevInserted
	s.cbMu.Unlock()
	if fn != nil {
		fn(remoteSeq)
	}
}

func newSession(conn *blipws.Conn, colls []*docstore.Collection, remotePeer, localPeer peer.ID) *session {
	s := &session{
		conn:       conn,
		colls:      make(map[string]*docstore.Collection, len(colls)),
		remotePeer: remotePeer,
		localPeer:  localPeer,
		log:        logging.For("replicator.session"),
	}
	for _, c := range colls {
		key := c.Scope + "/" + c.Name
		s.colls[key] = c
		if s.defaultColl == nil {
			s.defaultColl = c
		}
	}
	return s
}

func (s *session) register() {
	s.conn.HandleFunc(profileChanges, s.handleChanges)
	s.conn.HandleFunc(profileRev, s.handleRev)
	s.conn.HandleFunc(profilePutRev, s.handleRev) // connected-client push shares the insert path
	s.conn.HandleFunc(profileGetRev, s.handleGetRev)
	s.conn.HandleFunc(profileGetAttachment, s.handleGetAttachment)
	s.conn.HandleFunc(profileProveAttachment, s.handleProveAttachment)
	if s.peerStore != nil {
		s.conn.HandleFunc(profileGetCheckpoint, s.handleGetCheckpoint)
		s.conn.HandleFunc(profileSetCheckpoint, s.handleSetCheckpoint)
	}
}

func (s *session) collectionFor(req *blipws.Message) *docstore.Collection {
	if key := req.Property("collection"); key != "" {
		if c, ok := s.colls[key]; ok {
			return c
		}
		return nil
	}
	return s.defaultColl
}

func (s *session) sendError(req *blipws.Message, err error) {
	code := 500
	if e, ok := liteerr.AsError(err); ok {
		switch e.Code {
		case liteerr.NotFound:
			code = 404
		case liteerr.Conflict:
			code = 409
		case liteerr.NotOpen, liteerr.InvalidParameter, liteerr.BadDocID, liteerr.BadRevisionID:
			code = 400
		}
	}
	s.conn.Send(req.ErrorResponse("LiteCore", code, err.Error()))
}

// ─── changes ────────────────────────────────────────────────────────────

// handleChanges answers a peer's changes list with the docIDs whose
// revisions we need, trimmed via the per-remote ancestor bookkeeping so the
// sender can skip revisions we already hold.
func (s *session) handleChanges(c *blipws.Conn, req *blipws.Message) {
	defer c.CompletedReceive(len(req.Body))
	coll := s.collectionFor(req)
	if coll == nil {
		s.sendError(req, liteerr.New(liteerr.NotOpen, "unknown collection %q", req.Property("collection")))
		return
	}
	var items []changeItem
	if err := json.Unmarshal(req.Body, &items); err != nil {
		s.sendError(req, liteerr.Wrap(liteerr.JSONParseError, err, "changes body"))
		return
	}

	docIDs := make([]string, 0, len(items))
	revIDs := make([]revid.ID, 0, len(items))
	for _, it := range items {
		docIDs = append(docIDs, it.DocID)
		id, err := revid.Parse(it.RevID)
		if err != nil {
			id = revid.ID{} // unparsable offer: no relation flags, request it
		}
		revIDs = append(revIDs, id)
	}
	lookups, err := coll.FindDocAncestors(s.remotePeer, docIDs, revIDs, 0, false)
	if err != nil {
		s.sendError(req, err)
		return
	}

	reply := changesReply{Ancestors: make(map[string][]string)}
	for i, it := range items {
		lk := lookups[i]
		// Skip revisions we already hold or have superseded, and ones the
		// sender's own remote bookkeeping says it already gave us.
		if lk.Flags.Has(docstore.AncestorSame) ||
			lk.Flags.Has(docstore.AncestorLocalIsNewer) ||
			lk.Flags.Has(docstore.AncestorRevExistsAtRemote) {
			continue
		}
		reply.Needed = append(reply.Needed, it.DocID)
		if len(lk.Ancestors) > 0 {
			reply.Ancestors[it.DocID] = lk.Ancestors
		}
	}
	resp := req.Response()
	resp.Body, _ = json.Marshal(reply)
	c.Send(resp)
}

// ─── rev / putRev ───────────────────────────────────────────────────────

// handleRev inserts an incoming revision: history property newest-first,
// body attached, conflicts allowed — replicated branches surface as
// conflicts rather than being rejected.
func (s *session) handleRev(c *blipws.Conn, req *blipws.Message) {
	defer c.CompletedReceive(len(req.Body))
	coll := s.collectionFor(req)
	if coll == nil {
		s.sendError(req, liteerr.New(liteerr.NotOpen, "unknown collection %q", req.Property("collection")))
		return
	}
	docID := req.Property("docID")
	history, err := parseHistory(req.Property("history"))
	if err != nil {
		s.sendError(req, err)
		s.documentEnded(docID, req.Property("revID"), Pull, err)
		return
	}
	_, err = coll.Put(docstore.PutRequest{
		DocID:            docID,
		Body:             req.Body,
		Deletion:         req.Property("deleted") == "1",
		History:          history,
		AllowConflict:    true,
		ExistingRevision: true,
		SourcePeer:       s.remotePeer,
	})
	if err != nil {
		s.sendError(req, err)
		s.documentEnded(docID, req.Property("revID"), Pull, err)
		return
	}
	c.Send(req.Response())
	s.revInserted(req.Property("sequence"))
	s.documentEnded(docID, req.Property("revID"), Pull, nil)
}

func parseHistory(h string) ([]revid.ID, error) {
	if h == "" {
		return nil, liteerr.New(liteerr.InvalidParameter, "rev message lacks a history")
	}
	parts := strings.Split(h, ",")
	ids := make([]revid.ID, len(parts))
	for i, p := range parts {
		id, err := revid.Parse(p)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *session) documentEnded(docID, revID string, dir Direction, err error) {
	if s.onDocsEnded == nil {
		return
	}
	s.onDocsEnded([]DocumentEnded{{DocID: docID, RevID: revID, Direction: dir, Err: err}})
}

// ─── getRev ─────────────────────────────────────────────────────────────

// handleGetRev serves a specific revision for connected-client pulls.
func (s *session) handleGetRev(c *blipws.Conn, req *blipws.Message) {
	defer c.CompletedReceive(len(req.Body))
	coll := s.collectionFor(req)
	if coll == nil {
		s.sendError(req, liteerr.New(liteerr.NotOpen, "unknown collection %q", req.Property("collection")))
		return
	}
	doc, err := coll.Get(req.Property("docID"), docstore.AllRevsAndBodies)
	if err != nil {
		s.sendError(req, err)
		return
	}
	resp := req.Response()
	resp.SetProperty("revID", doc.CurrentRevID.WireString(s.localPeer))
	resp.SetProperty("history", doc.HistoryString(0, nil))
	if cur, ok := doc.CurrentRevision(); ok {
		resp.Body = cur.Body
		if cur.Flags.Has(docstore.RevDeleted) {
			resp.SetProperty("deleted", "1")
		}
	}
	c.Send(resp)
}

// ─── checkpoints ────────────────────────────────────────────────────────

func (s *session) handleGetCheckpoint(c *blipws.Conn, req *blipws.Message) {
	defer c.CompletedReceive(len(req.Body))
	body, rev, err := s.peerStore.Get(req.Property("client"))
	if err != nil {
		s.sendError(req, err)
		return
	}
	resp := req.Response()
	resp.SetProperty("rev", rev)
	resp.Body = body
	c.Send(resp)
}

func (s *session) handleSetCheckpoint(c *blipws.Conn, req *blipws.Message) {
	defer c.CompletedReceive(len(req.Body))
	newRev, err := s.peerStore.Set(req.Property("client"), req.Property("rev"), req.Body)
	if err != nil {
		s.sendError(req, err)
		return
	}
	resp := req.Response()
	resp.SetProperty("rev", newRev)
	c.Send(resp)
}

// ─── attachments ────────────────────────────────────────────────────────

func (s *session) handleGetAttachment(c *blipws.Conn, req *blipws.Message) {
	defer c.CompletedReceive(len(req.Body))
	if s.blobs == nil {
		s.sendError(req, liteerr.New(liteerr.Unsupported, "no blob store attached"))
		return
	}
	digest := req.Property("digest")
	data, ok := s.blobs.Get(digest)
	if !ok {
		s.sendError(req, liteerr.New(liteerr.NotFound, "no blob with digest %q", digest))
		return
	}
	resp := req.Response()
	resp.Body = data
	c.Send(resp)
}

// handleProveAttachment proves possession of a blob without shipping it:
// the reply is hex(HMAC-SHA1(nonce, blobContent)) for the caller to verify
// against its own copy.
func (s *session) handleProveAttachment(c *blipws.Conn, req *blipws.Message) {
	defer c.CompletedReceive(len(req.Body))
	if s.blobs == nil {
		s.sendError(req, liteerr.New(liteerr.Unsupported, "no blob store attached"))
		return
	}
	digest := req.Property("digest")
	nonce, err := base64.StdEncoding.DecodeString(req.Property("nonce"))
	if err != nil || len(nonce) == 0 {
		s.sendError(req, liteerr.New(liteerr.InvalidParameter, "bad proveAttachment nonce"))
		return
	}
	data, ok := s.blobs.Get(digest)
	if !ok {
		s.sendError(req, liteerr.New(liteerr.NotFound, "no blob with digest %q", digest))
		return
	}
	mac := hmac.New(sha1.New, nonce)
	mac.Write(data)
	resp := req.Response()
	resp.Body = []byte(hex.EncodeToString(mac.Sum(nil)))
	c.Send(resp)
}

// ProveAttachment computes the proof the passive side returns, for callers
// verifying a handleProveAttachment reply.
func ProveAttachment(nonce, blob []byte) string {
	mac := hmac.New(sha1.New, nonce)
	mac.Write(blob)
	return hex.EncodeToString(mac.Sum(nil))
}

func formatSeq(seq uint64) string { return strconv.FormatUint(seq, 10) }
