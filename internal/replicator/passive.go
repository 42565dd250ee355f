package replicator

import (
	"encoding/json"
	"strconv"

	"litecore/internal/actor"
	"litecore/internal/blipws"
	"litecore/internal/checkpoint"
	"litecore/internal/docstore"
	"litecore/internal/liteerr"
	"litecore/internal/logging"
	"litecore/internal/peer"
	"litecore/internal/seqtracker"

	"go.uber.org/zap"
)

// PassiveOptions configures the server-side (passive) role of one incoming
// sync connection.
type PassiveOptions struct {
	Collections []*docstore.Collection
	PeerStore   *checkpoint.PeerStore
	Blobs       BlobStore
	LocalPeerID peer.ID // public wire identity of this database
	RemotePeer  peer.ID // identity assigned to the connecting peer

	OnDocumentsEnded func([]DocumentEnded)
}

// Passive serves the passive half of a replication over an accepted
// connection: it answers checkpoint reads/writes, incoming changes and
// revs, getRev/attachment requests, and feeds its own change stream to
// subChanges subscribers.
type Passive struct {
	conn *blipws.Conn
	sess *session
	mbox *actor.Mailbox

	feeds []*changeFeed

	log *zap.SugaredLogger
}

// ServePassive wires handlers onto conn and starts it. The caller keeps
// ownership of the transport; Close tears the session down.
func ServePassive(conn *blipws.Conn, opts PassiveOptions) *Passive {
	remote := opts.RemotePeer
	if remote == peer.Me {
		remote = peer.New()
	}
	pv := &Passive{
		conn: conn,
		sess: newSession(conn, opts.Collections, remote, opts.LocalPeerID),
		mbox: actor.New("replicator.passive"),
		log:  logging.For("replicator.passive"),
	}
	pv.sess.peerStore = opts.PeerStore
	pv.sess.blobs = opts.Blobs
	pv.sess.onDocsEnded = opts.OnDocumentsEnded
	pv.sess.register()
	conn.HandleFunc(profileSubChanges, pv.handleSubChanges)
	conn.Start()
	return pv
}

// Close stops the feeds and closes the connection with a normal status.
func (pv *Passive) Close() {
	for _, f := range pv.feeds {
		f.stop()
	}
	pv.mbox.Stop()
	pv.conn.Close(1000, "bye")
}

// handleSubChanges answers with the number of changes the subscriber should
// expect, then streams them (and, for continuous subscriptions, everything
// that commits later).
func (pv *Passive) handleSubChanges(c *blipws.Conn, req *blipws.Message) {
	defer c.CompletedReceive(len(req.Body))
	coll := pv.sess.collectionFor(req)
	if coll == nil {
		pv.sess.sendError(req, liteerr.New(liteerr.NotOpen, "unknown collection %q", req.Property("collection")))
		return
	}
	var since uint64
	if s := req.Property("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			pv.sess.sendError(req, liteerr.New(liteerr.InvalidParameter, "bad since token %q", s))
			return
		}
		since = n
	}
	continuous := req.Property("continuous") == "1"

	var pending []changeItem
	err := coll.EnumerateBySequence(since, docstore.MetadataOnly, func(doc *docstore.Document) error {
		pending = append(pending, changeItem{
			Seq:     doc.Sequence,
			DocID:   doc.DocID,
			RevID:   doc.CurrentRevID.WireString(pv.sess.localPeer),
			Deleted: doc.Flags.Has(docstore.FlagDeleted),
		})
		return nil
	})
	if err != nil {
		pv.sess.sendError(req, err)
		return
	}

	resp := req.Response()
	resp.Body, _ = json.Marshal(subChangesReply{Pending: len(pending)})
	c.Send(resp)

	feed := newChangeFeed(pv.sess, coll, since, continuous)
	pv.feeds = append(pv.feeds, feed)
	feed.start(pending)
}

// changeFeed streams one collection's changes to a subscriber: a changes
// announcement, then rev messages for whatever the subscriber asked for.
// Continuous feeds hold a tracker placeholder and rescan on every commit.
type changeFeed struct {
	sess *session
	coll *docstore.Collection
	mbox *actor.Mailbox

	lastSent   uint64
	continuous bool
	ph         *seqtracker.Placeholder

	log *zap.SugaredLogger
}

func newChangeFeed(sess *session, coll *docstore.Collection, since uint64, continuous bool) *changeFeed {
	return &changeFeed{
		sess:       sess,
		coll:       coll,
		mbox:       actor.New("replicator.feed"),
		lastSent:   since,
		continuous: continuous,
		log:        logging.For("replicator.feed"),
	}
}

func (f *changeFeed) start(initial []changeItem) {
	if f.continuous {
		f.coll.WithTracker(func(t *seqtracker.Tracker) {
			f.ph = t.AddPlaceholderAfter(func() { f.mbox.Enqueue(f.scan) }, f.lastSent)
		})
	}
	f.mbox.Enqueue(func() { f.announce(initial) })
}

func (f *changeFeed) stop() {
	if f.ph != nil {
		ph := f.ph
		f.coll.WithTracker(func(t *seqtracker.Tracker) { t.RemovePlaceholder(ph) })
		f.ph = nil
	}
	f.mbox.Stop()
}

// scan picks up commits past the last announced sequence (continuous mode).
func (f *changeFeed) scan() {
	var items []changeItem
	err := f.coll.EnumerateBySequence(f.lastSent, docstore.MetadataOnly, func(doc *docstore.Document) error {
		items = append(items, changeItem{
			Seq:     doc.Sequence,
			DocID:   doc.DocID,
			RevID:   doc.CurrentRevID.WireString(f.sess.localPeer),
			Deleted: doc.Flags.Has(docstore.FlagDeleted),
		})
		return nil
	})
	if err != nil {
		f.log.Errorw("feed scan failed", "error", err)
		return
	}
	f.announce(items)
}

func (f *changeFeed) announce(items []changeItem) {
	if len(items) == 0 {
		return
	}
	for _, it := range items {
		if it.Seq > f.lastSent {
			f.lastSent = it.Seq
		}
	}
	req := blipws.NewRequest(profileChanges)
	req.SetProperty("collection", f.coll.Scope+"/"+f.coll.Name)
	req.Body, _ = json.Marshal(items)
	reply, _, err := f.sess.conn.SendRequest(req)
	if err != nil {
		f.log.Errorw("changes announce failed", "error", err)
		return
	}
	go func() {
		resp, aerr := reply.Await(0)
		f.mbox.Enqueue(func() { f.sendRequested(items, resp, aerr) })
	}()
}

func (f *changeFeed) sendRequested(items []changeItem, resp *blipws.Message, err error) {
	if err != nil {
		f.log.Errorw("changes reply failed", "error", err)
		return
	}
	var cr changesReply
	if len(resp.Body) > 0 {
		if jerr := json.Unmarshal(resp.Body, &cr); jerr != nil {
			f.log.Errorw("bad changes reply", "error", jerr)
			return
		}
	}
	needed := make(map[string]bool, len(cr.Needed))
	for _, id := range cr.Needed {
		needed[id] = true
	}
	for _, it := range items {
		if !needed[it.DocID] {
			continue
		}
		f.sendRev(it)
	}
}

func (f *changeFeed) sendRev(it changeItem) {
	doc, err := f.coll.Get(it.DocID, docstore.AllRevsAndBodies)
	if err != nil {
		f.sess.documentEnded(it.DocID, it.RevID, Push, err)
		return
	}
	cur, ok := doc.CurrentRevision()
	if !ok {
		return
	}
	req := blipws.NewRequest(profileRev)
	req.SetProperty("collection", f.coll.Scope+"/"+f.coll.Name)
	req.SetProperty("docID", doc.DocID)
	req.SetProperty("revID", doc.CurrentRevID.WireString(f.sess.localPeer))
	req.SetProperty("history", doc.HistoryString(0, nil))
	req.SetProperty("sequence", formatSeq(doc.Sequence))
	if cur.Flags.Has(docstore.RevDeleted) {
		req.SetProperty("deleted", "1")
	}
	req.Body = cur.Body

	reply, _, err := f.sess.conn.SendRequest(req)
	if err != nil {
		f.sess.documentEnded(doc.DocID, req.Property("revID"), Push, err)
		return
	}
	docID, revID := doc.DocID, req.Property("revID")
	go func() {
		if _, aerr := reply.Await(0); aerr != nil {
			f.sess.documentEnded(docID, revID, Push, aerr)
		}
	}()
}
