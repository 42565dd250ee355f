package replicator

import (
	"encoding/json"

	"litecore/internal/actor"
	"litecore/internal/blipws"
	"litecore/internal/checkpoint"
	"litecore/internal/docstore"
	"litecore/internal/liteerr"
	"litecore/internal/logging"
	"litecore/internal/revid"
	"litecore/internal/seqtracker"

	"go.uber.org/zap"
)

// kChangesBatchSize bounds one changes message.
const kChangesBatchSize = 200

// pusher is the outbound sub-actor: it asks the
// Checkpointer for pending documents, announces them in changes messages,
// sends the requested revisions, and completes their sequences on ack.
type pusher struct {
	sess *session
	ckpt *checkpoint.Checkpointer
	coll *docstore.Collection
	mbox *actor.Mailbox

	continuous bool
	onQuiesce  func()
	onBusy     func()
	onProgress func(units uint64, docs uint64)

	ph          *seqtracker.Placeholder
	outstanding int  // rev messages awaiting ack
	paused      bool // send buffer full; resume() continues
	deferred    []pendingRev

	log *zap.SugaredLogger
}

type pendingRev struct {
	docID  string
	seq    uint64
	backTo []revid.ID
}

func newPusher(sess *session, ckpt *checkpoint.Checkpointer, coll *docstore.Collection, continuous bool) *pusher {
	return &pusher{
		sess:       sess,
		ckpt:       ckpt,
		coll:       coll,
		continuous: continuous,
		mbox:       actor.New("replicator.pusher"),
		log:        logging.For("replicator.pusher"),
	}
}

func (p *pusher) start() {
	if p.continuous {
		p.coll.WithTracker(func(t *seqtracker.Tracker) {
			p.ph = t.AddPlaceholderAfter(func() { p.scheduleScan() }, p.ckpt.LocalMinSequence())
		})
	}
	p.scheduleScan()
}

func (p *pusher) stop() {
	if p.ph != nil {
		ph := p.ph
		p.coll.WithTracker(func(t *seqtracker.Tracker) { t.RemovePlaceholder(ph) })
		p.ph = nil
	}
	p.mbox.Stop()
}

func (p *pusher) scheduleScan() {
	p.mbox.Enqueue(p.scan)
}

// scan gathers documents still requiring push and announces them. A batch
// already in flight defers the rescan to its drain point.
func (p *pusher) scan() {
	if p.outstanding > 0 || len(p.deferred) > 0 {
		return
	}
	type pending struct {
		docID string
		seq   uint64
	}
	var due []pending
	err := p.ckpt.PendingDocumentIDs(p.coll, func(docID string, seq uint64) {
		due = append(due, pending{docID, seq})
	})
	if err != nil {
		p.log.Errorw("pending enumeration failed", "error", err)
		return
	}
	if len(due) == 0 {
		if p.outstanding == 0 && p.onQuiesce != nil {
			p.onQuiesce()
		}
		return
	}
	if p.onBusy != nil {
		p.onBusy()
	}

	if len(due) > kChangesBatchSize {
		due = due[:kChangesBatchSize]
	}
	items := make([]changeItem, 0, len(due))
	for _, d := range due {
		doc, err := p.coll.Get(d.docID, docstore.MetadataOnly)
		if err != nil {
			p.sess.documentEnded(d.docID, "", Push, err)
			continue
		}
		items = append(items, changeItem{
			Seq:     d.seq,
			DocID:   d.docID,
			RevID:   doc.CurrentRevID.WireString(p.sess.localPeer),
			Deleted: doc.Flags.Has(docstore.FlagDeleted),
			Size:    len(doc.Body),
		})
		p.ckpt.AddPendingSequence(d.seq)
	}
	if len(items) == 0 {
		return
	}

	req := blipws.NewRequest(profileChanges)
	req.SetProperty("collection", p.coll.Scope+"/"+p.coll.Name)
	req.Body, _ = json.Marshal(items)
	reply, _, err := p.sess.conn.SendRequest(req)
	if err != nil {
		p.log.Errorw("changes send failed", "error", err)
		return
	}
	go func() {
		resp, err := reply.Await(0)
		p.mbox.Enqueue(func() { p.changesReplied(items, resp, err) })
	}()
}

// changesReplied processes the peer's compaction reply: sequences the peer
// already has complete immediately; the rest get rev messages.
func (p *pusher) changesReplied(items []changeItem, resp *blipws.Message, err error) {
	if err != nil {
		p.log.Errorw("changes reply failed", "error", err)
		return
	}
	var cr changesReply
	if len(resp.Body) > 0 {
		if jerr := json.Unmarshal(resp.Body, &cr); jerr != nil {
			p.log.Errorw("bad changes reply", "error", jerr)
			return
		}
	}
	needed := make(map[string]bool, len(cr.Needed))
	for _, id := range cr.Needed {
		needed[id] = true
	}

	for _, it := range items {
		if !needed[it.DocID] {
			// Peer already has this revision; record it as synced.
			p.ckpt.CompletedSequence(it.Seq)
			if id, perr := revid.Parse(it.RevID); perr == nil {
				p.coll.MarkDocumentSynced(it.DocID, p.sess.remotePeer, id)
			}
			continue
		}
		var backTo []revid.ID
		for _, a := range cr.Ancestors[it.DocID] {
			if id, perr := revid.Parse(a); perr == nil {
				backTo = append(backTo, id)
			}
		}
		p.deferred = append(p.deferred, pendingRev{docID: it.DocID, seq: it.Seq, backTo: backTo})
	}
	p.sendDeferredRevs()
}

// sendDeferredRevs drains the rev queue while the send buffer accepts it;
// resume() continues after the writeable callback.
func (p *pusher) sendDeferredRevs() {
	for len(p.deferred) > 0 {
		if p.paused {
			return
		}
		pr := p.deferred[0]
		p.deferred = p.deferred[1:]
		ok := p.sendRev(pr)
		if !ok {
			p.paused = true
			return
		}
	}
	if p.outstanding == 0 {
		p.scheduleScan()
	}
}

// resume is called from the connection's writeable callback.
func (p *pusher) resume() {
	p.mbox.Enqueue(func() {
		p.paused = false
		p.sendDeferredRevs()
	})
}

// sendRev transmits one revision; the returned boolean is the flow-control
// signal from Send.
func (p *pusher) sendRev(pr pendingRev) bool {
	doc, err := p.coll.Get(pr.docID, docstore.AllRevsAndBodies)
	if err != nil {
		p.sess.documentEnded(pr.docID, "", Push, err)
		return true
	}
	cur, ok := doc.CurrentRevision()
	if !ok {
		p.sess.documentEnded(pr.docID, "", Push, liteerr.New(liteerr.Corrupt, "no current revision for %q", pr.docID))
		return true
	}

	req := blipws.NewRequest(profileRev)
	req.SetProperty("collection", p.coll.Scope+"/"+p.coll.Name)
	req.SetProperty("docID", doc.DocID)
	req.SetProperty("revID", doc.CurrentRevID.WireString(p.sess.localPeer))
	req.SetProperty("history", doc.HistoryString(0, pr.backTo))
	req.SetProperty("sequence", formatSeq(pr.seq))
	if cur.Flags.Has(docstore.RevDeleted) {
		req.SetProperty("deleted", "1")
	}
	req.Body = cur.Body

	reply, under, err := p.sess.conn.SendRequest(req)
	if err != nil {
		p.sess.documentEnded(pr.docID, req.Property("revID"), Push, err)
		return true
	}
	p.outstanding++
	revID := req.Property("revID")
	size := len(cur.Body)
	go func() {
		_, aerr := reply.Await(0)
		p.mbox.Enqueue(func() { p.revAcked(pr, revID, size, aerr) })
	}()
	return under
}

// revAcked completes a pushed sequence (or reports the per-document error)
// and rescans when the batch drains.
func (p *pusher) revAcked(pr pendingRev, revID string, size int, err error) {
	p.outstanding--
	if err != nil {
		p.sess.documentEnded(pr.docID, revID, Push, err)
	} else {
		p.ckpt.CompletedSequence(pr.seq)
		if id, perr := revid.Parse(revID); perr == nil {
			p.coll.MarkDocumentSynced(pr.docID, p.sess.remotePeer, id)
		}
		if p.onProgress != nil {
			p.onProgress(uint64(size), 1)
		}
		p.sess.documentEnded(pr.docID, revID, Push, nil)
	}
	if p.outstanding == 0 && len(p.deferred) == 0 {
		p.scheduleScan()
	}
}
