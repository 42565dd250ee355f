package replicator

import (
	"encoding/json"
	"sync/atomic"

	"litecore/internal/actor"
	"litecore/internal/blipws"
	"litecore/internal/checkpoint"
	"litecore/internal/logging"

	"go.uber.org/zap"
)

// puller is the inbound sub-actor: it subscribes to the peer's change feed
// and lets the session's rev handler insert what arrives, advancing the
// pull cursor as revisions commit.
type puller struct {
	sess *session
	ckpt *checkpoint.Checkpointer
	mbox *actor.Mailbox

	continuous bool
	onQuiesce  func()
	onBusy     func()
	onProgress func(units uint64, docs uint64)

	expected int64 // revisions announced by subChanges, -1 before the reply
	received int64

	log *zap.SugaredLogger
}

func newPuller(sess *session, ckpt *checkpoint.Checkpointer, continuous bool) *puller {
	return &puller{
		sess:       sess,
		ckpt:       ckpt,
		continuous: continuous,
		mbox:       actor.New("replicator.puller"),
		expected:   -1,
		log:        logging.For("replicator.puller"),
	}
}

// start hooks revision insertion and subscribes to the peer's feed since
// the checkpoint's pull cursor.
func (p *puller) start() {
	p.sess.setOnRevInserted(p.revInserted)
	req := blipws.NewRequest(profileSubChanges)
	req.SetProperty("since", p.ckpt.RemoteMinSequence())
	if p.continuous {
		req.SetProperty("continuous", "1")
	}
	reply, _, err := p.sess.conn.SendRequest(req)
	if err != nil {
		p.log.Errorw("subChanges failed", "error", err)
		return
	}
	go func() {
		resp, err := reply.Await(0)
		p.mbox.Enqueue(func() { p.subscribed(resp, err) })
	}()
}

func (p *puller) stop() {
	p.sess.setOnRevInserted(nil)
	p.mbox.Stop()
}

func (p *puller) subscribed(resp *blipws.Message, err error) {
	if err != nil {
		p.log.Errorw("subChanges reply failed", "error", err)
		return
	}
	var sr subChangesReply
	if len(resp.Body) > 0 {
		if jerr := json.Unmarshal(resp.Body, &sr); jerr != nil {
			p.log.Errorw("bad subChanges reply", "error", jerr)
			return
		}
	}
	atomic.StoreInt64(&p.expected, int64(sr.Pending))
	// Revisions may already have landed before this reply was processed;
	// re-check catch-up instead of assuming the count starts at zero.
	if int64(sr.Pending) <= atomic.LoadInt64(&p.received) {
		if p.onQuiesce != nil {
			p.onQuiesce()
		}
		return
	}
	if p.onBusy != nil {
		p.onBusy()
	}
}

// revInserted runs after the session commits an incoming revision; it
// advances the pull cursor and detects catch-up for one-shot pulls.
func (p *puller) revInserted(remoteSeq string) {
	p.mbox.Enqueue(func() {
		if remoteSeq != "" {
			p.ckpt.SetRemoteMinSequence(remoteSeq)
		}
		if p.onProgress != nil {
			p.onProgress(0, 1)
		}
		n := atomic.AddInt64(&p.received, 1)
		if exp := atomic.LoadInt64(&p.expected); exp >= 0 && n >= exp && p.onQuiesce != nil {
			p.onQuiesce()
		}
	})
}
