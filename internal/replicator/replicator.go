package replicator

import (
	"encoding/json"
	"time"

	"litecore/internal/actor"
	"litecore/internal/blipws"
	"litecore/internal/checkpoint"
	"litecore/internal/docstore"
	"litecore/internal/liteerr"
	"litecore/internal/logging"
	"litecore/internal/peer"
	"litecore/internal/storage"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Options configures an active Replicator.
type Options struct {
	RemoteURL   string
	Continuous  bool
	Push        bool
	Pull        bool
	Collections []*docstore.Collection
	Engine      storage.Engine
	Identity    peer.Identity
	LocalPeerID peer.ID // public 64-bit wire identity of this database
	RemotePeer  peer.ID // identity under which the remote's ancestors are tracked

	// Checkpoint-identity inputs beyond the URL.
	Channels     []string
	FilterName   string
	FilterParams map[string]string
	DocIDs       []string
	PushFilter   checkpoint.PushFilter

	Blobs         BlobStore
	AutosaveDelay time.Duration

	// Dial overrides the transport factory; the default opens a
	// client-masked WebSocket to RemoteURL.
	Dial func() (blipws.Transport, error)

	OnStatusChanged  func(Status)
	OnDocumentsEnded func([]DocumentEnded)
}

// Replicator is the active-role connection state machine
// All state transitions run on its mailbox; public methods enqueue.
type Replicator struct {
	opts   Options
	mbox   *actor.Mailbox
	status *statusHolder
	ckpt   *checkpoint.Checkpointer

	conn   *blipws.Conn
	sess   *session
	pusher *pusher
	puller *puller

	retry      *backoff.ExponentialBackOff
	attempts   int
	retryTimer *time.Timer
	stopping   bool
	suspended  bool

	subActors    int // sub-actors started on this connection
	quiescedSubs int

	log *zap.SugaredLogger
}

// New builds a Replicator and opens (or resumes) its checkpoint.
func New(opts Options) (*Replicator, error) {
	if len(opts.Collections) == 0 {
		return nil, liteerr.New(liteerr.InvalidParameter, "a replicator needs at least one collection")
	}
	if !opts.Push && !opts.Pull {
		return nil, liteerr.New(liteerr.InvalidParameter, "a replicator must push, pull, or both")
	}
	ckpt, err := checkpoint.Open(opts.Engine, checkpoint.Params{
		LocalPrivate: opts.Identity.Private,
		RemoteURL:    opts.RemoteURL,
		Channels:     opts.Channels,
		FilterName:   opts.FilterName,
		FilterParams: opts.FilterParams,
		DocIDs:       opts.DocIDs,
	}, opts.Collections, opts.PushFilter)
	if err != nil {
		return nil, err
	}
	if opts.AutosaveDelay > 0 {
		ckpt.EnableAutosave(opts.AutosaveDelay)
	}
	r := &Replicator{
		opts:   opts,
		mbox:   actor.New("replicator"),
		status: newStatusHolder(),
		ckpt:   ckpt,
		retry:  newRetryBackoff(),
		log:    logging.For("replicator"),
	}
	r.status.onChange = opts.OnStatusChanged
	return r, nil
}

// Checkpointer exposes the replication's checkpoint state.
func (r *Replicator) Checkpointer() *checkpoint.Checkpointer { return r.ckpt }

// Status returns the current user-visible status.
func (r *Replicator) Status() Status { return r.status.get() }

// Start begins connecting. Safe to call once from Stopped.
func (r *Replicator) Start() {
	r.mbox.Enqueue(r.connect)
}

// Stop requests a cooperative shutdown: Stopping, close frame 1000, then
// Stopped.
func (r *Replicator) Stop() {
	r.mbox.Enqueue(func() { r.shutdown(nil) })
}

// Retry forces a reconnect attempt from Offline; resetCount also clears the
// backoff schedule.
func (r *Replicator) Retry(resetCount bool) {
	r.mbox.Enqueue(func() {
		if resetCount {
			r.attempts = 0
			r.retry.Reset()
		}
		if r.status.get().Level == Offline {
			r.cancelRetryTimer()
			r.connect()
		}
	})
}

// SetHostReachable feeds reachability hints; turning reachable while
// Offline triggers an immediate connect.
func (r *Replicator) SetHostReachable(reachable bool) {
	r.mbox.Enqueue(func() {
		r.status.update(func(s *Status) { s.HostReachable = reachable })
		if reachable && r.status.get().Level == Offline && !r.suspended {
			r.cancelRetryTimer()
			r.connect()
		}
	})
}

// SetSuspended pauses (disconnecting if needed) or resumes the replicator.
func (r *Replicator) SetSuspended(suspended bool) {
	r.mbox.Enqueue(func() {
		if r.suspended == suspended {
			return
		}
		r.suspended = suspended
		r.status.update(func(s *Status) { s.Suspended = suspended })
		if suspended {
			r.disconnect()
			r.status.update(func(s *Status) { s.Level = Offline; s.WillRetry = true })
		} else if r.status.get().Level == Offline {
			r.connect()
		}
	})
}

// IsDocumentPending reports whether docID still requires push. The
// Checkpointer's pending state is authoritative whether or not a Pusher is
// live, so a terminated replicator answers from the same bookkeeping.
func (r *Replicator) IsDocumentPending(coll *docstore.Collection, docID string) (bool, error) {
	return r.ckpt.IsDocumentPending(coll, docID)
}

// PendingDocumentIDs enumerates the docIDs still requiring push.
func (r *Replicator) PendingDocumentIDs(coll *docstore.Collection, fn func(docID string, seq uint64)) error {
	return r.ckpt.PendingDocumentIDs(coll, fn)
}

// ─── state machine internals (mailbox context only) ─────────────────────

func (r *Replicator) connect() {
	if r.stopping || r.suspended {
		return
	}
	r.status.update(func(s *Status) { s.Level = Connecting; s.WillRetry = false })
	dial := r.opts.Dial
	if dial == nil {
		dial = func() (blipws.Transport, error) {
			return blipws.Dial(r.opts.RemoteURL, nil, blipws.DefaultConnectTimeout)
		}
	}
	go func() {
		t, err := dial()
		r.mbox.Enqueue(func() { r.connected(t, err) })
	}()
}

func (r *Replicator) connected(t blipws.Transport, err error) {
	if r.stopping {
		if err == nil {
			t.Close(1000, "stopped")
		}
		return
	}
	if err != nil {
		r.handleError(err)
		return
	}
	r.attempts = 0
	r.retry.Reset()

	r.conn = blipws.NewConn(t,
		func() { // onWriteable
			if p := r.pusher; p != nil {
				p.resume()
			}
		},
		func(cause error) { // onClose
			r.mbox.Enqueue(func() { r.connClosed(cause) })
		})
	r.sess = newSession(r.conn, r.opts.Collections, r.opts.RemotePeer, r.opts.LocalPeerID)
	r.sess.blobs = r.opts.Blobs
	r.sess.onDocsEnded = r.opts.OnDocumentsEnded
	r.sess.register()
	r.conn.Start()
	r.status.update(func(s *Status) { s.Level = Idle })

	// Checkpoint exchange before any documents move.
	req := blipws.NewRequest(profileGetCheckpoint)
	req.SetProperty("client", r.ckpt.DocID())
	reply, _, serr := r.conn.SendRequest(req)
	if serr != nil {
		r.handleError(serr)
		return
	}
	go func() {
		resp, aerr := reply.Await(0)
		r.mbox.Enqueue(func() { r.gotRemoteCheckpoint(resp, aerr) })
	}()
}

func (r *Replicator) gotRemoteCheckpoint(resp *blipws.Message, err error) {
	if r.stopping || r.conn == nil {
		return
	}
	switch {
	case err == nil:
		var remote checkpoint.State
		if len(resp.Body) > 0 {
			if jerr := json.Unmarshal(resp.Body, &remote); jerr != nil {
				r.log.Warnw("undecodable remote checkpoint; restarting from scratch", "error", jerr)
			}
		}
		r.ckpt.SetRev(resp.Property("rev"))
		if !r.ckpt.ValidateWith(remote) {
			r.log.Infow("remote checkpoint mismatch; progress reset")
		}
	case liteerr.Is(err, liteerr.NotFound):
		// No checkpoint stored yet: a fresh replication.
	default:
		r.handleError(err)
		return
	}
	r.startSubActors()
}

func (r *Replicator) startSubActors() {
	r.subActors = 0
	r.quiescedSubs = 0
	coll := r.opts.Collections[0]

	if r.opts.Push {
		r.pusher = newPusher(r.sess, r.ckpt, coll, r.opts.Continuous)
		r.pusher.onQuiesce = func() { r.mbox.Enqueue(func() { r.subQuiesced() }) }
		r.pusher.onBusy = func() { r.mbox.Enqueue(r.subBusy) }
		r.pusher.onProgress = r.addProgress
		r.subActors++
	}
	if r.opts.Pull {
		r.puller = newPuller(r.sess, r.ckpt, r.opts.Continuous)
		r.puller.onQuiesce = func() { r.mbox.Enqueue(func() { r.subQuiesced() }) }
		r.puller.onBusy = func() { r.mbox.Enqueue(r.subBusy) }
		r.puller.onProgress = r.addProgress
		r.subActors++
	}
	r.status.update(func(s *Status) { s.Level = Busy })
	if r.pusher != nil {
		r.pusher.start()
	}
	if r.puller != nil {
		r.puller.start()
	}
}

func (r *Replicator) addProgress(units, docs uint64) {
	r.status.update(func(s *Status) {
		s.Progress.UnitsCompleted += units
		s.Progress.DocsCompleted += docs
	})
}

func (r *Replicator) subBusy() {
	if r.stopping || r.conn == nil {
		return
	}
	r.status.update(func(s *Status) { s.Level = Busy })
}

// subQuiesced counts caught-up sub-actors; when all are idle the replicator
// goes Idle, and a one-shot run finalizes its checkpoint and stops.
func (r *Replicator) subQuiesced() {
	if r.stopping || r.conn == nil {
		return
	}
	r.quiescedSubs++
	if r.quiescedSubs < r.subActors {
		return
	}
	r.quiescedSubs = 0 // re-arm for the next busy/idle cycle
	r.status.update(func(s *Status) { s.Level = Idle })
	if !r.opts.Continuous {
		r.finalizeCheckpoint()
	}
}

// finalizeCheckpoint persists local progress and pushes it to the peer's
// store, then shuts down cleanly (one-shot completion path).
func (r *Replicator) finalizeCheckpoint() {
	if err := r.ckpt.Save(); err != nil {
		r.log.Errorw("checkpoint save failed", "error", err)
	}
	st := r.ckpt.Snapshot()
	body, _ := json.Marshal(checkpoint.State{Local: st.Local, Remote: st.Remote})
	req := blipws.NewRequest(profileSetCheckpoint)
	req.SetProperty("client", r.ckpt.DocID())
	req.SetProperty("rev", r.ckpt.Rev())
	req.Body = body
	reply, _, err := r.conn.SendRequest(req)
	if err != nil {
		r.shutdown(nil)
		return
	}
	go func() {
		resp, aerr := reply.Await(0)
		r.mbox.Enqueue(func() {
			if aerr == nil {
				r.ckpt.SetRev(resp.Property("rev"))
				if err := r.ckpt.Save(); err != nil {
					r.log.Errorw("checkpoint save failed", "error", err)
				}
			} else {
				r.log.Warnw("setCheckpoint rejected", "error", aerr)
			}
			r.shutdown(nil)
		})
	}()
}

// handleError classifies a failure: transient/network →
// Offline with retry; fatal or one-shot exhaustion → Stopped with the error
// attached.
func (r *Replicator) handleError(err error) {
	r.disconnect()
	if liteerr.Fatal(err) || !liteerr.Transient(err) {
		r.log.Warnw("fatal replication error", "error", err)
		r.stopWithError(err)
		return
	}
	r.attempts++
	if !r.opts.Continuous && r.attempts > kMaxOneShotRetryCount {
		r.stopWithError(err)
		return
	}
	delay := r.retry.NextBackOff()
	reachable := r.status.get().HostReachable
	r.status.update(func(s *Status) {
		s.Level = Offline
		s.Err = err
		s.WillRetry = true
	})
	r.log.Infow("replication offline", "error", err, "retryIn", delay, "attempt", r.attempts)
	if reachable {
		r.retryTimer = r.mbox.EnqueueAfter(delay, func() {
			if r.status.get().Level == Offline && !r.suspended {
				r.connect()
			}
		})
	}
	// Unreachable hosts wait for SetHostReachable(true) instead of a timer.
}

func (r *Replicator) connClosed(cause error) {
	if r.stopping {
		r.status.update(func(s *Status) { s.Level = Stopped })
		return
	}
	if r.conn == nil {
		return
	}
	r.conn = nil
	r.stopSubActors()
	if cause == nil {
		r.stopWithError(nil)
		return
	}
	r.handleError(cause)
}

func (r *Replicator) stopSubActors() {
	if r.pusher != nil {
		r.pusher.stop()
		r.pusher = nil
	}
	if r.puller != nil {
		r.puller.stop()
		r.puller = nil
	}
}

func (r *Replicator) disconnect() {
	r.stopSubActors()
	if r.conn != nil {
		conn := r.conn
		r.conn = nil
		conn.Close(1000, "disconnecting")
	}
}

func (r *Replicator) cancelRetryTimer() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

func (r *Replicator) stopWithError(err error) {
	r.cancelRetryTimer()
	r.disconnect()
	r.ckpt.StopAutosave()
	if serr := r.ckpt.Save(); serr != nil {
		r.log.Errorw("final checkpoint save failed", "error", serr)
	}
	r.status.update(func(s *Status) {
		s.Level = Stopped
		s.Err = err
		s.WillRetry = false
	})
}

func (r *Replicator) shutdown(err error) {
	if r.stopping {
		return
	}
	r.stopping = true
	r.status.update(func(s *Status) { s.Level = Stopping })
	r.stopWithError(err)
	r.stopping = false
	r.status.update(func(s *Status) { s.Level = Stopped })
}
