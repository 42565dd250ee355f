package replicator

import (
	"testing"
	"time"

	"litecore/internal/blipws"
	"litecore/internal/checkpoint"
	"litecore/internal/docstore"
	"litecore/internal/liteerr"
	"litecore/internal/peer"
	"litecore/internal/storage"
)

// TestRetryBackoffSchedule: the delay before attempt K+1 after K transient
// failures is min(2^K, 600) seconds, and a reset restarts the schedule.
func TestRetryBackoffSchedule(t *testing.T) {
	b := newRetryBackoff()
	want := []time.Duration{2, 4, 8, 16, 32, 64, 128, 256, 512}
	for k, w := range want {
		got := b.NextBackOff()
		if got != w*time.Second && got != kMaxRetryInterval {
			t.Fatalf("delay after %d failures = %v, want %v", k+1, got, w*time.Second)
		}
	}
	// 2^10 = 1024 > 600: the cap takes over.
	if got := b.NextBackOff(); got != kMaxRetryInterval {
		t.Fatalf("capped delay = %v, want %v", got, kMaxRetryInterval)
	}
	b.Reset()
	if got := b.NextBackOff(); got != 2*time.Second {
		t.Fatalf("delay after reset = %v, want 2s", got)
	}
}

func awaitLevel(t *testing.T, r *Replicator, level ActivityLevel) Status {
	t.Helper()
	// Start only enqueues connect and the status begins at Stopped; let the
	// mailbox run everything queued so far so that initial level is not
	// taken for the end of the run.
	barrier := make(chan struct{})
	r.mbox.Enqueue(func() { close(barrier) })
	<-barrier
	deadline := time.After(5 * time.Second)
	for {
		st := r.Status()
		if st.Level == level {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("replicator stuck at %v, want %v (err=%v)", st.Level, level, st.Err)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestAuthFailureIsFatal: a 401-refused upgrade
// stops the replicator outright, with the WebSocket-domain error attached
// and willRetry false.
func TestAuthFailureIsFatal(t *testing.T) {
	eng, _ := storage.OpenMemEngine("")
	coll := docstore.Open(eng, "_default", "_default")
	r, err := New(Options{
		RemoteURL: "wss://server.example/db", Continuous: true, Push: true,
		Collections: []*docstore.Collection{coll},
		Engine:      eng, Identity: peer.NewIdentity(),
		Dial: func() (blipws.Transport, error) {
			return nil, liteerr.WSClosed(401, `WWW-Authenticate: Basic realm="x"`)
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r.Start()
	st := awaitLevel(t, r, Stopped)
	if st.WillRetry {
		t.Fatalf("willRetry = true for an auth failure")
	}
	e, ok := liteerr.AsError(st.Err)
	if !ok || e.WSStatus != 401 {
		t.Fatalf("status error = %v, want WebSocket 401", st.Err)
	}
}

// testPeerPair wires an active replicator to an in-process passive side
// over a blipws pipe.
func testPeerPair(t *testing.T, activeColl *docstore.Collection, activeEng storage.Engine,
	passiveColl *docstore.Collection, passiveEng storage.Engine, push, pull bool) *Replicator {
	t.Helper()

	dial := func() (blipws.Transport, error) {
		clientEnd, serverEnd := blipws.Pipe()
		serverConn := blipws.NewConn(serverEnd, nil, nil)
		ServePassive(serverConn, PassiveOptions{
			Collections: []*docstore.Collection{passiveColl},
			PeerStore:   checkpoint.NewPeerStore(passiveEng),
			LocalPeerID: peer.New(),
			RemotePeer:  peer.New(),
		})
		return clientEnd, nil
	}

	r, err := New(Options{
		RemoteURL: "ws://passive.local/db", Push: push, Pull: pull,
		Collections: []*docstore.Collection{activeColl},
		Engine:      activeEng, Identity: peer.NewIdentity(),
		LocalPeerID: peer.New(), RemotePeer: peer.New(),
		Dial: dial,
	})
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	return r
}

// TestOneShotPush: push documents, expect the
// passive side to have them and the pending set to drain.
func TestOneShotPush(t *testing.T) {
	activeEng, _ := storage.OpenMemEngine("")
	passiveEng, _ := storage.OpenMemEngine("")
	activeColl := docstore.Open(activeEng, "_default", "_default")
	passiveColl := docstore.Open(passiveEng, "_default", "_default")

	docIDs := []string{"p1", "p2", "p3"}
	for _, id := range docIDs {
		if _, err := activeColl.Put(docstore.PutRequest{DocID: id, Body: []byte(`{"v":1}`)}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	r := testPeerPair(t, activeColl, activeEng, passiveColl, passiveEng, true, false)
	r.Start()
	awaitLevel(t, r, Stopped)

	for _, id := range docIDs {
		doc, err := passiveColl.Get(id, docstore.CurrentRevBody)
		if err != nil {
			t.Fatalf("passive missing %s: %v", id, err)
		}
		if string(doc.Body) != `{"v":1}` {
			t.Fatalf("passive %s body = %s", id, doc.Body)
		}
	}

	var pending []string
	if err := r.PendingDocumentIDs(activeColl, func(docID string, _ uint64) {
		pending = append(pending, docID)
	}); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after push = %v, want empty", pending)
	}
	for _, id := range docIDs {
		if p, _ := r.IsDocumentPending(activeColl, id); p {
			t.Fatalf("%s still pending after push", id)
		}
	}

	// Mutate some docs: exactly those become pending again.
	for _, id := range []string{"p1", "p3"} {
		if _, err := activeColl.Put(docstore.PutRequest{DocID: id, Body: []byte(`{"v":2}`)}); err != nil {
			t.Fatalf("mutate %s: %v", id, err)
		}
	}
	pending = nil
	r.PendingDocumentIDs(activeColl, func(docID string, _ uint64) { pending = append(pending, docID) })
	if len(pending) != 2 {
		t.Fatalf("pending after mutation = %v, want p1,p3", pending)
	}
}

// TestOneShotPull verifies documents flow passive→active and the pull
// cursor advances.
func TestOneShotPull(t *testing.T) {
	activeEng, _ := storage.OpenMemEngine("")
	passiveEng, _ := storage.OpenMemEngine("")
	activeColl := docstore.Open(activeEng, "_default", "_default")
	passiveColl := docstore.Open(passiveEng, "_default", "_default")

	for _, id := range []string{"q1", "q2"} {
		if _, err := passiveColl.Put(docstore.PutRequest{DocID: id, Body: []byte(`{"w":9}`)}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	r := testPeerPair(t, activeColl, activeEng, passiveColl, passiveEng, false, true)
	r.Start()
	awaitLevel(t, r, Stopped)

	for _, id := range []string{"q1", "q2"} {
		if _, err := activeColl.Get(id, docstore.CurrentRevBody); err != nil {
			t.Fatalf("active missing %s: %v", id, err)
		}
	}
	if r.Checkpointer().RemoteMinSequence() == "" {
		t.Fatalf("pull cursor never advanced")
	}
}

// TestCheckpointSurvivesRestart: a second one-shot
// push with the same identity resolves the same checkpoint and resends
// nothing.
func TestCheckpointSurvivesRestart(t *testing.T) {
	activeEng, _ := storage.OpenMemEngine("")
	passiveEng, _ := storage.OpenMemEngine("")
	activeColl := docstore.Open(activeEng, "_default", "_default")
	passiveColl := docstore.Open(passiveEng, "_default", "_default")
	identity := peer.NewIdentity()

	var sent1, sent2 int
	run := func(counter *int) {
		dial := func() (blipws.Transport, error) {
			clientEnd, serverEnd := blipws.Pipe()
			serverConn := blipws.NewConn(serverEnd, nil, nil)
			ServePassive(serverConn, PassiveOptions{
				Collections: []*docstore.Collection{passiveColl},
				PeerStore:   checkpoint.NewPeerStore(passiveEng),
				LocalPeerID: peer.New(), RemotePeer: peer.New(),
			})
			return clientEnd, nil
		}
		r, err := New(Options{
			RemoteURL: "ws://peer/db", Push: true,
			Collections: []*docstore.Collection{activeColl},
			Engine:      activeEng, Identity: identity,
			LocalPeerID: peer.New(), RemotePeer: peer.ID(99),
			Dial: dial,
			OnDocumentsEnded: func(ended []DocumentEnded) {
				for _, d := range ended {
					if d.Err == nil && d.Direction == Push {
						*counter++
					}
				}
			},
		})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		r.Start()
		awaitLevel(t, r, Stopped)
	}

	if _, err := activeColl.Put(docstore.PutRequest{DocID: "s6", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	run(&sent1)
	if sent1 != 1 {
		t.Fatalf("first run pushed %d docs, want 1", sent1)
	}
	run(&sent2)
	if sent2 != 0 {
		t.Fatalf("second run resent %d docs, want 0", sent2)
	}
}

// TestProveAttachment checks the HMAC proof round-trips.
func TestProveAttachment(t *testing.T) {
	nonce := []byte("nonce-bytes")
	blob := []byte("blob-content")
	p1 := ProveAttachment(nonce, blob)
	p2 := ProveAttachment(nonce, blob)
	if p1 != p2 || p1 == "" {
		t.Fatalf("proof not deterministic: %q vs %q", p1, p2)
	}
	if ProveAttachment([]byte("other"), blob) == p1 {
		t.Fatalf("proof ignores nonce")
	}
}
