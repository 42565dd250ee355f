package checkpoint

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"litecore/internal/liteerr"
	"litecore/internal/storage"
)

// PeerStore holds checkpoints other peers have stored here, keyed by the
// peer-provided ID in the peerCheckpoints keyspace. Updates use optimistic
// concurrency via a generation-"cc" rev token: a put with a mismatched token
// fails with Conflict without modifying storage. The "cc" suffix is an
// opaque tag with no meaning beyond marking a peer-checkpoint revision.
type PeerStore struct {
	mu     sync.Mutex
	engine storage.Engine
}

// NewPeerStore returns a PeerStore over engine's peerCheckpoints keyspace.
func NewPeerStore(engine storage.Engine) *PeerStore {
	return &PeerStore{engine: engine}
}

type peerRecord struct {
	Body json.RawMessage `json:"body"`
	Rev  string          `json:"rev"`
}

// Get returns the stored checkpoint body and its current rev token, or
// NotFound.
func (s *PeerStore) Get(clientID string) (body []byte, rev string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.engine.BeginTx()
	if err != nil {
		return nil, "", liteerr.Wrap(liteerr.IOError, err, "begin peer-checkpoint read")
	}
	defer tx.Abort()

	entry, ok, err := tx.Get(storage.KeyspacePeerCheckpoints, clientID)
	if err != nil {
		return nil, "", liteerr.Wrap(liteerr.IOError, err, "read peer checkpoint %q", clientID)
	}
	if !ok {
		return nil, "", liteerr.New(liteerr.NotFound, "no checkpoint stored for client %q", clientID)
	}
	var rec peerRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, "", liteerr.Wrap(liteerr.JSONParseError, err, "decode peer checkpoint %q", clientID)
	}
	return rec.Body, rec.Rev, nil
}

// Set stores body for clientID. ifRev must match the stored rev token (empty
// for a first write); on success the new token is returned.
func (s *PeerStore) Set(clientID, ifRev string, body []byte) (newRev string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.engine.BeginTx()
	if err != nil {
		return "", liteerr.Wrap(liteerr.IOError, err, "begin peer-checkpoint write")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Abort()
		}
	}()

	current := ""
	if entry, ok, err := tx.Get(storage.KeyspacePeerCheckpoints, clientID); err != nil {
		return "", liteerr.Wrap(liteerr.IOError, err, "read peer checkpoint %q", clientID)
	} else if ok {
		var rec peerRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return "", liteerr.Wrap(liteerr.JSONParseError, err, "decode peer checkpoint %q", clientID)
		}
		current = rec.Rev
	}
	if ifRev != current {
		return "", liteerr.New(liteerr.Conflict, "peer checkpoint %q rev mismatch: have %q, got %q", clientID, current, ifRev)
	}

	newRev = nextCCRev(current)
	data, err := json.Marshal(peerRecord{Body: body, Rev: newRev})
	if err != nil {
		return "", liteerr.Wrap(liteerr.Unknown, err, "encode peer checkpoint %q", clientID)
	}
	if err := tx.Put(storage.KeyspacePeerCheckpoints, clientID, data, nil); err != nil {
		return "", liteerr.Wrap(liteerr.IOError, err, "write peer checkpoint %q", clientID)
	}
	if err := tx.Commit(); err != nil {
		return "", liteerr.Wrap(liteerr.IOError, err, "commit peer checkpoint %q", clientID)
	}
	committed = true
	return newRev, nil
}

// nextCCRev increments a "<n>-cc" token; an empty or malformed token starts
// the sequence over at 1-cc.
func nextCCRev(rev string) string {
	gen := 0
	if dash := strings.IndexByte(rev, '-'); dash > 0 {
		if n, err := strconv.Atoi(rev[:dash]); err == nil {
			gen = n
		}
	}
	return fmt.Sprintf("%d-cc", gen+1)
}
