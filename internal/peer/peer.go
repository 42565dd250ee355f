// Package peer implements the Peer identifier data model:
// an opaque 64-bit value (with a well-known zero meaning "this local peer"),
// plus the durable database's public/private UUID pair used to derive
// per-remote checkpoint identity.
package peer

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

// ID is an opaque 64-bit peer identifier. Me is the well-known local peer.
type ID uint64

// Me is kMePeerID: the local peer stored inside the
// database. It is never transmitted — callers must substitute the real
// public peer ID before a value crosses the network.
const Me ID = 0

// IsLocal reports whether id is the well-known local-peer value.
func (id ID) IsLocal() bool { return id == Me }

// New derives a random non-zero peer ID, e.g. when a passive replicator
// first associates an identifier with an incoming remote.
func New() ID {
	var buf [8]byte
	for {
		_, _ = rand.Read(buf[:])
		id := ID(binary.BigEndian.Uint64(buf[:]))
		if id != Me {
			return id
		}
	}
}

// Identity holds a database's durable public/private UUID pair; the private
// UUID seeds per-remote checkpoint identity and never leaves the process.
type Identity struct {
	Public  uuid.UUID
	Private uuid.UUID
}

// NewIdentity generates a fresh public/private UUID pair for a newly created
// database.
func NewIdentity() Identity {
	return Identity{Public: uuid.New(), Private: uuid.New()}
}
