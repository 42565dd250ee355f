// Package revid is LiteCore's single authoritative parser/formatter/comparator
// for revision IDs, in both tree form (gen-hash) and version form
// (time@peer)
package revid

import (
	"encoding/hex"
	"strconv"
	"strings"

	"litecore/internal/liteerr"
	"litecore/internal/peer"
)

// Form distinguishes the two disjoint revision-ID shapes.
type Form int

const (
	// TreeForm is "<gen>-<hex-digest>", compared by (generation, digest).
	TreeForm Form = iota
	// VersionForm is "<hex-timestamp>@<hex-peerID>", compared via version vectors.
	VersionForm
)

// wellKnownPeer is the sentinel peer used when lifting a tree-form revID
// into version space for mixed comparisons.
const wellKnownPeer peer.ID = 0

// ID is a parsed revision identifier; exactly one of the tree or version
// fields is meaningful, selected by Form.
type ID struct {
	form Form

	// Tree form.
	gen    uint64
	digest []byte

	// Version form.
	timestamp uint64 // nanoseconds since epoch; 0 is never valid
	peerID    peer.ID
	local     bool // true if parsed from the local "*" abbreviation
}

// Relation is the outcome of comparing two revision IDs (or version vectors).
type Relation int

const (
	Same Relation = iota
	Older
	Newer
	Conflicting
)

func (r Relation) String() string {
	switch r {
	case Same:
		return "same"
	case Older:
		return "older"
	case Newer:
		return "newer"
	case Conflicting:
		return "conflicting"
	default:
		return "unknown"
	}
}

// Parse auto-detects tree vs. version form and validates it. parse-then-
// format-then-parse is the identity for every valid input.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, liteerr.New(liteerr.BadRevisionID, "empty revision ID")
	}
	if strings.ContainsRune(s, '@') {
		return parseVersion(s)
	}
	return parseTree(s)
}

func parseTree(s string) (ID, error) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 || dash == len(s)-1 {
		return ID{}, liteerr.New(liteerr.BadRevisionID, "malformed tree revision %q", s)
	}
	genStr, digestHex := s[:dash], s[dash+1:]
	// The generation field is decimal digits only on the wire; base-0
	// auto-detection would silently read a zero-padded "010" as octal.
	gen, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil || gen == 0 {
		return ID{}, liteerr.New(liteerr.BadRevisionID, "invalid generation in %q", s)
	}
	digest, err := hex.DecodeString(strings.ToLower(digestHex))
	if err != nil || len(digest) == 0 {
		return ID{}, liteerr.New(liteerr.BadRevisionID, "invalid digest in %q", s)
	}
	return ID{form: TreeForm, gen: gen, digest: digest}, nil
}

func parseVersion(s string) (ID, error) {
	at := strings.IndexByte(s, '@')
	tsHex, peerStr := s[:at], s[at+1:]
	if tsHex == "" || peerStr == "" {
		return ID{}, liteerr.New(liteerr.BadRevisionID, "malformed version revision %q", s)
	}
	ts, err := strconv.ParseUint(tsHex, 16, 64)
	if err != nil || ts == 0 {
		return ID{}, liteerr.New(liteerr.BadRevisionID, "invalid timestamp in %q", s)
	}
	if peerStr == "*" {
		return ID{form: VersionForm, timestamp: ts, peerID: peer.Me, local: true}, nil
	}
	pid, err := strconv.ParseUint(peerStr, 16, 64)
	if err != nil {
		return ID{}, liteerr.New(liteerr.BadRevisionID, "invalid peer ID in %q", s)
	}
	return ID{form: VersionForm, timestamp: ts, peerID: peer.ID(pid)}, nil
}

// String formats the revision ID in local-storage form (using "*" for the
// local peer abbreviation in version form).
func (id ID) String() string {
	switch id.form {
	case TreeForm:
		return strconv.FormatUint(id.gen, 10) + "-" + hex.EncodeToString(id.digest)
	default:
		ts := strconv.FormatUint(id.timestamp, 16)
		if id.local || id.peerID == peer.Me {
			return ts + "@*"
		}
		return ts + "@" + strconv.FormatUint(uint64(id.peerID), 16)
	}
}

// WireString formats the revision ID for transmission to a peer: the local
// "*" abbreviation must never cross the wire, so localID is
// substituted for the local peer when present.
func (id ID) WireString(localID peer.ID) string {
	if id.form == TreeForm {
		return id.String()
	}
	ts := strconv.FormatUint(id.timestamp, 16)
	p := id.peerID
	if id.local || p == peer.Me {
		p = localID
	}
	return ts + "@" + strconv.FormatUint(uint64(p), 16)
}

// Form reports which of the two shapes this ID has.
func (id ID) Form() Form { return id.form }

// IsValid reports whether this ID was populated by a successful Parse/New call.
func (id ID) IsValid() bool {
	if id.form == TreeForm {
		return id.gen > 0 && len(id.digest) > 0
	}
	return id.timestamp != 0
}

// Generation returns the tree-form generation counter. The second return
// value is false for version-form IDs, whose generation is undefined.
func (id ID) Generation() (uint64, bool) {
	if id.form != TreeForm {
		return 0, false
	}
	return id.gen, true
}

// Digest returns the tree-form digest bytes (nil for version form).
func (id ID) Digest() []byte {
	if id.form != TreeForm {
		return nil
	}
	return id.digest
}

// Timestamp returns the version-form timestamp (0 for tree form).
func (id ID) Timestamp() uint64 {
	if id.form != VersionForm {
		return 0
	}
	return id.timestamp
}

// PeerID returns the version-form peer ID (peer.Me for tree form, which is
// meaningless but harmless).
func (id ID) PeerID() peer.ID {
	if id.form != VersionForm {
		return peer.Me
	}
	return id.peerID
}

// NewTree constructs a tree-form revision ID directly, e.g. when minting a
// brand-new revision during Put.
func NewTree(gen uint64, digest []byte) ID {
	return ID{form: TreeForm, gen: gen, digest: digest}
}

// NewVersion constructs a version-form revision ID directly.
func NewVersion(timestamp uint64, p peer.ID) ID {
	return ID{form: VersionForm, timestamp: timestamp, peerID: p, local: p == peer.Me}
}

// liftTree converts a tree-form ID into its version-space equivalent for
// mixed comparisons: (gen<<40 | top40(digest)) @ wellKnownPeer.
func liftTree(id ID) (timestamp uint64, p peer.ID) {
	var top40 uint64
	n := len(id.digest)
	if n > 5 {
		n = 5
	}
	for i := 0; i < n; i++ {
		top40 = top40<<8 | uint64(id.digest[i])
	}
	top40 <<= uint(8 * (5 - n))
	top40 &= 0xFFFFFFFFFF // mask to 40 bits
	return (id.gen << 40) | top40, wellKnownPeer
}

// Compare relates two revision IDs: tree-vs-tree uses (gen, digest),
// version-vs-version uses the (peer, timestamp) ordering of the head
// entries, and mixed forms compare via the tree-to-version lift. The
// relation is antisymmetric.
func Compare(a, b ID) Relation {
	aTS, aPeer, aForm := normalize(a)
	bTS, bPeer, bForm := normalize(b)

	if aForm == TreeForm && bForm == TreeForm {
		if a.gen != b.gen {
			if a.gen > b.gen {
				return Newer
			}
			return Older
		}
		return compareDigest(a.digest, b.digest)
	}

	if aPeer != bPeer {
		// No causal information between two different peers' single head
		// entries without the full vector; a genuine conflict.
		return Conflicting
	}
	switch {
	case aTS == bTS:
		return Same
	case aTS > bTS:
		return Newer
	default:
		return Older
	}
}

func normalize(id ID) (timestamp uint64, p peer.ID, form Form) {
	if id.form == TreeForm {
		ts, pr := liftTree(id)
		return ts, pr, TreeForm
	}
	return id.timestamp, id.peerID, VersionForm
}

func compareDigest(a, b []byte) Relation {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return Newer
			}
			return Older
		}
	}
	switch {
	case len(a) == len(b):
		return Same
	case len(a) > len(b):
		return Newer
	default:
		return Older
	}
}

// Equal reports whether a and b compare Same.
func Equal(a, b ID) bool { return Compare(a, b) == Same }

// Less reports a canonical bytewise-digest ordering used for the "current
// leaf" winner rule.
func Less(a, b ID) bool {
	if a.form == TreeForm && b.form == TreeForm {
		if a.gen != b.gen {
			return a.gen < b.gen
		}
		return compareDigest(a.digest, b.digest) == Older
	}
	return a.String() < b.String()
}
