// Package docstore implements the Collection Store: a
// transactional map from docID to document, holding current and historical
// revisions, enforcing docID validity, and assigning sequence numbers.
package docstore

import (
	"unicode/utf8"

	"litecore/internal/liteerr"
	"litecore/internal/peer"
	"litecore/internal/revid"
)

// Flags is the Document-level flag bitmask.
type Flags uint8

const (
	FlagDeleted Flags = 1 << iota
	FlagConflicted
	FlagHasAttachments
	FlagExists
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ContentLevel controls how much of a document Get loads.
type ContentLevel int

const (
	MetadataOnly ContentLevel = iota
	CurrentRevBody
	AllRevsAndBodies
)

// Document is one docID's full record: its revision tree plus flags, the
// current revision, the body, and the per-remote ancestor pointers.
type Document struct {
	DocID        string
	Sequence     uint64
	Flags        Flags
	CurrentRevID revid.ID
	Body         []byte
	Ancestors    map[peer.ID]revid.ID // per-remote "ancestor" pointers
	Tree         *RevTree
}

// MaxDocIDLen bounds a docID in bytes.
const MaxDocIDLen = 240

// ValidateDocID enforces the docID rules: 1-240 bytes, valid UTF-8, no
// control characters, first byte not '_'.
func ValidateDocID(docID string) error {
	if len(docID) == 0 || len(docID) > MaxDocIDLen {
		return liteerr.New(liteerr.BadDocID, "docID length %d out of range [1,%d]", len(docID), MaxDocIDLen)
	}
	if !utf8.ValidString(docID) {
		return liteerr.New(liteerr.BadDocID, "docID is not valid UTF-8")
	}
	for _, r := range docID {
		if r < 0x20 || r == 0x7f {
			return liteerr.New(liteerr.BadDocID, "docID contains a control character")
		}
	}
	if docID[0] == '_' {
		return liteerr.New(liteerr.BadDocID, "docID may not begin with '_'")
	}
	return nil
}

// CurrentRevision returns the current leaf Revision, or false if the
// document has no revisions (shouldn't happen for an Exists document).
func (d *Document) CurrentRevision() (RevNode, bool) {
	if d.Tree == nil {
		return RevNode{}, false
	}
	idx := d.Tree.CurrentIndex()
	if idx < 0 {
		return RevNode{}, false
	}
	return d.Tree.nodes[idx], true
}

// Generation returns the current revision's tree-form generation, or 0 if
// the current revision is version-form (generation is undefined there).
func (d *Document) Generation() uint64 {
	gen, ok := d.CurrentRevID.Generation()
	if !ok {
		return 0
	}
	return gen
}

// HistoryString formats the current leaf's ancestry as a comma-joined
// string via revid.History.
func (d *Document) HistoryString(maxCount int, backTo []revid.ID) string {
	if d.Tree == nil {
		return ""
	}
	idx := d.Tree.CurrentIndex()
	if idx < 0 {
		return ""
	}
	chain := d.Tree.ChainIDs(idx)
	return revid.History(chain, maxCount, backTo)
}
