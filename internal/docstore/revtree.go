package docstore

import "litecore/internal/revid"

// RevFlags is the per-Revision flag bitmask.
type RevFlags uint8

const (
	RevDeleted RevFlags = 1 << iota
	RevLeaf
	RevNew
	RevHasAttachments
	RevKeepBody
	RevIsConflict
	RevClosed // pins a resolved conflict branch's tombstone out of the sync flow
)

func (f RevFlags) Has(bit RevFlags) bool { return f&bit != 0 }

// RevNode is one node in a document's revision tree.
type RevNode struct {
	ID          revid.ID
	ParentIndex int // -1 for the root
	Body        []byte
	Flags       RevFlags
}

// RevTree is the DAG (in practice a tree, since every revision has at most
// one parent) of a document's revisions.
type RevTree struct {
	nodes []RevNode
}

// NewRevTree returns an empty tree.
func NewRevTree() *RevTree { return &RevTree{} }

// Nodes exposes the tree's nodes, read-only by convention.
func (t *RevTree) Nodes() []RevNode { return t.nodes }

// IndexOf returns the index of id in the tree, or -1.
func (t *RevTree) IndexOf(id revid.ID) int {
	for i, n := range t.nodes {
		if revid.Equal(n.ID, id) {
			return i
		}
	}
	return -1
}

// Add appends a new node with the given parent index (-1 for a root) and
// returns its index, recomputing leaf flags along the way.
func (t *RevTree) Add(id revid.ID, parentIndex int, body []byte, flags RevFlags) int {
	if parentIndex >= 0 && parentIndex < len(t.nodes) {
		t.nodes[parentIndex].Flags &^= RevLeaf
	}
	t.nodes = append(t.nodes, RevNode{ID: id, ParentIndex: parentIndex, Body: body, Flags: flags | RevLeaf})
	return len(t.nodes) - 1
}

// Leaves returns the indices of every leaf node (excluding closed branches'
// tombstones from a sync perspective is the caller's job; this is the raw
// tree leaf set).
func (t *RevTree) Leaves() []int {
	var leaves []int
	for i, n := range t.nodes {
		if n.Flags.Has(RevLeaf) {
			leaves = append(leaves, i)
		}
	}
	return leaves
}

// Ancestors returns the indices from idx up to the root, idx first.
func (t *RevTree) Ancestors(idx int) []int {
	var chain []int
	for idx >= 0 {
		chain = append(chain, idx)
		idx = t.nodes[idx].ParentIndex
	}
	return chain
}

// ChainIDs returns the revision IDs from idx up to the root, most-recent
// first, for use with revid.History.
func (t *RevTree) ChainIDs(idx int) []revid.ID {
	idxs := t.Ancestors(idx)
	ids := make([]revid.ID, len(idxs))
	for i, x := range idxs {
		ids[i] = t.nodes[x].ID
	}
	return ids
}

// IsDescendant reports whether idx's chain passes through ancestorIdx.
func (t *RevTree) IsDescendant(idx, ancestorIdx int) bool {
	for idx >= 0 {
		if idx == ancestorIdx {
			return true
		}
		idx = t.nodes[idx].ParentIndex
	}
	return false
}

// CurrentIndex applies the winner rule across the syncable leaf set
// (leaves with RevClosed excluded): non-deleted over deleted, then higher
// generation, then lexicographically larger revID. Returns -1 for an empty
// tree.
func (t *RevTree) CurrentIndex() int {
	best := -1
	for _, i := range t.Leaves() {
		n := t.nodes[i]
		if n.Flags.Has(RevClosed) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		if winsOver(n, t.nodes[best]) {
			best = i
		}
	}
	if best < 0 {
		// Every leaf is closed (e.g. a fully-resolved conflict); fall back
		// to the plain leaf set so the document still resolves to something.
		for _, i := range t.Leaves() {
			if best < 0 || winsOver(t.nodes[i], t.nodes[best]) {
				best = i
			}
		}
	}
	return best
}

func winsOver(a, b RevNode) bool {
	aDel, bDel := a.Flags.Has(RevDeleted), b.Flags.Has(RevDeleted)
	if aDel != bDel {
		return !aDel // non-deleted wins over deleted
	}
	aGen, _ := a.ID.Generation()
	bGen, _ := b.ID.Generation()
	if aGen != bGen {
		return aGen > bGen
	}
	return !revid.Less(a.ID, b.ID) && !revid.Equal(a.ID, b.ID)
}

// IsConflicted reports whether more than one syncable leaf exists.
func (t *RevTree) IsConflicted() bool {
	n := 0
	for _, i := range t.Leaves() {
		if !t.nodes[i].Flags.Has(RevClosed) {
			n++
		}
	}
	return n > 1
}

// PruneBodies discards bodies from non-current, non-keep-body revisions
// beyond maxDepth from the current leaf ("A revision's body
// may be pruned ... unless the keep-body flag is set").
func (t *RevTree) PruneBodies(currentIdx, maxDepth int) {
	keep := make(map[int]bool)
	depth := 0
	for idx := currentIdx; idx >= 0 && depth <= maxDepth; idx, depth = t.nodes[idx].ParentIndex, depth+1 {
		keep[idx] = true
	}
	for i := range t.nodes {
		if keep[i] || t.nodes[i].Flags.Has(RevKeepBody) {
			continue
		}
		t.nodes[i].Body = nil
	}
}
