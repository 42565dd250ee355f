package revid

import "strings"

// History renders a revision ancestry string:
// chain is the revision ID path from the current leaf upward to the root,
// already in reverse chronological order. The result is truncated at the
// first occurrence of any element of backTo, or at maxCount, whichever
// comes first; if truncated by backTo, the matching element is included.
func History(chain []ID, maxCount int, backTo []ID) string {
	if maxCount <= 0 {
		maxCount = len(chain)
	}
	out := make([]string, 0, len(chain))
	for i, id := range chain {
		out = append(out, id.String())
		if i+1 >= maxCount {
			break
		}
		if matchesAny(id, backTo) {
			break
		}
	}
	return strings.Join(out, ",")
}

func matchesAny(id ID, set []ID) bool {
	for _, s := range set {
		if Equal(id, s) {
			return true
		}
	}
	return false
}
