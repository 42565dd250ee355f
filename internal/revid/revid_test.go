package revid

import (
	"testing"

	"litecore/internal/peer"
)

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []string{
		"1-abc123",
		"2-def456",
		"100-0a0b0c0d",
		"1a2b@3c4d",
		"1a2b@*",
	}
	for _, s := range cases {
		id, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := id.String(); got != s {
			t.Errorf("Parse(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"0-abc",
		"abc",
		"1-",
		"-abc",
		"0x10-abc", // generation is decimal only, no hex prefix
		"0@dead",
		"@dead",
		"dead@",
	}
	for _, s := range cases {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

// TestParseLeadingZeroGeneration: a zero-padded generation is still decimal.
// "010" must read as 10, never octal 8.
func TestParseLeadingZeroGeneration(t *testing.T) {
	id, err := Parse("010-aa")
	if err != nil {
		t.Fatalf("Parse(010-aa): %v", err)
	}
	gen, ok := id.Generation()
	if !ok || gen != 10 {
		t.Fatalf("generation = %d,%v want 10,true", gen, ok)
	}
	// Formatting canonicalizes the padding away.
	if got := id.String(); got != "10-aa" {
		t.Fatalf("String() = %q, want 10-aa", got)
	}
}

func TestCompareTreeGeneration(t *testing.T) {
	a := NewTree(1, []byte{0xab})
	b := NewTree(2, []byte{0x01})
	if got := Compare(b, a); got != Newer {
		t.Errorf("Compare(gen2, gen1) = %v, want Newer", got)
	}
	if got := Compare(a, b); got != Older {
		t.Errorf("Compare(gen1, gen2) = %v, want Older", got)
	}
}

func TestCompareTreeDigestTiebreak(t *testing.T) {
	a := NewTree(2, []byte{0xaa})
	b := NewTree(2, []byte{0xbb})
	if got := Compare(b, a); got != Newer {
		t.Errorf("Compare(bb, aa) = %v, want Newer", got)
	}
	if got := Compare(a, a); got != Same {
		t.Errorf("Compare(aa, aa) = %v, want Same", got)
	}
}

func TestCompareAntisymmetric(t *testing.T) {
	pairs := [][2]ID{
		{NewTree(1, []byte{1}), NewTree(2, []byte{1})},
		{NewTree(2, []byte{1}), NewTree(2, []byte{1})},
		{NewVersion(10, peer.ID(1)), NewVersion(20, peer.ID(1))},
		{NewVersion(10, peer.ID(1)), NewVersion(10, peer.ID(2))},
	}
	for _, p := range pairs {
		fwd := Compare(p[0], p[1])
		rev := Compare(p[1], p[0])
		switch fwd {
		case Newer:
			if rev != Older {
				t.Errorf("Compare forward=Newer but reverse=%v, want Older", rev)
			}
		case Older:
			if rev != Newer {
				t.Errorf("Compare forward=Older but reverse=%v, want Newer", rev)
			}
		case Same:
			if rev != Same {
				t.Errorf("Compare forward=Same but reverse=%v, want Same", rev)
			}
		case Conflicting:
			if rev != Conflicting {
				t.Errorf("Compare forward=Conflicting but reverse=%v, want Conflicting", rev)
			}
		}
	}
}

func TestVectorCompare(t *testing.T) {
	v1 := NewVector()
	v1.Put(peer.ID(1), 5)

	v2 := NewVector()
	v2.Put(peer.ID(2), 3)

	if got := v1.Compare(v2); got != Conflicting {
		t.Errorf("disjoint vectors compare = %v, want Conflicting", got)
	}

	v3 := v1.Copy()
	v3.Put(peer.ID(1), 10)
	if got := v3.Compare(v1); got != Newer {
		t.Errorf("advanced vector compare = %v, want Newer", got)
	}
	if got := v1.Compare(v3); got != Older {
		t.Errorf("stale vector compare = %v, want Older", got)
	}
	if got := v1.Compare(v1.Copy()); got != Same {
		t.Errorf("identical vector compare = %v, want Same", got)
	}
}

func TestHistoryTruncation(t *testing.T) {
	chain := []ID{
		NewTree(3, []byte{3}),
		NewTree(2, []byte{2}),
		NewTree(1, []byte{1}),
	}
	if got, want := History(chain, 0, nil), "3-03,2-02,1-01"; got != want {
		t.Errorf("History() = %q, want %q", got, want)
	}
	if got, want := History(chain, 2, nil), "3-03,2-02"; got != want {
		t.Errorf("History(max=2) = %q, want %q", got, want)
	}
	backTo := []ID{NewTree(2, []byte{2})}
	if got, want := History(chain, 0, backTo), "3-03,2-02"; got != want {
		t.Errorf("History(backTo=2-02) = %q, want %q", got, want)
	}
}
