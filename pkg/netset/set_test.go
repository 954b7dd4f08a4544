package netset

import (
	"math/rand"
	"net/netip"
	"testing"
)

func mustPrefixes(t *testing.T, cidrs ...string) []netip.Prefix {
	t.Helper()
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			t.Fatalf("bad test prefix %q: %v", c, err)
		}
		out[i] = p
	}
	return out
}

func assertMembers(t *testing.T, s Set, want ...string) {
	t.Helper()
	got := s.Prefixes()
	if len(got) != len(want) {
		t.Fatalf("got %d members %v, want %d %v", len(got), got, len(want), want)
	}
	for i, w := range want {
		if got[i].String() != w {
			t.Errorf("member %d = %s, want %s", i, got[i], w)
		}
	}
}

func TestNormalizeMergesSiblings(t *testing.T) {
	s := New(mustPrefixes(t,
		"192.0.2.0/25",
		"192.0.2.128/25",
	)...)
	assertMembers(t, s, "192.0.2.0/24")
}

func TestNormalizeAbsorbsContained(t *testing.T) {
	s := New(mustPrefixes(t,
		"10.0.0.0/8",
		"10.1.2.0/24",
		"10.200.0.0/16",
	)...)
	assertMembers(t, s, "10.0.0.0/8")
}

func TestNormalizeCascades(t *testing.T) {
	// Four adjacent aligned /26s collapse all the way to the /24.
	s := New(mustPrefixes(t,
		"198.51.100.192/26",
		"198.51.100.0/26",
		"198.51.100.128/26",
		"198.51.100.64/26",
	)...)
	assertMembers(t, s, "198.51.100.0/24")
}

func TestNormalizeKeepsUnalignedNeighbors(t *testing.T) {
	// Adjacent but not siblings: 0.64/26 and 0.128/26 share no parent.
	s := New(mustPrefixes(t,
		"198.51.100.64/26",
		"198.51.100.128/26",
	)...)
	assertMembers(t, s, "198.51.100.64/26", "198.51.100.128/26")
}

func TestNormalizeOrderIndependent(t *testing.T) {
	base := mustPrefixes(t,
		"10.0.0.0/13", "146.75.195.0/31", "146.75.195.2/31", "146.75.195.4/31",
		"2a04:4e41:2f::/64", "2a04:4e41:2f:1::/64", "fd00::/16",
		"192.0.2.0/25", "192.0.2.128/25", "10.4.0.0/15",
	)
	want := New(base...)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]netip.Prefix(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		if got := New(shuffled...); !got.Equal(want) {
			t.Fatalf("normalize depends on input order: %v != %v", got, want)
		}
	}
}

func TestSubtractSplitsAtBitBoundaries(t *testing.T) {
	owned := New(mustPrefixes(t, "203.0.113.0/24")...)
	blocked := New(mustPrefixes(t, "203.0.113.128/25")...)
	assertMembers(t, owned.Subtract(blocked), "203.0.113.0/25")
}

func TestSubtractInteriorRange(t *testing.T) {
	owned := New(mustPrefixes(t, "203.0.113.0/24")...)
	blocked := New(mustPrefixes(t, "203.0.113.64/26")...)
	assertMembers(t, owned.Subtract(blocked),
		"203.0.113.0/26", "203.0.113.128/25")
}

func TestSubtractWholeAndDisjoint(t *testing.T) {
	owned := New(mustPrefixes(t, "198.51.100.0/24", "203.0.113.0/24")...)
	blocked := New(mustPrefixes(t, "198.51.100.0/23", "192.0.2.0/24")...)
	assertMembers(t, owned.Subtract(blocked), "203.0.113.0/24")
}

func TestSubtractIPv6(t *testing.T) {
	owned := New(mustPrefixes(t, "2001:db8::/32")...)
	blocked := New(mustPrefixes(t, "2001:db8:8000::/33")...)
	assertMembers(t, owned.Subtract(blocked), "2001:db8::/33")
}

func TestSubtractNeverIntersectsSubtrahend(t *testing.T) {
	a := New(mustPrefixes(t,
		"10.0.0.0/8", "172.16.0.0/12", "2001:db8::/32")...)
	b := New(mustPrefixes(t,
		"10.1.0.0/16", "10.2.3.0/24", "172.16.5.0/24", "2001:db8:dead::/48")...)
	diff := a.Subtract(b)
	if !diff.Intersect(b).IsEmpty() {
		t.Fatalf("subtract result intersects subtrahend: %v", diff.Intersect(b))
	}
}

func TestSubtractConservation(t *testing.T) {
	// union(A-B, A∩B) == normalize(A): subtraction partitions, never loses.
	a := New(mustPrefixes(t,
		"10.0.0.0/8", "198.51.100.0/24", "2a04:4e41:2f::/60")...)
	b := New(mustPrefixes(t,
		"10.128.0.0/9", "10.0.1.0/24", "198.51.100.128/26", "2a04:4e41:2f:4::/62")...)
	rebuilt := a.Subtract(b).Union(a.Intersect(b))
	if !rebuilt.Equal(a) {
		t.Fatalf("conservation violated: %v != %v", rebuilt, a)
	}
}

func TestFamiliesNeverMix(t *testing.T) {
	v4 := New(mustPrefixes(t, "10.0.0.0/8")...)
	v6 := New(mustPrefixes(t, "2001:db8::/32")...)
	if !v4.Subtract(v6).Equal(v4) {
		t.Error("IPv6 subtrahend altered an IPv4 set")
	}
	if !v4.Intersect(v6).IsEmpty() {
		t.Error("cross-family intersection is non-empty")
	}
}

func TestContains(t *testing.T) {
	s := New(mustPrefixes(t, "10.0.0.0/8", "198.51.100.0/24", "2001:db8::/32")...)
	cases := []struct {
		prefix string
		want   bool
	}{
		{"10.20.0.0/16", true},
		{"10.0.0.0/8", true},
		{"10.0.0.0/7", false},
		{"198.51.100.128/25", true},
		{"198.51.101.0/24", false},
		{"2001:db8:ffff::/48", true},
		{"2001:db9::/32", false},
	}
	for _, tc := range cases {
		p := netip.MustParsePrefix(tc.prefix)
		if got := s.Contains(p); got != tc.want {
			t.Errorf("Contains(%s) = %v, want %v", tc.prefix, got, tc.want)
		}
	}
	if !s.ContainsAddr(netip.MustParseAddr("10.1.2.3")) {
		t.Error("ContainsAddr(10.1.2.3) = false")
	}
	if s.ContainsAddr(netip.MustParseAddr("11.0.0.1")) {
		t.Error("ContainsAddr(11.0.0.1) = true")
	}
}

func TestCoverReturnsOwningMember(t *testing.T) {
	s := New(mustPrefixes(t, "10.0.0.0/8", "198.51.100.0/24")...)
	m, ok := s.Cover(netip.MustParsePrefix("10.5.0.0/16"))
	if !ok || m.String() != "10.0.0.0/8" {
		t.Fatalf("Cover = %v, %v; want 10.0.0.0/8", m, ok)
	}
	if _, ok := s.Cover(netip.MustParsePrefix("192.0.2.0/24")); ok {
		t.Error("Cover matched a non-member range")
	}
}

// Mirrors the production data this engine is built for: scattered /31s and
// /64s merge into covering ranges, then chunk to the widest range a single
// restriction may span (IPv4 /16, IPv6 /19).
func TestChunkToBlockableRanges(t *testing.T) {
	var in []string
	for i := 0; i <= 32; i += 2 {
		in = append(in, netip.AddrFrom4([4]byte{146, 75, 195, byte(i)}).String()+"/31")
	}
	s := New(append(mustPrefixes(t, in...), mustPrefixes(t,
		"2a04:4e41:2f::/64", "2a04:4e41:2f:1::/64", "2a04:4e41:2f:2::/64",
		"2a04:4e41:2f:3::/64", "2a04:4e41:2f:4::/64", "2a04:4e41:2f:5::/64",
		"2a04:4e41:2f:6::/64", "2a04:4e41:2f:7::/64", "2a04:4e41:2f:8::/64",
		"2a04:4e41:2f:9::/64", "2a04:4e41:2f:a::/64", "2a04:4e41:2f:b::/64",
		"2a04:4e41:2f:c::/64", "2a04:4e41:2f:d::/64", "2a04:4e41:2f:e::/64",
		"2a04:4e41:2f:f::/64",
		"10.0.0.0/13", "fd00::/16",
	)...)...)

	got := s.Chunk(16, 19)
	want := []string{
		"10.0.0.0/16", "10.1.0.0/16", "10.2.0.0/16", "10.3.0.0/16",
		"10.4.0.0/16", "10.5.0.0/16", "10.6.0.0/16", "10.7.0.0/16",
		"146.75.195.0/27", "146.75.195.32/31",
		"2a04:4e41:2f::/60",
		"fd00::/19", "fd00:2000::/19", "fd00:4000::/19", "fd00:6000::/19",
		"fd00:8000::/19", "fd00:a000::/19", "fd00:c000::/19", "fd00:e000::/19",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks %v, want %d", len(got), got, len(want))
	}
	for i, w := range want {
		if got[i].String() != w {
			t.Errorf("chunk %d = %s, want %s", i, got[i], w)
		}
	}
}

func TestUnionDeduplicates(t *testing.T) {
	a := New(mustPrefixes(t, "10.0.0.0/9")...)
	b := New(mustPrefixes(t, "10.128.0.0/9", "10.0.0.0/16")...)
	assertMembers(t, a.Union(b), "10.0.0.0/8")
}

func TestEmptySets(t *testing.T) {
	var empty Set
	s := New(mustPrefixes(t, "10.0.0.0/8")...)
	if !s.Subtract(empty).Equal(s) {
		t.Error("A - ∅ != A")
	}
	if !empty.Subtract(s).IsEmpty() {
		t.Error("∅ - A is non-empty")
	}
	if !empty.Union(s).Equal(s) {
		t.Error("∅ ∪ A != A")
	}
	if empty.Contains(netip.MustParsePrefix("10.0.0.0/8")) {
		t.Error("empty set claims containment")
	}
}
