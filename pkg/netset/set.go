// Package netset implements canonical set algebra over CIDR prefixes.
//
// A Set holds pairwise-disjoint prefixes in canonical form: every base
// address is masked to its prefix length, sibling prefixes are collapsed
// into their parent, and members are sorted by (family, base address,
// prefix length). IPv4 and IPv6 members coexist in one Set but never
// interact in any operation.
package netset

import (
	"net/netip"
	"sort"
	"strings"
)

// Set is an immutable canonical collection of CIDR prefixes.
// The zero value is the empty set.
type Set struct {
	members []netip.Prefix
}

// New builds a canonical Set from arbitrary prefixes. Inputs may overlap,
// repeat, or be unmasked; invalid prefixes are dropped.
func New(prefixes ...netip.Prefix) Set {
	return Set{members: normalize(prefixes)}
}

// Prefixes returns the members in canonical order. The caller owns the slice.
func (s Set) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, len(s.members))
	copy(out, s.members)
	return out
}

// Len returns the number of member prefixes.
func (s Set) Len() int { return len(s.members) }

// IsEmpty reports whether the set has no members.
func (s Set) IsEmpty() bool { return len(s.members) == 0 }

// Union returns normalize(s ∪ t).
func (s Set) Union(t Set) Set {
	merged := make([]netip.Prefix, 0, len(s.members)+len(t.members))
	merged = append(merged, s.members...)
	merged = append(merged, t.members...)
	return Set{members: normalize(merged)}
}

// Subtract returns the members of s with every address covered by t removed.
// CIDR prefixes are not closed under subtraction, so members intersecting t
// are split at bit boundaries into the maximal cover of the remainder.
func (s Set) Subtract(t Set) Set {
	if t.IsEmpty() || s.IsEmpty() {
		return s
	}
	var out []netip.Prefix
	for _, a := range s.members {
		pieces := []netip.Prefix{a}
		for _, b := range t.members {
			if !sameFamily(a, b) || !a.Overlaps(b) {
				continue
			}
			var next []netip.Prefix
			for _, piece := range pieces {
				next = append(next, subtractPrefix(piece, b)...)
			}
			pieces = next
			if len(pieces) == 0 {
				break
			}
		}
		out = append(out, pieces...)
	}
	return Set{members: normalize(out)}
}

// Intersect returns the set of addresses present in both s and t.
func (s Set) Intersect(t Set) Set {
	var out []netip.Prefix
	for _, a := range s.members {
		for _, b := range t.members {
			if !sameFamily(a, b) || !a.Overlaps(b) {
				continue
			}
			// Disjoint canonical members: overlap implies containment,
			// and the intersection is the more specific of the pair.
			if a.Bits() >= b.Bits() {
				out = append(out, a)
			} else {
				out = append(out, b)
			}
		}
	}
	return Set{members: normalize(out)}
}

// Contains reports whether p is fully covered by a single member.
func (s Set) Contains(p netip.Prefix) bool {
	_, ok := s.Cover(p)
	return ok
}

// ContainsAddr reports whether addr falls inside any member.
func (s Set) ContainsAddr(addr netip.Addr) bool {
	bits := 128
	if addr.Is4() {
		bits = 32
	}
	return s.Contains(netip.PrefixFrom(addr, bits))
}

// Cover returns the member that fully covers p, if any. Because members are
// disjoint and sorted, only the rightmost member starting at or before p
// can cover it, found by binary search.
func (s Set) Cover(p netip.Prefix) (netip.Prefix, bool) {
	p = p.Masked()
	i := sort.Search(len(s.members), func(i int) bool {
		return prefixLess(p, s.members[i])
	})
	if i == 0 {
		return netip.Prefix{}, false
	}
	m := s.members[i-1]
	if sameFamily(m, p) && m.Overlaps(p) && m.Bits() <= p.Bits() {
		return m, true
	}
	return netip.Prefix{}, false
}

// Equal reports whether two sets cover exactly the same addresses.
func (s Set) Equal(t Set) bool {
	if len(s.members) != len(t.members) {
		return false
	}
	for i := range s.members {
		if s.members[i] != t.members[i] {
			return false
		}
	}
	return true
}

// Chunk splits every member into prefixes no wider than maxV4 bits for IPv4
// and maxV6 bits for IPv6, preserving order. Platforms that cap the span of
// a single range restriction need every emitted range to fit under the cap.
func (s Set) Chunk(maxV4, maxV6 int) []netip.Prefix {
	var out []netip.Prefix
	for _, m := range s.members {
		max := maxV6
		if m.Addr().Is4() {
			max = maxV4
		}
		out = append(out, splitToLength(m, max)...)
	}
	return out
}

func (s Set) String() string {
	parts := make([]string, len(s.members))
	for i, m := range s.members {
		parts[i] = m.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// subtractPrefix removes b from a by recursive halving. Each level of
// recursion splits a at the bit boundary one deeper than a's length, so the
// result is the maximal set of CIDR-aligned sub-prefixes avoiding b.
func subtractPrefix(a, b netip.Prefix) []netip.Prefix {
	if !a.Overlaps(b) {
		return []netip.Prefix{a}
	}
	if b.Bits() <= a.Bits() {
		// Overlapping prefixes nest, so b covers all of a.
		return nil
	}
	lo, hi := halves(a)
	return append(subtractPrefix(lo, b), subtractPrefix(hi, b)...)
}

// halves splits a prefix into its two children one bit longer.
func halves(p netip.Prefix) (netip.Prefix, netip.Prefix) {
	is4 := p.Addr().Is4()
	width := 128
	if is4 {
		width = 32
	}
	childBits := p.Bits() + 1
	start := addrValue(p.Addr())
	upper := start.add(one128(width - childBits))
	return netip.PrefixFrom(p.Addr(), childBits),
		netip.PrefixFrom(valueAddr(upper, is4), childBits)
}

// splitToLength expands p into its subnets of length max when p is wider.
func splitToLength(p netip.Prefix, max int) []netip.Prefix {
	if p.Bits() >= max {
		return []netip.Prefix{p}
	}
	lo, hi := halves(p)
	return append(splitToLength(lo, max), splitToLength(hi, max)...)
}

// normalize masks, sorts, absorbs contained prefixes, and collapses sibling
// pairs into their parent until a fixed point. The output is independent of
// input order.
func normalize(prefixes []netip.Prefix) []netip.Prefix {
	work := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if !p.IsValid() {
			continue
		}
		work = append(work, p.Masked())
	}
	sort.Slice(work, func(i, j int) bool {
		return prefixLess(work[i], work[j])
	})

	var out []netip.Prefix
	for _, p := range work {
		// Sorted order guarantees any overlap with the top means the top
		// covers p entirely.
		if n := len(out); n > 0 && sameFamily(out[n-1], p) && out[n-1].Overlaps(p) {
			continue
		}
		out = append(out, p)
		// Collapse sibling pairs, cascading upward.
		for len(out) >= 2 {
			a, b := out[len(out)-2], out[len(out)-1]
			parent, ok := siblingParent(a, b)
			if !ok {
				break
			}
			out = out[:len(out)-2]
			out = append(out, parent)
		}
	}
	return out
}

// siblingParent returns the common parent when a and b are the two halves of
// the same prefix, with a the lower half.
func siblingParent(a, b netip.Prefix) (netip.Prefix, bool) {
	if !sameFamily(a, b) || a.Bits() != b.Bits() || a.Bits() == 0 {
		return netip.Prefix{}, false
	}
	pa := netip.PrefixFrom(a.Addr(), a.Bits()-1).Masked()
	pb := netip.PrefixFrom(b.Addr(), b.Bits()-1).Masked()
	if pa != pb || a.Addr() == b.Addr() {
		return netip.Prefix{}, false
	}
	return pa, true
}

func sameFamily(a, b netip.Prefix) bool {
	return a.Addr().Is4() == b.Addr().Is4()
}

// prefixLess orders by family (IPv4 first), then base address, then prefix
// length ascending, so a covering prefix always sorts before its subnets.
func prefixLess(a, b netip.Prefix) bool {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c < 0
	}
	return a.Bits() < b.Bits()
}
