package netset

import (
	"fmt"
	"math/bits"
	"net/netip"
)

// LastAddr returns the highest address inside p.
func LastAddr(p netip.Prefix) netip.Addr {
	p = p.Masked()
	is4 := p.Addr().Is4()
	width := 128
	if is4 {
		width = 32
	}
	v := addrValue(p.Addr())
	size := one128(width - p.Bits())
	last := v.add(size).add(uint128{hi: ^uint64(0), lo: ^uint64(0)}) // v + size - 1
	return valueAddr(last, is4)
}

// RangePrefixes returns the minimal CIDR cover of the inclusive address
// range [from, to]. Both addresses must belong to the same family and
// from must not exceed to. Registry delegation records express IPv4
// allocations as a start address plus a count that is not always a power
// of two, so a single record can expand to several prefixes.
func RangePrefixes(from, to netip.Addr) ([]netip.Prefix, error) {
	if from.Is4() != to.Is4() {
		return nil, fmt.Errorf("range %s-%s mixes address families", from, to)
	}
	width := 128
	if from.Is4() {
		width = 32
	}
	start, end := addrValue(from), addrValue(to)
	if start.cmp(end) > 0 {
		return nil, fmt.Errorf("range start %s after end %s", from, to)
	}

	var out []netip.Prefix
	for start.cmp(end) <= 0 {
		// The widest block starting at start is limited by its alignment;
		// shrink it until it fits within [start, end].
		length := width - trailingZeros(start, width)
		for {
			p := netip.PrefixFrom(valueAddr(start, from.Is4()), length)
			if addrValue(LastAddr(p)).cmp(end) <= 0 {
				out = append(out, p)
				if addrValue(LastAddr(p)).cmp(end) == 0 {
					return out, nil
				}
				start = addrValue(LastAddr(p)).add(uint128{lo: 1})
				break
			}
			length++
			if length > width {
				return nil, fmt.Errorf("range %s-%s not coverable", from, to)
			}
		}
	}
	return out, nil
}

func trailingZeros(v uint128, width int) int {
	if v.lo != 0 {
		return bits.TrailingZeros64(v.lo)
	}
	if v.hi != 0 {
		tz := 64 + bits.TrailingZeros64(v.hi)
		if tz > width {
			return width
		}
		return tz
	}
	return width
}
