package netset

import (
	"net/netip"
	"testing"
)

func TestLastAddr(t *testing.T) {
	cases := []struct {
		prefix, want string
	}{
		{"203.0.113.0/24", "203.0.113.255"},
		{"10.0.0.0/8", "10.255.255.255"},
		{"198.51.100.4/30", "198.51.100.7"},
		{"192.0.2.1/32", "192.0.2.1"},
		{"2001:db8::/32", "2001:db8:ffff:ffff:ffff:ffff:ffff:ffff"},
		{"2001:db8::1/128", "2001:db8::1"},
	}
	for _, tc := range cases {
		got := LastAddr(netip.MustParsePrefix(tc.prefix))
		if got.String() != tc.want {
			t.Errorf("LastAddr(%s) = %s, want %s", tc.prefix, got, tc.want)
		}
	}
}

func TestRangePrefixes(t *testing.T) {
	cases := []struct {
		from, to string
		want     []string
	}{
		// Aligned power-of-two range: one prefix.
		{"203.0.113.0", "203.0.113.255", []string{"203.0.113.0/24"}},
		// A 640-address delegation (not a power of two).
		{"198.18.0.0", "198.18.2.127", []string{"198.18.0.0/23", "198.18.2.0/25"}},
		// Unaligned start.
		{"192.0.2.1", "192.0.2.4", []string{
			"192.0.2.1/32", "192.0.2.2/31", "192.0.2.4/32"}},
		// Single address.
		{"192.0.2.9", "192.0.2.9", []string{"192.0.2.9/32"}},
		// IPv6.
		{"2001:db8::", "2001:db8:1:ffff:ffff:ffff:ffff:ffff", []string{"2001:db8::/47"}},
	}
	for _, tc := range cases {
		got, err := RangePrefixes(netip.MustParseAddr(tc.from), netip.MustParseAddr(tc.to))
		if err != nil {
			t.Fatalf("RangePrefixes(%s, %s): %v", tc.from, tc.to, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("RangePrefixes(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
		for i, w := range tc.want {
			if got[i].String() != w {
				t.Errorf("prefix %d = %s, want %s", i, got[i], w)
			}
		}
	}
}

func TestRangePrefixesErrors(t *testing.T) {
	v4 := netip.MustParseAddr("10.0.0.0")
	v6 := netip.MustParseAddr("2001:db8::")
	if _, err := RangePrefixes(v4, v6); err == nil {
		t.Error("mixed families accepted")
	}
	if _, err := RangePrefixes(netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1")); err == nil {
		t.Error("inverted range accepted")
	}
}
