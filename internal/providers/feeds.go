package providers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
)

// feedParser turns one provider's published range feed into prefixes.
// Parsers skip malformed entries; they fail only when the document itself
// is unusable.
type feedParser func(body []byte) ([]netip.Prefix, error)

var feedParsers = map[string]feedParser{
	"amazon":    parseAmazonFeed,
	"google":    parseGoogleFeed,
	"microsoft": parseMicrosoftFeed,
	"oracle":    parseOracleFeed,
	"icloud":    parseICloudFeed,
}

// parseAmazonFeed reads AWS ip-ranges.json.
func parseAmazonFeed(body []byte) ([]netip.Prefix, error) {
	var doc struct {
		Prefixes []struct {
			IPPrefix string `json:"ip_prefix"`
		} `json:"prefixes"`
		IPv6Prefixes []struct {
			IPv6Prefix string `json:"ipv6_prefix"`
		} `json:"ipv6_prefixes"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("amazon feed: %w", err)
	}
	var out []netip.Prefix
	for _, p := range doc.Prefixes {
		out = appendPrefix(out, p.IPPrefix)
	}
	for _, p := range doc.IPv6Prefixes {
		out = appendPrefix(out, p.IPv6Prefix)
	}
	return out, nil
}

// parseGoogleFeed reads cloud.json from Google's published netblocks.
func parseGoogleFeed(body []byte) ([]netip.Prefix, error) {
	var doc struct {
		Prefixes []struct {
			IPv4Prefix string `json:"ipv4Prefix"`
			IPv6Prefix string `json:"ipv6Prefix"`
		} `json:"prefixes"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("google feed: %w", err)
	}
	var out []netip.Prefix
	for _, p := range doc.Prefixes {
		if p.IPv4Prefix != "" {
			out = appendPrefix(out, p.IPv4Prefix)
		}
		if p.IPv6Prefix != "" {
			out = appendPrefix(out, p.IPv6Prefix)
		}
	}
	return out, nil
}

// parseMicrosoftFeed reads an Azure ServiceTags JSON document.
func parseMicrosoftFeed(body []byte) ([]netip.Prefix, error) {
	var doc struct {
		Values []struct {
			Properties struct {
				AddressPrefixes []string `json:"addressPrefixes"`
			} `json:"properties"`
		} `json:"values"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("microsoft feed: %w", err)
	}
	var out []netip.Prefix
	for _, v := range doc.Values {
		for _, p := range v.Properties.AddressPrefixes {
			out = appendPrefix(out, p)
		}
	}
	return out, nil
}

// parseOracleFeed reads OCI's public_ip_ranges.json.
func parseOracleFeed(body []byte) ([]netip.Prefix, error) {
	var doc struct {
		Regions []struct {
			CIDRs []struct {
				CIDR string `json:"cidr"`
			} `json:"cidrs"`
		} `json:"regions"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("oracle feed: %w", err)
	}
	var out []netip.Prefix
	for _, r := range doc.Regions {
		for _, c := range r.CIDRs {
			out = appendPrefix(out, c.CIDR)
		}
	}
	return out, nil
}

// parseICloudFeed reads the Private Relay egress CSV: prefix,cc,region,city.
func parseICloudFeed(body []byte) ([]netip.Prefix, error) {
	var out []netip.Prefix
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, _, _ := strings.Cut(line, ",")
		out = appendPrefix(out, strings.TrimSpace(field))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("icloud feed: %w", err)
	}
	return out, nil
}

func appendPrefix(out []netip.Prefix, s string) []netip.Prefix {
	if s == "" {
		return out
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return out
	}
	return append(out, p.Masked())
}
