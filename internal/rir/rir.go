// Package rir loads ASN-to-prefix delegation data from the five regional
// internet registries. Each registry publishes a pipe-delimited bulk file
// listing its ASN and address delegations; records belonging to the same
// resource holder share an opaque ID, which is how an ASN is joined to the
// address ranges announced by its owner.
package rir

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wikiops/rangerecon/internal/errs"
	"github.com/wikiops/rangerecon/pkg/netset"
)

// DefaultURLs are the extended delegation files of each RIR.
var DefaultURLs = map[string]string{
	"APNIC":   "https://ftp.apnic.net/stats/apnic/delegated-apnic-extended-latest",
	"AFRINIC": "https://ftp.afrinic.net/pub/stats/afrinic/delegated-afrinic-extended-latest",
	"ARIN":    "https://ftp.arin.net/pub/stats/arin/delegated-arin-extended-latest",
	"LACNIC":  "https://ftp.lacnic.net/pub/stats/lacnic/delegated-lacnic-extended-latest",
	"RIPE":    "https://ftp.ripe.net/ripe/stats/delegated-ripencc-extended-latest",
}

// Client fetches and indexes RIR delegation data.
type Client struct {
	HTTP   *http.Client
	Cache  *Cache
	Logger *slog.Logger
	URLs   map[string]string
	// MaxRetries caps fetch attempts per registry file.
	MaxRetries uint64
}

// NewClient returns a Client with production defaults.
func NewClient(cache *Cache, logger *slog.Logger) *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: 5 * time.Minute},
		Cache:      cache,
		Logger:     logger,
		URLs:       DefaultURLs,
		MaxRetries: 4,
	}
}

type record struct {
	registry string
	typ      string // "asn", "ipv4", "ipv6"
	start    string
	value    string
	opaqueID string
}

// Data is an immutable snapshot of parsed delegation records.
type Data struct {
	asn    []record
	ipv4   []record
	ipv6   []record
	logger *slog.Logger
}

// Fetch downloads (or reads from cache) every registry file and parses it.
// A registry that stays unreachable after retries fails the whole fetch:
// partially loaded delegation data would silently produce false candidates.
func (c *Client) Fetch(ctx context.Context) (*Data, error) {
	data := &Data{logger: c.logger()}
	for name, url := range c.URLs {
		body, err := c.fetchOne(ctx, name, url)
		if err != nil {
			return nil, &errs.DataSourceError{Source: "rir/" + name, Err: err}
		}
		if err := data.parse(name, body); err != nil {
			return nil, &errs.DataSourceError{Source: "rir/" + name, Err: err}
		}
	}
	c.logger().Info("loaded rir delegation data",
		"asn_records", len(data.asn),
		"ipv4_records", len(data.ipv4),
		"ipv6_records", len(data.ipv6))
	return data, nil
}

func (c *Client) fetchOne(ctx context.Context, name, url string) ([]byte, error) {
	if body, ok := c.Cache.get(ctx, name); ok {
		c.logger().Debug("rir cache hit", "registry", name)
		return body, nil
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s returned http %d", name, resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	c.Cache.put(ctx, name, body)
	return body, nil
}

// parse ingests one registry file. Header, summary, and placeholder lines
// are dropped; anything else with an unexpected shape is skipped with a
// warning rather than aborting the registry.
func (d *Data) parse(registry string, body []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		// registry|cc|type|start|value|date|status|opaque-id
		if len(fields) < 8 {
			// Version and summary lines have fewer fields.
			continue
		}
		status := fields[6]
		if status == "available" || status == "reserved" {
			continue
		}
		rec := record{
			registry: registry,
			typ:      fields[2],
			start:    fields[3],
			value:    fields[4],
			opaqueID: fields[7],
		}
		switch rec.typ {
		case "asn":
			d.asn = append(d.asn, rec)
		case "ipv4":
			d.ipv4 = append(d.ipv4, rec)
		case "ipv6":
			d.ipv6 = append(d.ipv6, rec)
		default:
			continue
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning %s: %w", registry, err)
	}
	if n == 0 {
		return fmt.Errorf("%s file contained no delegation records", registry)
	}
	return nil
}

// ASNPrefixes resolves a list of ASNs ("AS64496" or "64496") to the address
// prefixes delegated to the same resource holders. Malformed records are
// skipped with a warning; they never abort resolution.
func (d *Data) ASNPrefixes(asns []string) []netip.Prefix {
	want := make(map[string]bool, len(asns))
	for _, asn := range asns {
		want[strings.TrimPrefix(strings.ToUpper(asn), "AS")] = true
	}

	idents := make(map[string]bool)
	for _, rec := range d.asn {
		if want[rec.start] {
			idents[rec.opaqueID] = true
		}
	}

	var out []netip.Prefix
	for _, rec := range d.ipv4 {
		if !idents[rec.opaqueID] {
			continue
		}
		prefixes, err := ipv4Prefixes(rec)
		if err != nil {
			d.logger.Warn("skipping malformed ipv4 delegation",
				"registry", rec.registry, "start", rec.start, "error", err)
			continue
		}
		out = append(out, prefixes...)
	}
	for _, rec := range d.ipv6 {
		if !idents[rec.opaqueID] {
			continue
		}
		p, err := ipv6Prefix(rec)
		if err != nil {
			d.logger.Warn("skipping malformed ipv6 delegation",
				"registry", rec.registry, "start", rec.start, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out
}

// ipv4Prefixes converts a start-address + host-count record into CIDR form.
// Counts are usually powers of two but the format does not require it.
func ipv4Prefixes(rec record) ([]netip.Prefix, error) {
	start, err := netip.ParseAddr(rec.start)
	if err != nil || !start.Is4() {
		return nil, &errs.ParseError{Input: rec.start, Err: fmt.Errorf("bad ipv4 start: %v", err)}
	}
	count, err := strconv.ParseUint(rec.value, 10, 32)
	if err != nil || count == 0 {
		return nil, &errs.ParseError{Input: rec.value, Err: fmt.Errorf("bad address count: %v", err)}
	}
	if bits.OnesCount64(count) == 1 {
		length := 32 - bits.TrailingZeros64(count)
		p := netip.PrefixFrom(start, length)
		if p.Masked() != p {
			// Unaligned start; fall through to the range cover.
			return rangeCover(start, count)
		}
		return []netip.Prefix{p}, nil
	}
	return rangeCover(start, count)
}

func rangeCover(start netip.Addr, count uint64) ([]netip.Prefix, error) {
	b := start.As4()
	last := uint64(uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8|uint32(b[3])) + count - 1
	if last > 0xffffffff {
		return nil, &errs.ParseError{Input: start.String(), Err: fmt.Errorf("count %d overflows address space", count)}
	}
	var lb [4]byte
	lb[0], lb[1], lb[2], lb[3] = byte(last>>24), byte(last>>16), byte(last>>8), byte(last)
	return netset.RangePrefixes(start, netip.AddrFrom4(lb))
}

// ipv6Prefixes records carry the prefix length directly.
func ipv6Prefix(rec record) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(rec.start)
	if err != nil || addr.Is4() {
		return netip.Prefix{}, &errs.ParseError{Input: rec.start, Err: fmt.Errorf("bad ipv6 start: %v", err)}
	}
	length, err := strconv.Atoi(rec.value)
	if err != nil || length < 0 || length > 128 {
		return netip.Prefix{}, &errs.ParseError{Input: rec.value, Err: fmt.Errorf("bad prefix length: %v", err)}
	}
	return netip.PrefixFrom(addr, length).Masked(), nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
