package wiki

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/netip"
	"net/url"
	"time"

	"github.com/wikiops/rangerecon/internal/errs"
	"github.com/wikiops/rangerecon/pkg/netset"
)

// Block is one active range restriction.
type Block struct {
	Prefix netip.Prefix
	// Expiry is zero for indefinite restrictions.
	Expiry time.Time
}

// Active reports whether the restriction is in force at the given instant.
func (b Block) Active(now time.Time) bool {
	return b.Expiry.IsZero() || b.Expiry.After(now)
}

// ActiveRangeBlocks returns every IP or range block in force at now,
// paging through the full list. Expiry is checked against the caller's
// clock, not the fetch time, so a long batch never reports a range that
// lapsed while earlier scopes ran. The snapshot is all-or-nothing: a page
// failure mid-listing fails the whole call.
func (c *Client) ActiveRangeBlocks(ctx context.Context, now time.Time) ([]Block, error) {
	params := url.Values{
		"action":  {"query"},
		"list":    {"blocks"},
		"bkprop":  {"address|expiry"},
		"bklimit": {"max"},
		// Account blocks carry no range information.
		"bkshow": {"ip"},
	}
	var out []Block
	for {
		resp, err := c.get(ctx, params)
		if err != nil {
			return nil, err
		}
		var q struct {
			Blocks []struct {
				Address string `json:"address"`
				Expiry  string `json:"expiry"`
			} `json:"blocks"`
		}
		if err := json.Unmarshal(resp.Query, &q); err != nil {
			return nil, &errs.WikiAPIError{Op: "blocks", Err: err}
		}
		for _, raw := range q.Blocks {
			b, err := parseBlock(raw.Address, raw.Expiry)
			if err != nil {
				c.logWarn("skipping unparsable block", "address", raw.Address, "error", err)
				continue
			}
			if b.Active(now) {
				out = append(out, b)
			}
		}
		if resp.Continue == nil {
			return out, nil
		}
		for k, v := range resp.Continue {
			params.Set(k, v)
		}
	}
}

// ActiveGlobalRangeBlocks lists global (cross-site) range restrictions. The
// global scope reconciles against these instead of any single site's list.
func (c *Client) ActiveGlobalRangeBlocks(ctx context.Context, now time.Time) ([]Block, error) {
	params := url.Values{
		"action":  {"query"},
		"list":    {"globalblocks"},
		"bgprop":  {"address|expiry"},
		"bglimit": {"max"},
	}
	var out []Block
	for {
		resp, err := c.get(ctx, params)
		if err != nil {
			return nil, err
		}
		var q struct {
			GlobalBlocks []struct {
				Address string `json:"address"`
				Expiry  string `json:"expiry"`
			} `json:"globalblocks"`
		}
		if err := json.Unmarshal(resp.Query, &q); err != nil {
			return nil, &errs.WikiAPIError{Op: "globalblocks", Err: err}
		}
		for _, raw := range q.GlobalBlocks {
			b, err := parseBlock(raw.Address, raw.Expiry)
			if err != nil {
				c.logWarn("skipping unparsable global block", "address", raw.Address, "error", err)
				continue
			}
			if b.Active(now) {
				out = append(out, b)
			}
		}
		if resp.Continue == nil {
			return out, nil
		}
		for k, v := range resp.Continue {
			params.Set(k, v)
		}
	}
}

// parseBlock normalizes a block target into a prefix. Single addresses
// become host prefixes so they participate in set subtraction like any
// other range.
func parseBlock(address, expiry string) (Block, error) {
	var b Block
	if p, err := netip.ParsePrefix(address); err == nil {
		b.Prefix = p.Masked()
	} else {
		addr, err := netip.ParseAddr(address)
		if err != nil {
			return Block{}, &errs.ParseError{Input: address, Err: err}
		}
		bits := 128
		if addr.Is4() {
			bits = 32
		}
		b.Prefix = netip.PrefixFrom(addr, bits)
	}

	switch expiry {
	case "", "infinity", "infinite", "indefinite", "never":
		// Zero time means indefinite.
	default:
		t, err := time.Parse(time.RFC3339, expiry)
		if err != nil {
			// MediaWiki also emits the 14-digit timestamp form.
			t, err = time.Parse("20060102150405", expiry)
			if err != nil {
				return Block{}, &errs.ParseError{Input: expiry, Err: err}
			}
		}
		b.Expiry = t.UTC()
	}
	return b, nil
}

// BlockSet collapses blocks into a canonical prefix set for subtraction.
func BlockSet(blocks []Block) netset.Set {
	prefixes := make([]netip.Prefix, len(blocks))
	for i, b := range blocks {
		prefixes[i] = b.Prefix
	}
	return netset.New(prefixes...)
}

func (c *Client) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
		return
	}
	slog.Warn(msg, args...)
}
