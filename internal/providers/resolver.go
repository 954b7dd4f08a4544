// Package providers resolves named hosting providers into canonical prefix
// sets, keeping provenance so report rows can say where a range came from.
// A provider's ranges come from its ASN delegations, its published feed, or
// both; either source alone failing is a warning, both failing drops the
// provider, and only a fully unresolvable registry fails the scope.
package providers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wikiops/rangerecon/internal/errs"
	"github.com/wikiops/rangerecon/internal/rir"
	"github.com/wikiops/rangerecon/pkg/config"
	"github.com/wikiops/rangerecon/pkg/netset"
)

// ProviderRanges pairs one provider with its resolved canonical range set.
type ProviderRanges struct {
	Provider config.Provider
	Ranges   netset.Set
}

// Resolver turns a provider registry into resolved range sets.
type Resolver struct {
	RIR    *rir.Data
	Whois  *WhoisClient
	HTTP   *http.Client
	Logger *slog.Logger
	// MaxRetries caps feed download attempts per provider.
	MaxRetries uint64
}

// NewResolver builds a Resolver over an already-fetched RIR snapshot.
// whois may be nil to skip registration confirmation.
func NewResolver(data *rir.Data, whois *WhoisClient, logger *slog.Logger) *Resolver {
	return &Resolver{
		RIR:        data,
		Whois:      whois,
		HTTP:       &http.Client{Timeout: 2 * time.Minute},
		Logger:     logger,
		MaxRetries: 4,
	}
}

// Resolve maps every provider in the registry to its ranges. Providers that
// resolve to nothing are dropped with a warning. The whole registry failing
// to produce a single range is a DataSourceError: an empty provider list
// would otherwise read as "everything is blocked already".
func (r *Resolver) Resolve(ctx context.Context, registry string, entries []config.Provider) ([]ProviderRanges, error) {
	var out []ProviderRanges
	var lastErr error
	for _, p := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ranges, err := r.resolveOne(ctx, p)
		if err != nil {
			r.Logger.Warn("provider resolution failed", "provider", p.Name, "error", err)
			lastErr = err
			continue
		}
		if ranges.IsEmpty() {
			r.Logger.Warn("provider resolved to no ranges", "provider", p.Name)
			continue
		}
		out = append(out, ProviderRanges{Provider: p, Ranges: ranges})
	}
	if len(out) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("registry %s resolved to no ranges", registry)
		}
		return nil, &errs.DataSourceError{Source: "registry/" + registry, Err: lastErr}
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, p config.Provider) (netset.Set, error) {
	var prefixes netset.Set

	if len(p.ASNs) > 0 && r.RIR != nil {
		prefixes = netset.New(r.RIR.ASNPrefixes(p.ASNs)...)
	}
	if p.FeedURL != "" {
		feed, err := r.fetchFeed(ctx, p)
		if err != nil {
			if prefixes.IsEmpty() {
				return netset.Set{}, err
			}
			// ASN data still stands; continue on the narrower evidence.
			r.Logger.Warn("provider feed unavailable, using asn data only",
				"provider", p.Name, "error", err)
		} else {
			prefixes = prefixes.Union(feed)
		}
	}

	if r.Whois != nil && len(p.Search) > 0 && !prefixes.IsEmpty() {
		members := prefixes.Prefixes()
		kept := members[:0]
		for _, m := range members {
			if r.Whois.Matches(ctx, m, p.Search) {
				kept = append(kept, m)
			} else {
				r.Logger.Debug("whois did not confirm range",
					"provider", p.Name, "range", m)
			}
		}
		prefixes = netset.New(kept...)
	}
	return prefixes, nil
}

func (r *Resolver) fetchFeed(ctx context.Context, p config.Provider) (netset.Set, error) {
	parser, ok := feedParsers[p.Feed]
	if !ok {
		// Config validation rejects this; double-checked for direct callers.
		return netset.Set{}, &errs.ParseError{Input: p.Feed, Err: fmt.Errorf("unknown feed parser")}
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.FeedURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("feed %s returned http %d", p.FeedURL, resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return netset.Set{}, &errs.DataSourceError{Source: "feed/" + p.Name, Err: err}
	}

	prefixes, err := parser(body)
	if err != nil {
		return netset.Set{}, &errs.DataSourceError{Source: "feed/" + p.Name, Err: err}
	}
	return netset.New(prefixes...), nil
}
