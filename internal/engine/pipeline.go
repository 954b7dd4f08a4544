package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/wikiops/rangerecon/internal/report"
	"github.com/wikiops/rangerecon/pkg/config"
)

// Blockable span limits: single range blocks cannot cover more than a
// /16 (IPv4) or /19 (IPv6), so larger provider allocations are split
// into individually blockable chunks.
const (
	maxV4Len = 16
	maxV6Len = 19
)

// buildReport runs the reconciliation stages for one scope and returns
// the report ready for publication. Stages check ctx between network
// round-trips so a batch deadline cuts scopes off promptly.
func (e *Engine) buildReport(ctx context.Context, scope config.Scope, now time.Time, log *slog.Logger) (*report.Report, error) {
	resolved, err := e.deps.ResolveProviders(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("resolving providers: %w", err)
	}
	// ResolveProviders may hand out a snapshot shared between scopes;
	// clone before sorting in place.
	resolved = slices.Clone(resolved)
	sortProviders(resolved)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blocked, err := e.deps.FetchBlocks(ctx, scope, now)
	if err != nil {
		return nil, fmt.Errorf("loading block state: %w", err)
	}
	log.Debug("block state loaded", "blocks", blocked.Len())

	rep := &report.Report{Scope: scope}
	seen := make(map[netip.Prefix]bool)

	for _, pr := range resolved {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		unblocked := pr.Ranges.Subtract(blocked)
		chunks := unblocked.Chunk(maxV4Len, maxV6Len)

		sec := report.Section{Provider: pr.Provider}
		for _, prefix := range chunks {
			// A prefix confirmed for one provider is not repeated
			// under another; the first section in sorted order wins.
			if seen[prefix] {
				continue
			}
			cand, ok, err := e.evaluate(ctx, scope, pr.Provider, prefix, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			seen[prefix] = true
			sec.Candidates = append(sec.Candidates, cand)
		}
		if len(sec.Candidates) > 0 {
			rep.Sections = append(rep.Sections, sec)
		}
	}

	rep.Sort()
	log.Info("report built", "candidates", rep.TotalCandidates())
	return rep, nil
}

// evaluate applies the scope's activity filter to one candidate prefix.
// Scopes without a window pass every unblocked prefix through with no
// activity evidence attached.
func (e *Engine) evaluate(ctx context.Context, scope config.Scope, provider config.Provider, prefix netip.Prefix, now time.Time) (report.Candidate, bool, error) {
	cand := report.Candidate{Prefix: prefix, Provider: provider}

	if !scope.HasActivityWindow() || e.deps.RecentActivity == nil {
		return cand, true, nil
	}

	since := now.AddDate(0, 0, -*scope.ActivityWindowDays)
	activity, err := e.deps.RecentActivity(ctx, scope, prefix, since)
	if err != nil {
		return cand, false, fmt.Errorf("sampling activity for %s: %w", prefix, err)
	}
	if len(activity) == 0 {
		return cand, false, nil
	}
	cand.Activity = activity
	return cand, true, nil
}
