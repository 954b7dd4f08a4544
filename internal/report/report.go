// Package report renders the per-scope reconciliation report and publishes
// it idempotently. Rendering is deterministic: candidates are sorted by
// canonical prefix order and the body carries no clock values, so identical
// snapshots produce byte-identical wikitext and no second publish.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"

	"github.com/wikiops/rangerecon/internal/replica"
	"github.com/wikiops/rangerecon/pkg/config"
)

// Candidate is one reportable range: unblocked, provider-owned, and (when a
// window applies) recently active.
type Candidate struct {
	Prefix   netip.Prefix
	Provider config.Provider
	// Activity holds sample evidence from the activity filter; empty when
	// the scope runs without a window.
	Activity []replica.Activity
}

// Section groups one provider's candidates.
type Section struct {
	Provider   config.Provider
	Candidates []Candidate
}

// Report is the fully assembled result for one scope.
type Report struct {
	Scope    config.Scope
	Sections []Section
}

// TotalCandidates counts rows across all sections.
func (r *Report) TotalCandidates() int {
	n := 0
	for _, s := range r.Sections {
		n += len(s.Candidates)
	}
	return n
}

// Sort puts sections into provider-name order and each section's rows into
// canonical prefix order. Render calls it; exported for callers that want a
// stable Report for their own purposes.
func (r *Report) Sort() {
	sort.Slice(r.Sections, func(i, j int) bool {
		return r.Sections[i].Provider.Name < r.Sections[j].Provider.Name
	})
	for _, s := range r.Sections {
		sort.Slice(s.Candidates, func(i, j int) bool {
			a, b := s.Candidates[i].Prefix, s.Candidates[j].Prefix
			if c := a.Addr().Compare(b.Addr()); c != 0 {
				return c < 0
			}
			return a.Bits() < b.Bits()
		})
	}
}

// Render produces the wikitext body.
func (r *Report) Render() string {
	r.Sort()

	var b strings.Builder
	b.WriteString("{{/header}}\n")
	if r.TotalCandidates() == 0 {
		b.WriteString("\nNo unblocked provider ranges found for this scope.\n")
		return b.String()
	}

	for _, sec := range r.Sections {
		fmt.Fprintf(&b, "\n== %s ==\n", sec.Provider.Name)
		b.WriteString("{| class=\"wikitable sortable\"\n")
		b.WriteString("! Range !! Block as !! Recent activity !! Suggested expiry\n")
		for _, c := range sec.Candidates {
			b.WriteString("|-\n")
			fmt.Fprintf(&b, "| [[Special:Block/%s|%s]] || %s || %s || %s\n",
				c.Prefix, c.Prefix,
				c.Provider.DisplayBlockName(),
				activityCell(c.Activity),
				expiryCell(c.Provider))
		}
		b.WriteString("|}\n")
	}
	return b.String()
}

func activityCell(acts []replica.Activity) string {
	if len(acts) == 0 {
		return "—"
	}
	// Newest first as returned by the replica query.
	latest := acts[0].Timestamp.Format("2006-01-02")
	if len(acts) == 1 {
		return fmt.Sprintf("1 edit, latest %s", latest)
	}
	return fmt.Sprintf("%d edits, latest %s", len(acts), latest)
}

func expiryCell(p config.Provider) string {
	hint := p.ExpiryHint
	if hint == "" {
		hint = "1 year"
	}
	if p.Sensitive {
		return hint + " (hard)"
	}
	return hint
}

// PageClient is the slice of the wiki client the publisher needs.
type PageClient interface {
	ReadPage(ctx context.Context, title string) (string, error)
	EditPage(ctx context.Context, title, text, summary string) error
}

// Publisher writes rendered reports to their scope page, skipping the write
// when nothing changed.
type Publisher struct {
	Client PageClient
	Logger *slog.Logger
}

// Publish diffs content against the live page and edits only on change.
// It returns whether an edit happened. Read failures and edit failures are
// both scope-fatal; the caller isolates them from other scopes.
func (p *Publisher) Publish(ctx context.Context, title, content, summary string) (bool, error) {
	current, err := p.Client.ReadPage(ctx, title)
	if err != nil {
		return false, err
	}
	if current == content {
		p.Logger.Info("report unchanged, skipping publish", "page", title)
		return false, nil
	}
	if err := p.Client.EditPage(ctx, title, content, summary); err != nil {
		return false, err
	}
	p.Logger.Info("report published", "page", title)
	return true, nil
}

// PageTitle returns the conventional report page for a scope when the
// config does not override it.
func PageTitle(scope config.Scope) string {
	if scope.ReportPage != "" {
		return scope.ReportPage
	}
	return "User:RangeReconBot/Report/" + scope.ID()
}
