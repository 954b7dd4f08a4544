package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikiops/rangerecon/internal/replica"
	"github.com/wikiops/rangerecon/pkg/config"
)

func sampleReport() *Report {
	return &Report{
		Scope: config.Scope{Kind: config.ScopeSite, Site: "en.wikipedia.org"},
		Sections: []Section{
			{
				Provider: config.Provider{Name: "Example Host", ExpiryHint: "1 year"},
				Candidates: []Candidate{{
					Prefix:   netip.MustParsePrefix("203.0.113.0/25"),
					Provider: config.Provider{Name: "Example Host", ExpiryHint: "1 year"},
					Activity: []replica.Activity{
						{Addr: netip.MustParseAddr("203.0.113.7"), Timestamp: time.Date(2024, 5, 25, 9, 0, 0, 0, time.UTC)},
						{Addr: netip.MustParseAddr("203.0.113.9"), Timestamp: time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)},
					},
				}},
			},
			{
				Provider: config.Provider{Name: "Acme VPN", BlockName: "acmevpn", Sensitive: true},
				Candidates: []Candidate{{
					Prefix:   netip.MustParsePrefix("2001:db8::/32"),
					Provider: config.Provider{Name: "Acme VPN", BlockName: "acmevpn", Sensitive: true},
				}},
			},
		},
	}
}

func TestRenderGolden(t *testing.T) {
	g := goldie.New(t)
	g.Assert(t, "report_basic", []byte(sampleReport().Render()))
}

func TestRenderDeterministic(t *testing.T) {
	want := sampleReport().Render()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		r := sampleReport()
		rng.Shuffle(len(r.Sections), func(a, b int) {
			r.Sections[a], r.Sections[b] = r.Sections[b], r.Sections[a]
		})
		assert.Equal(t, want, r.Render(), "render depends on section order")
	}
}

func TestRenderEmpty(t *testing.T) {
	r := &Report{Scope: config.Scope{Kind: config.ScopeGlobal}}
	body := r.Render()
	assert.Contains(t, body, "No unblocked provider ranges")
}

type fakePages struct {
	pages map[string]string
	edits int
	fail  error
}

func (f *fakePages) ReadPage(_ context.Context, title string) (string, error) {
	return f.pages[title], nil
}

func (f *fakePages) EditPage(_ context.Context, title, text, _ string) error {
	if f.fail != nil {
		return f.fail
	}
	f.edits++
	f.pages[title] = text
	return nil
}

func TestPublishIdempotent(t *testing.T) {
	pages := &fakePages{pages: map[string]string{}}
	pub := &Publisher{Client: pages, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	content := sampleReport().Render()

	changed, err := pub.Publish(context.Background(), "Report/en", content, "update")
	require.NoError(t, err)
	assert.True(t, changed, "first publish must write")

	changed, err = pub.Publish(context.Background(), "Report/en", content, "update")
	require.NoError(t, err)
	assert.False(t, changed, "identical content must not write")
	assert.Equal(t, 1, pages.edits)
}

func TestPublishPropagatesEditFailure(t *testing.T) {
	pages := &fakePages{pages: map[string]string{}, fail: errors.New("boom")}
	pub := &Publisher{Client: pages, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	_, err := pub.Publish(context.Background(), "Report/en", "body", "update")
	assert.Error(t, err)
}

func TestPageTitle(t *testing.T) {
	assert.Equal(t, "User:RangeReconBot/Report/global",
		PageTitle(config.Scope{Kind: config.ScopeGlobal}))
	assert.Equal(t, "Project:Open proxies",
		PageTitle(config.Scope{Kind: config.ScopeSite, Site: "x", ReportPage: "Project:Open proxies"}))
}

func TestLedgerAppendAndWindow(t *testing.T) {
	l := NewLedger(t.TempDir())
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(Snapshot{
			Timestamp: int64(1700000000 + i),
			Scope:     "en.wikipedia.org",
			Published: i%2 == 0,
		}))
	}
	got, err := l.LoadWindow(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1700000004), got[2].Timestamp)
}

func TestLedgerMissingFile(t *testing.T) {
	l := &Ledger{Path: filepath.Join(t.TempDir(), "nope", "history.jsonl")}
	got, err := l.LoadWindow(10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
