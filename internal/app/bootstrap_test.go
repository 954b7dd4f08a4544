package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikiops/rangerecon/internal/replica"
	"github.com/wikiops/rangerecon/internal/report"
	"github.com/wikiops/rangerecon/internal/wiki"
	"github.com/wikiops/rangerecon/pkg/config"
)

func pageResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{
			"pages": []map[string]any{
				{
					"revisions": []map[string]any{
						{"slots": map[string]any{"main": map[string]any{"content": content}}},
					},
				},
			},
		},
	})
	return string(body)
}

func testApp(t *testing.T, srvURL string, cfg *config.Config) *App {
	t.Helper()
	cfg.Wiki.APIBase = srvURL + "/%s/w/api.php"
	return &App{
		Config:   cfg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		wikis:    make(map[string]*wiki.Client),
		replicas: make(map[string]*replica.DB),
	}
}

func TestMergeRemoteRegistriesLocalWins(t *testing.T) {
	remote := map[string]any{
		"registries": map[string]any{
			"default": []map[string]any{
				{"name": "Example Host", "asns": []string{"AS64500"}, "expiry_hint": "2 years"},
				{"name": "Acme VPN", "asns": []string{"AS64501"}, "sensitive": true},
			},
		},
	}
	page, err := json.Marshal(remote)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageResponse(string(page)))
	}))
	defer srv.Close()

	cfg := &config.Config{
		Registries: map[string][]config.Provider{
			"default": {{Name: "Example Host", ASNs: []string{"AS64999"}, ExpiryHint: "6 months"}},
		},
	}
	cfg.Wiki.ConfigPage = "User:RangeReconBot/config.json"
	cfg.Wiki.GlobalSite = "meta.example.org"

	a := testApp(t, srv.URL, cfg)
	require.NoError(t, a.mergeRemoteRegistries(context.Background()))

	entries := a.Config.Registries["default"]
	require.Len(t, entries, 2)

	byName := map[string]config.Provider{}
	for _, p := range entries {
		byName[p.Name] = p
	}
	// The local Example Host entry survives unchanged.
	assert.Equal(t, []string{"AS64999"}, byName["Example Host"].ASNs)
	assert.Equal(t, "6 months", byName["Example Host"].ExpiryHint)
	// The remote-only entry is merged in with its fields intact.
	assert.True(t, byName["Acme VPN"].Sensitive)
}

func TestMergeRemoteRegistriesNormalizesEntries(t *testing.T) {
	remote := map[string]any{
		"registries": map[string]any{
			"default": []map[string]any{
				// Search terms come in mixed case; WHOIS matching compares
				// against lowercased text and relies on lowercase terms.
				{"name": "Acme VPN", "asns": []string{"AS64501"}, "search": []string{"ACME", "VpnProvider"}},
				// No asns and no feed: must be rejected like a local entry.
				{"name": "Hollow"},
			},
		},
	}
	page, err := json.Marshal(remote)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageResponse(string(page)))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Wiki.ConfigPage = "User:RangeReconBot/config.json"
	cfg.Wiki.GlobalSite = "meta.example.org"

	a := testApp(t, srv.URL, cfg)
	require.NoError(t, a.mergeRemoteRegistries(context.Background()))

	entries := a.Config.Registries["default"]
	require.Len(t, entries, 1, "the sourceless entry must be dropped")
	assert.Equal(t, []string{"acme", "vpnprovider"}, entries[0].Search)
}

func TestMergeRemoteRegistriesMissingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"query":{"pages":[{"missing":true}]}}`)
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Wiki.ConfigPage = "User:RangeReconBot/config.json"
	cfg.Wiki.GlobalSite = "meta.example.org"

	a := testApp(t, srv.URL, cfg)
	require.NoError(t, a.mergeRemoteRegistries(context.Background()))
	assert.Empty(t, a.Config.Registries)
}

func TestMergeRemoteRegistriesBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageResponse("{{not json"))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Wiki.ConfigPage = "User:RangeReconBot/config.json"
	cfg.Wiki.GlobalSite = "meta.example.org"

	a := testApp(t, srv.URL, cfg)
	err := a.mergeRemoteRegistries(context.Background())
	require.Error(t, err)
}

func TestWikiForCachesPerSite(t *testing.T) {
	cfg := &config.Config{}
	cfg.Wiki.APIBase = "https://%s/w/api.php"
	cfg.Wiki.GlobalSite = "meta.example.org"

	a := &App{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		wikis:  make(map[string]*wiki.Client),
	}

	s1 := a.wikiFor(config.Scope{Kind: config.ScopeSite, Site: "en.wikipedia.org"})
	s2 := a.wikiFor(config.Scope{Kind: config.ScopeSite, Site: "en.wikipedia.org"})
	g := a.wikiFor(config.Scope{Kind: config.ScopeGlobal})

	assert.Same(t, s1, s2)
	assert.NotSame(t, s1, g)
}

func TestDepsOmitsActivityWithoutReplica(t *testing.T) {
	cfg := &config.Config{}
	a := &App{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ledger: report.NewLedger(t.TempDir()),
	}

	d := a.deps()
	assert.Nil(t, d.RecentActivity, "no replica DSN means no activity filter")
	assert.Nil(t, d.Notify, "no webhook means no alerting")
	assert.NotNil(t, d.ResolveProviders)
	assert.NotNil(t, d.Publish)
}
