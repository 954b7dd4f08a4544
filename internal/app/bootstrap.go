// Package app assembles the runtime: it turns validated configuration into
// live clients and hands the engine its dependency set.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/wikiops/rangerecon/internal/engine"
	"github.com/wikiops/rangerecon/internal/errs"
	"github.com/wikiops/rangerecon/internal/notifier"
	"github.com/wikiops/rangerecon/internal/providers"
	"github.com/wikiops/rangerecon/internal/replica"
	"github.com/wikiops/rangerecon/internal/report"
	"github.com/wikiops/rangerecon/internal/rir"
	"github.com/wikiops/rangerecon/internal/wiki"
	"github.com/wikiops/rangerecon/pkg/config"
	"github.com/wikiops/rangerecon/pkg/netset"
	"github.com/wikiops/rangerecon/pkg/telemetry"
	"github.com/wikiops/rangerecon/pkg/version"
)

const (
	rirCacheTTL = 24 * time.Hour
	historyDir  = ".rangerecon/history"
	editSummary = "Updating provider range report (bot)"
)

// App owns the live clients for one batch invocation.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	cache    *rir.Cache
	resolver *providers.Resolver
	ledger   *report.Ledger
	alerts   *notifier.Client

	mu       sync.Mutex
	wikis    map[string]*wiki.Client
	replicas map[string]*replica.DB
	resolved map[string][]providers.ProviderRanges

	shutdownTracing func(context.Context) error
}

// New builds the application from validated config. It fetches the RIR
// delegation snapshot up front; without it no ASN-based provider can
// resolve, so a fetch failure is fatal.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		ledger:   report.NewLedger(historyDir),
		alerts:   notifier.NewClient(cfg.AlertWebhook),
		wikis:    make(map[string]*wiki.Client),
		replicas: make(map[string]*replica.DB),
		resolved: make(map[string][]providers.ProviderRanges),
	}

	shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, cfg.OtelEndpoint)
	if err != nil {
		logger.Warn("telemetry init failed", "error", err)
	} else {
		a.shutdownTracing = shutdown
	}

	if cfg.RedisURL != "" {
		cache, err := rir.NewCache(cfg.RedisURL, rirCacheTTL)
		if err != nil {
			logger.Warn("registry cache unavailable, fetching uncached", "error", err)
		} else {
			a.cache = cache
		}
	}

	rirClient := rir.NewClient(a.cache, logger)
	data, err := rirClient.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching delegation data: %w", err)
	}

	whois := providers.NewWhoisClient(cfg.WhoisAPI, logger)
	a.resolver = providers.NewResolver(data, whois, logger)

	if cfg.Wiki.ConfigPage != "" {
		if err := a.mergeRemoteRegistries(ctx); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Run executes the full batch and returns the engine's result.
func (a *App) Run(ctx context.Context) (*engine.BatchResult, error) {
	e := engine.New(a.deps(),
		engine.WithLogger(a.Logger),
		engine.WithScopes(a.Config.Scopes),
		engine.WithDeadline(a.Config.Deadline),
		engine.WithConcurrency(a.Config.MaxConcurrency),
	)
	return e.Run(ctx)
}

// Close releases cache connections and replica handles.
func (a *App) Close(ctx context.Context) {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.Logger.Warn("closing registry cache", "error", err)
		}
	}
	a.mu.Lock()
	for site, db := range a.replicas {
		if err := db.Close(); err != nil {
			a.Logger.Warn("closing replica", "site", site, "error", err)
		}
	}
	a.mu.Unlock()
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.Logger.Warn("flushing traces", "error", err)
		}
	}
}

func (a *App) deps() engine.Deps {
	d := engine.Deps{
		ResolveProviders: a.resolveProviders,
		FetchBlocks:      a.fetchBlocks,
		Publish:          a.publish,
		Record: func(snap report.Snapshot) {
			if err := a.ledger.Append(snap); err != nil {
				a.Logger.Warn("ledger append failed", "error", err)
			}
		},
	}
	if a.Config.ReplicaDSN != "" {
		d.RecentActivity = a.recentActivity
	}
	if a.Config.AlertWebhook != "" {
		d.Notify = func(ctx context.Context, failed []string) {
			if err := a.alerts.NotifyFailure(ctx, failed); err != nil {
				a.Logger.Warn("failure alert not delivered", "error", err)
			}
		}
	}
	return d
}

// History returns the most recent ledger snapshots, oldest first.
func (a *App) History(n int) ([]report.Snapshot, error) {
	return a.ledger.LoadWindow(n)
}

// ResolveRegistry resolves one registry's providers without touching the
// wiki. It backs the dry-run command.
func (a *App) ResolveRegistry(ctx context.Context, registry string) ([]providers.ProviderRanges, error) {
	return a.resolveRegistry(ctx, registry)
}

// resolveProviders memoizes per registry: scopes sharing a registry reuse
// one resolution pass instead of re-querying feeds and WHOIS.
func (a *App) resolveProviders(ctx context.Context, scope config.Scope) ([]providers.ProviderRanges, error) {
	return a.resolveRegistry(ctx, scope.Registry())
}

func (a *App) resolveRegistry(ctx context.Context, registry string) ([]providers.ProviderRanges, error) {
	a.mu.Lock()
	cached, ok := a.resolved[registry]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	entries, ok := a.Config.Registries[registry]
	if !ok {
		return nil, &errs.DataSourceError{
			Source: "registry/" + registry,
			Err:    fmt.Errorf("registry not found"),
		}
	}

	ranges, err := a.resolver.Resolve(ctx, registry, entries)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.resolved[registry] = ranges
	a.mu.Unlock()
	return ranges, nil
}

func (a *App) fetchBlocks(ctx context.Context, scope config.Scope, now time.Time) (netset.Set, error) {
	client := a.wikiFor(scope)

	var blocks []wiki.Block
	var err error
	if scope.Kind == config.ScopeGlobal {
		blocks, err = client.ActiveGlobalRangeBlocks(ctx, now)
	} else {
		blocks, err = client.ActiveRangeBlocks(ctx, now)
	}
	if err != nil {
		return netset.Set{}, err
	}
	return wiki.BlockSet(blocks), nil
}

func (a *App) recentActivity(ctx context.Context, scope config.Scope, prefix netip.Prefix, since time.Time) ([]replica.Activity, error) {
	db, err := a.replicaFor(scope)
	if err != nil {
		return nil, err
	}
	return db.RecentActivity(ctx, prefix, since)
}

func (a *App) publish(ctx context.Context, scope config.Scope, rep *report.Report) (bool, error) {
	pub := &report.Publisher{Client: a.wikiFor(scope), Logger: a.Logger}
	return pub.Publish(ctx, report.PageTitle(scope), rep.Render(), editSummary)
}

// wikiFor returns the API client for the scope's wiki, creating it once.
func (a *App) wikiFor(scope config.Scope) *wiki.Client {
	site := scope.Site
	if scope.Kind == config.ScopeGlobal {
		site = a.Config.Wiki.GlobalSite
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.wikis[site]; ok {
		return c
	}
	c := wiki.NewClient(
		fmt.Sprintf(a.Config.Wiki.APIBase, site),
		a.Config.Wiki.UserAgent,
		a.Config.Wiki.Username,
		a.Config.Wiki.Password,
		a.Logger,
	)
	a.wikis[site] = c
	return c
}

func (a *App) replicaFor(scope config.Scope) (*replica.DB, error) {
	site := scope.Site
	if scope.Kind == config.ScopeGlobal {
		site = a.Config.Wiki.GlobalSite
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.replicas[site]; ok {
		return db, nil
	}
	db, err := replica.Open(a.Config.ReplicaDSN, site, a.Logger)
	if err != nil {
		return nil, err
	}
	a.replicas[site] = db
	return db, nil
}

// remoteConfig is the schema of the on-wiki JSON configuration page.
type remoteConfig struct {
	Registries map[string][]config.Provider `json:"registries"`
}

// mergeRemoteRegistries reads the on-wiki config page and merges its
// registries under the local ones. Local entries win on name collision so
// an operator override in the config file always holds.
func (a *App) mergeRemoteRegistries(ctx context.Context) error {
	client := a.wikiFor(config.Scope{Kind: config.ScopeGlobal})
	body, err := client.ReadPage(ctx, a.Config.Wiki.ConfigPage)
	if err != nil {
		return fmt.Errorf("reading config page %s: %w", a.Config.Wiki.ConfigPage, err)
	}
	if body == "" {
		a.Logger.Warn("config page missing or empty", "page", a.Config.Wiki.ConfigPage)
		return nil
	}

	var remote remoteConfig
	if err := json.Unmarshal([]byte(body), &remote); err != nil {
		return &errs.ParseError{Input: a.Config.Wiki.ConfigPage, Err: err}
	}

	if a.Config.Registries == nil {
		a.Config.Registries = make(map[string][]config.Provider)
	}
	for name, entries := range remote.Registries {
		local := a.Config.Registries[name]
		have := make(map[string]bool, len(local))
		for _, p := range local {
			have[p.Name] = true
		}
		for _, p := range entries {
			if have[p.Name] {
				continue
			}
			if err := p.Normalize(); err != nil {
				a.Logger.Warn("skipping invalid remote provider",
					"registry", name, "error", err)
				continue
			}
			local = append(local, p)
		}
		a.Config.Registries[name] = local
	}

	a.Logger.Info("merged on-wiki registries",
		"page", a.Config.Wiki.ConfigPage,
		"registries", len(remote.Registries))
	return nil
}
