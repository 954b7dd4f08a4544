// Package config holds the validated runtime configuration: the scopes to
// reconcile, the provider registries, and the connection settings for the
// external data sources. Everything is checked at load time; the pipeline
// never sees an unvalidated value.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ScopeKind is a closed enum of the contexts a reconciliation runs in.
type ScopeKind string

const (
	// ScopeSite reconciles ranges against a single wiki.
	ScopeSite ScopeKind = "site"
	// ScopeGlobal reconciles against the central login wiki, covering
	// cross-site accounts. Global scopes use the centralauth provider
	// registry and conventionally run without an activity window.
	ScopeGlobal ScopeKind = "global"
)

// Scope configures one reconciliation unit.
type Scope struct {
	Kind ScopeKind `mapstructure:"kind"`
	// Site is the wiki domain, e.g. "en.wikipedia.org". Empty for global.
	Site string `mapstructure:"site"`
	// ActivityWindowDays bounds candidates to ranges with platform activity
	// in the last N days. nil disables the activity filter entirely; this
	// is intentional policy for the global scope, not a default of zero.
	ActivityWindowDays *int `mapstructure:"activity_window_days"`
	// ProviderSource names the registry to resolve; empty means "default"
	// for site scopes and "centralauth" for global ones.
	ProviderSource string `mapstructure:"provider_source"`
	// ReportPage overrides the page the report is published to.
	ReportPage string `mapstructure:"report_page"`
}

// ID returns the stable identifier used in logs, results, and report paths.
func (s Scope) ID() string {
	if s.Kind == ScopeGlobal {
		return "global"
	}
	return s.Site
}

// Registry returns the provider registry this scope resolves.
func (s Scope) Registry() string {
	if s.ProviderSource != "" {
		return s.ProviderSource
	}
	if s.Kind == ScopeGlobal {
		return "centralauth"
	}
	return "default"
}

// HasActivityWindow reports whether the activity filter applies.
func (s Scope) HasActivityWindow() bool {
	return s.ActivityWindowDays != nil
}

func (s Scope) validate() error {
	switch s.Kind {
	case ScopeSite:
		if s.Site == "" {
			return fmt.Errorf("site scope requires a site domain")
		}
	case ScopeGlobal:
		if s.Site != "" {
			return fmt.Errorf("global scope must not set a site domain")
		}
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	if s.ActivityWindowDays != nil && *s.ActivityWindowDays <= 0 {
		return fmt.Errorf("scope %s: activity window must be positive, got %d",
			s.ID(), *s.ActivityWindowDays)
	}
	return nil
}

// Provider describes one hosting/VPN provider entry in a registry. The
// json tags match the on-wiki configuration page schema.
type Provider struct {
	// Name is the display name used in report evidence.
	Name string `mapstructure:"name" json:"name"`
	// BlockName overrides Name in block reason templates.
	BlockName string `mapstructure:"block_name" json:"block_name"`
	// ASNs resolved against RIR delegation data, e.g. ["AS14618", "16509"].
	ASNs []string `mapstructure:"asns" json:"asns"`
	// FeedURL points at a machine-readable published range feed, used
	// instead of or in addition to ASN resolution.
	FeedURL string `mapstructure:"feed_url" json:"feed_url"`
	// Feed selects the feed parser: amazon, google, microsoft, oracle,
	// icloud. Required when FeedURL is set.
	Feed string `mapstructure:"feed" json:"feed"`
	// Search terms matched against WHOIS descriptions to confirm a range
	// still belongs to this provider. Lowercased at load.
	Search []string `mapstructure:"search" json:"search"`
	// ExpiryHint is the suggested restriction duration, e.g. "1 year".
	ExpiryHint string `mapstructure:"expiry_hint" json:"expiry_hint"`
	// Sensitive marks providers whose ranges warrant a hard restriction.
	Sensitive bool `mapstructure:"sensitive" json:"sensitive"`
}

// DisplayBlockName returns the name to use in restriction templates.
func (p Provider) DisplayBlockName() string {
	if p.BlockName != "" {
		return p.BlockName
	}
	return p.Name
}

var knownFeeds = map[string]bool{
	"amazon": true, "google": true, "microsoft": true,
	"oracle": true, "icloud": true,
}

// Normalize lowercases search terms and checks the entry the same way
// load-time validation does. Entries arriving outside Load, such as those
// merged from the on-wiki config page, must pass through here before use.
func (p *Provider) Normalize() error {
	for i, s := range p.Search {
		p.Search[i] = strings.ToLower(s)
	}
	return p.validate()
}

func (p Provider) validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider entry missing name")
	}
	if len(p.ASNs) == 0 && p.FeedURL == "" {
		return fmt.Errorf("provider %s: needs asns or feed_url", p.Name)
	}
	if p.FeedURL != "" && !knownFeeds[p.Feed] {
		return fmt.Errorf("provider %s: unknown feed parser %q", p.Name, p.Feed)
	}
	return nil
}

// Config is the full validated runtime configuration.
type Config struct {
	Scopes []Scope `mapstructure:"scopes"`
	// Registries maps a registry name ("default", "centralauth") to its
	// provider entries.
	Registries map[string][]Provider `mapstructure:"registries"`

	Wiki struct {
		// APIBase is the Action API URL pattern; %s is the site domain.
		APIBase string `mapstructure:"api_base"`
		// GlobalSite is the central login wiki domain for global scopes.
		GlobalSite string `mapstructure:"global_site"`
		UserAgent  string `mapstructure:"user_agent"`
		Username   string `mapstructure:"username"`
		Password   string `mapstructure:"password"`
		// ConfigPage optionally names an on-wiki JSON page whose registries
		// are merged under the local ones.
		ConfigPage string `mapstructure:"config_page"`
	} `mapstructure:"wiki"`

	RedisURL   string `mapstructure:"redis_url"`
	ReplicaDSN string `mapstructure:"replica_dsn"`
	WhoisAPI   string `mapstructure:"whois_api"`

	Deadline       time.Duration `mapstructure:"deadline"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	AlertWebhook   string        `mapstructure:"alert_webhook"`
	OtelEndpoint   string        `mapstructure:"otel_endpoint"`
}

// Defaults mirror the production deployment.
const (
	DefaultDeadline    = 8 * time.Hour
	DefaultConcurrency = 2
)

// Load reads and validates configuration from the given file plus
// RANGERECON_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RANGERECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.seedBuiltinRegistry()
	if c.Deadline == 0 {
		c.Deadline = DefaultDeadline
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = DefaultConcurrency
	}
	if c.Wiki.APIBase == "" {
		c.Wiki.APIBase = "https://%s/w/api.php"
	}
	if c.Wiki.GlobalSite == "" {
		c.Wiki.GlobalSite = "meta.wikimedia.org"
	}
	for name, providers := range c.Registries {
		for i := range providers {
			for j, s := range providers[i].Search {
				providers[i].Search[j] = strings.ToLower(s)
			}
		}
		c.Registries[name] = providers
	}
}

// Validate checks the closed invariants the pipeline relies on.
func (c *Config) Validate() error {
	if len(c.Scopes) == 0 {
		return fmt.Errorf("no scopes configured")
	}
	seen := map[string]bool{}
	for _, s := range c.Scopes {
		if err := s.validate(); err != nil {
			return err
		}
		if seen[s.ID()] {
			return fmt.Errorf("duplicate scope %s", s.ID())
		}
		seen[s.ID()] = true
		// A registry may also arrive from the on-wiki config page, resolved
		// at run time; require it locally only when no page is configured.
		if _, ok := c.Registries[s.Registry()]; !ok && c.Wiki.ConfigPage == "" {
			return fmt.Errorf("scope %s references unknown registry %q",
				s.ID(), s.Registry())
		}
	}
	for name, providers := range c.Registries {
		for _, p := range providers {
			if err := p.validate(); err != nil {
				return fmt.Errorf("registry %s: %w", name, err)
			}
		}
	}
	return nil
}

// ParseScopeArg parses a CLI scope tuple: "site=<domain>[,days=<n>]" or
// "global". It exists so ad-hoc runs can target a scope without a config
// edit.
func ParseScopeArg(arg string) (Scope, error) {
	if arg == "global" {
		return Scope{Kind: ScopeGlobal}, nil
	}
	var s Scope
	s.Kind = ScopeSite
	for _, part := range strings.Split(arg, ",") {
		k, val, found := strings.Cut(part, "=")
		if !found {
			return Scope{}, fmt.Errorf("bad scope argument %q", arg)
		}
		switch k {
		case "site":
			s.Site = val
		case "days":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return Scope{}, fmt.Errorf("bad days value %q in scope %q", val, arg)
			}
			s.ActivityWindowDays = &n
		default:
			return Scope{}, fmt.Errorf("unknown key %q in scope %q", k, arg)
		}
	}
	if err := s.validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}
