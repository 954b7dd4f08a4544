package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// WhoisClient queries a WHOIS gateway to confirm a range still belongs to
// the provider it was resolved for. Registrations move; a stale ASN match
// would otherwise produce a candidate against an innocent new holder.
type WhoisClient struct {
	API    string
	HTTP   *http.Client
	Logger *slog.Logger
}

// NewWhoisClient builds a client for the given gateway URL.
func NewWhoisClient(api string, logger *slog.Logger) *WhoisClient {
	return &WhoisClient{
		API:    api,
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		Logger: logger,
	}
}

// Matches reports whether the WHOIS record for the range's first address
// mentions any of the search terms (already lowercased). Lookup failures
// return false with a warning: an unconfirmable range is excluded rather
// than reported on stale evidence.
func (w *WhoisClient) Matches(ctx context.Context, prefix netip.Prefix, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	u := fmt.Sprintf("%s?%s", w.API, url.Values{
		"ip":     {prefix.Addr().String()},
		"lookup": {"true"},
		"format": {"json"},
	}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		w.Logger.Warn("whois lookup failed", "range", prefix, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.Logger.Warn("whois lookup failed", "range", prefix, "status", resp.StatusCode)
		return false
	}

	var doc struct {
		Nets []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"nets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		w.Logger.Warn("whois response unparsable", "range", prefix, "error", err)
		return false
	}
	for _, net := range doc.Nets {
		name := strings.ToLower(net.Name)
		desc := strings.ToLower(net.Description)
		for _, term := range terms {
			if strings.Contains(desc, term) || strings.Contains(name, term) {
				return true
			}
		}
	}
	return false
}
