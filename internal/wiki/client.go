// Package wiki is a thin client for the MediaWiki Action API, covering only
// what reconciliation needs: listing active range blocks, reading pages, and
// publishing reports. Reads are retried with exponential backoff; writes are
// never retried so a timeout can not turn into a duplicate publish.
package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/wikiops/rangerecon/internal/errs"
)

// Client talks to one wiki's Action API.
type Client struct {
	apiURL    string
	userAgent string
	username  string
	password  string

	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	// MaxRetries caps read attempts. Writes always get exactly one.
	MaxRetries uint64

	csrfToken string
	loggedIn  bool
}

// NewClient builds a client for the given api.php endpoint. Credentials may
// be empty for read-only use.
func NewClient(apiURL, userAgent, username, password string, logger *slog.Logger) *Client {
	return &Client{
		apiURL:    apiURL,
		userAgent: userAgent,
		username:  username,
		password:  password,
		http: &http.Client{
			Timeout: 2 * time.Minute,
		},
		// The API etiquette for bots is serial requests; one request per
		// 200ms keeps well inside that while batches page through results.
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		logger:     logger,
		MaxRetries: 4,
	}
}

// SetHTTPClient overrides the transport, used by tests.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

type apiResponse struct {
	Error *struct {
		Code string `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
	Continue map[string]string `json:"continue"`
	Query    json.RawMessage   `json:"query"`
	Edit     *struct {
		Result string `json:"result"`
	} `json:"edit"`
	Login *struct {
		Result string `json:"result"`
		Reason string `json:"reason"`
	} `json:"login"`
}

// get performs a retried API read.
func (c *Client) get(ctx context.Context, params url.Values) (*apiResponse, error) {
	var resp *apiResponse
	op := func() error {
		r, err := c.do(ctx, http.MethodGet, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// post performs a single unretried API write.
func (c *Client) post(ctx context.Context, params url.Values) (*apiResponse, error) {
	return c.do(ctx, http.MethodPost, params)
}

func (c *Client) do(ctx context.Context, method string, params url.Values) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params.Set("format", "json")
	params.Set("formatversion", "2")

	var req *http.Request
	var err error
	action := params.Get("action")
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, c.apiURL,
			strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method,
			c.apiURL+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, backoff.Permanent(&errs.WikiAPIError{Op: action, Err: err})
	}
	req.Header.Set("User-Agent", c.userAgent)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.WikiAPIError{Op: action, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		err := &errs.WikiAPIError{Op: action, Status: httpResp.StatusCode,
			Err: fmt.Errorf("unexpected status")}
		if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 &&
			httpResp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &errs.WikiAPIError{Op: action, Err: err}
	}
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &errs.WikiAPIError{Op: action, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if resp.Error != nil {
		apiErr := &errs.WikiAPIError{Op: action,
			Err: fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Info)}
		// API-level errors are not transient; do not burn retries on them.
		return nil, backoff.Permanent(apiErr)
	}
	return &resp, nil
}

// login performs the bot-password login flow and caches a CSRF token.
func (c *Client) login(ctx context.Context) error {
	if c.loggedIn || c.username == "" {
		return nil
	}
	loginToken, err := c.token(ctx, "login")
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, url.Values{
		"action":     {"login"},
		"lgname":     {c.username},
		"lgpassword": {c.password},
		"lgtoken":    {loginToken},
	})
	if err != nil {
		return err
	}
	if resp.Login != nil && resp.Login.Result != "Success" {
		return &errs.WikiAPIError{Op: "login",
			Err: fmt.Errorf("%s: %s", resp.Login.Result, resp.Login.Reason)}
	}
	c.loggedIn = true

	csrf, err := c.token(ctx, "csrf")
	if err != nil {
		return err
	}
	c.csrfToken = csrf
	return nil
}

func (c *Client) token(ctx context.Context, typ string) (string, error) {
	resp, err := c.get(ctx, url.Values{
		"action": {"query"},
		"meta":   {"tokens"},
		"type":   {typ},
	})
	if err != nil {
		return "", err
	}
	var q struct {
		Tokens map[string]string `json:"tokens"`
	}
	if err := json.Unmarshal(resp.Query, &q); err != nil {
		return "", &errs.WikiAPIError{Op: "token", Err: err}
	}
	tok, ok := q.Tokens[typ+"token"]
	if !ok {
		return "", &errs.WikiAPIError{Op: "token", Err: fmt.Errorf("no %s token in response", typ)}
	}
	return tok, nil
}
