package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/wikiops/rangerecon/internal/errs"
)

// ReadPage returns the current wikitext of a page. A missing page returns
// empty text and no error: a first-ever report has nothing to diff against.
func (c *Client) ReadPage(ctx context.Context, title string) (string, error) {
	resp, err := c.get(ctx, url.Values{
		"action":  {"query"},
		"prop":    {"revisions"},
		"titles":  {title},
		"rvprop":  {"content"},
		"rvslots": {"main"},
	})
	if err != nil {
		return "", err
	}
	var q struct {
		Pages []struct {
			Missing   bool `json:"missing"`
			Revisions []struct {
				Slots struct {
					Main struct {
						Content string `json:"content"`
					} `json:"main"`
				} `json:"slots"`
			} `json:"revisions"`
		} `json:"pages"`
	}
	if err := json.Unmarshal(resp.Query, &q); err != nil {
		return "", &errs.WikiAPIError{Op: "read", Err: err}
	}
	if len(q.Pages) == 0 || q.Pages[0].Missing || len(q.Pages[0].Revisions) == 0 {
		return "", nil
	}
	return q.Pages[0].Revisions[0].Slots.Main.Content, nil
}

// EditPage replaces a page's content. The write is attempted exactly once;
// retrying an edit whose response was lost risks a duplicate revision.
func (c *Client) EditPage(ctx context.Context, title, text, summary string) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	if c.csrfToken == "" {
		return &errs.WikiAPIError{Op: "edit", Err: fmt.Errorf("no csrf token; client has no credentials")}
	}
	resp, err := c.post(ctx, url.Values{
		"action":  {"edit"},
		"title":   {title},
		"text":    {text},
		"summary": {summary},
		"bot":     {"1"},
		"token":   {c.csrfToken},
	})
	if err != nil {
		return err
	}
	if resp.Edit == nil || resp.Edit.Result != "Success" {
		return &errs.WikiAPIError{Op: "edit", Err: fmt.Errorf("edit not confirmed")}
	}
	return nil
}
