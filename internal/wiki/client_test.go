package wiki

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "rangerecon-test", "", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.MaxRetries = 2
	return c
}

func TestActiveRangeBlocksPagesAndFilters(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	page := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("list") != "blocks" {
			t.Errorf("unexpected list param %q", r.URL.Query().Get("list"))
		}
		switch page {
		case 0:
			if r.URL.Query().Get("bkcontinue") != "" {
				t.Error("first page carried a continuation token")
			}
			page++
			fmt.Fprint(w, `{
				"continue": {"bkcontinue": "next", "continue": "-||"},
				"query": {"blocks": [
					{"address": "203.0.113.128/25", "expiry": "infinity"},
					{"address": "198.51.100.77", "expiry": "2024-12-01T00:00:00Z"}
				]}
			}`)
		default:
			if r.URL.Query().Get("bkcontinue") != "next" {
				t.Errorf("continuation token not echoed, got %q", r.URL.Query().Get("bkcontinue"))
			}
			fmt.Fprint(w, `{
				"query": {"blocks": [
					{"address": "192.0.2.0/24", "expiry": "2024-01-01T00:00:00Z"},
					{"address": "not an ip", "expiry": "infinity"},
					{"address": "2001:db8::/32", "expiry": "20250101000000"}
				]}
			}`)
		}
	}))

	blocks, err := c.ActiveRangeBlocks(context.Background(), now)
	if err != nil {
		t.Fatalf("ActiveRangeBlocks: %v", err)
	}
	// Expired 192.0.2.0/24 and the unparsable entry are dropped; the single
	// address becomes a /32.
	want := []string{"203.0.113.128/25", "198.51.100.77/32", "2001:db8::/32"}
	if len(blocks) != len(want) {
		t.Fatalf("got %d blocks %v, want %d", len(blocks), blocks, len(want))
	}
	for i, w := range want {
		if blocks[i].Prefix.String() != w {
			t.Errorf("block %d = %s, want %s", i, blocks[i].Prefix, w)
		}
	}
	if !blocks[0].Expiry.IsZero() {
		t.Error("indefinite block should have zero expiry")
	}
}

func TestExpiryUsesEvaluationClock(t *testing.T) {
	b, err := parseBlock("203.0.113.0/24", "2024-06-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Active(time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)) {
		t.Error("block inactive before its expiry")
	}
	if b.Active(time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)) {
		t.Error("block active after its expiry")
	}
}

func TestReadRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"query": {"pages": [{"revisions": [{"slots": {"main": {"content": "hello"}}}]}]}}`)
	}))

	text, err := c.ReadPage(context.Background(), "Title")
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if text != "hello" {
		t.Errorf("content = %q", text)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestReadMissingPageIsEmpty(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"query": {"pages": [{"missing": true}]}}`)
	}))
	text, err := c.ReadPage(context.Background(), "Nope")
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if text != "" {
		t.Errorf("missing page content = %q, want empty", text)
	}
}

func TestAPIErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"error": {"code": "badtitle", "info": "Bad title"}}`)
	}))
	if _, err := c.ReadPage(context.Background(), "::bad::"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("API-level error retried %d times", calls.Load())
	}
}

func TestEditWithoutCredentialsFails(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	}))
	if err := c.EditPage(context.Background(), "T", "text", "sum"); err == nil {
		t.Fatal("edit without credentials should fail")
	}
}
