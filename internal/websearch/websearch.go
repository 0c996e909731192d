// Package websearch wraps a Brave/Tavily-style HTTP search API behind a
// single Search method, returning a formatted context block a deliberation
// pipeline can prepend to its first user prompt. A missing API key yields a
// no-op searcher rather than an error, so web search is opt-in at the
// environment-configuration level.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"llmcouncil/internal/observability"
)

// maxResults bounds how many hits are folded into the context block; the
// upstream API is asked for this many and any extra are ignored.
const maxResults = 5

// Client queries a configured search API and renders hits as a single text
// block. The zero value is not usable; construct with New or NoOp.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New returns a Client backed by a Brave/Tavily-style search endpoint.
// baseURL defaults to Brave's search endpoint when empty.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.search.brave.com/res/v1/web/search"
	}
	return &Client{
		httpClient: observability.NewHTTPClient(&http.Client{Timeout: 15 * time.Second}),
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

type searchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search queries the configured API and renders the top results as a
// Markdown-ish context block. It never returns a raw upstream error message
// to the caller unmodified content-wise, but it does return a Go error on
// failure — the pipeline layer decides whether a failed search degrades the
// prompt silently or surfaces a web_search_complete{error:true} event.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", maxResults))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("websearch: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("websearch: HTTP %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("websearch: decode: %w", err)
	}

	if len(parsed.Web.Results) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("## Web Search Results\n\n")
	for i, r := range parsed.Web.Results {
		if i >= maxResults {
			break
		}
		fmt.Fprintf(&sb, "%d. **%s** (%s)\n%s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	return sb.String(), nil
}

// NoOp is a WebSearcher that always returns an empty context, wired in when
// no search API key is configured.
type NoOp struct{}

// Search satisfies the WebSearcher interface without making a call.
func (NoOp) Search(ctx context.Context, query string) (string, error) {
	return "", nil
}
