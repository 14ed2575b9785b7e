package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/vinayprograms/warden/internal/policy"
)

const (
	tavilyEndpoint     = "https://api.tavily.com/search"
	duckduckgoEndpoint = "https://api.duckduckgo.com/"
	maxSnippet         = 400
	maxTitle           = 120
)

// SearchTool queries Tavily when an API key is set, otherwise the
// DuckDuckGo instant answer API.
type SearchTool struct {
	apiKey     string
	maxResults int
	client     *http.Client
	tavilyURL  string
	ddgURL     string
}

// NewSearchTool creates a search tool. maxResults is clamped to 1..10.
func NewSearchTool(apiKey string, maxResults int, timeout time.Duration) *SearchTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SearchTool{
		apiKey:     strings.TrimSpace(apiKey),
		maxResults: clamp(maxResults, 5),
		client:     &http.Client{Timeout: timeout},
		tavilyURL:  tavilyEndpoint,
		ddgURL:     duckduckgoEndpoint,
	}
}

func clamp(n, fallback int) int {
	if n == 0 {
		n = fallback
	}
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

func (t *SearchTool) Name() string { return policy.ToolSearch }

func (t *SearchTool) Description() string {
	return "Search the web and return titles, URLs and short snippets."
}

func (t *SearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"query":       "search terms",
		"max_results": "optional, 1 to 10",
	}
}

// SearchResult is one hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

func (t *SearchTool) Invoke(ctx context.Context, args map[string]interface{}) (*Result, error) {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return nil, Fatalf(t.Name(), "query is required")
	}
	limit := clamp(intArg(args, "max_results", t.maxResults), t.maxResults)

	var (
		provider string
		results  []SearchResult
		err      error
	)
	if t.apiKey != "" {
		provider = "tavily"
		results, err = t.tavily(ctx, query, limit)
	} else {
		provider = "duckduckgo"
		results, err = t.duckduckgo(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}

	items := make([]interface{}, 0, len(results))
	var out strings.Builder
	for i, r := range results {
		items = append(items, map[string]interface{}{"title": r.Title, "url": r.URL, "content": r.Content})
		fmt.Fprintf(&out, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
	}
	return &Result{
		OK:      true,
		Output:  out.String(),
		Payload: map[string]interface{}{"provider": provider, "results": items},
	}, nil
}

func (t *SearchTool) tavily(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"api_key":      t.apiKey,
		"query":        query,
		"max_results":  limit,
		"search_depth": "basic",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tavilyURL, bytes.NewReader(body))
	if err != nil {
		return nil, Fatal(t.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	data, err := t.do(req)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	gjson.GetBytes(data, "results").ForEach(func(_, item gjson.Result) bool {
		results = append(results, SearchResult{
			Title:   item.Get("title").String(),
			URL:     item.Get("url").String(),
			Content: truncate(item.Get("content").String(), maxSnippet),
		})
		return len(results) < limit
	})
	return results, nil
}

func (t *SearchTool) duckduckgo(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.ddgURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, Fatal(t.Name(), err)
	}
	data, err := t.do(req)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	gjson.GetBytes(data, "RelatedTopics").ForEach(func(_, topic gjson.Result) bool {
		if first := topic.Get("FirstURL").String(); first != "" {
			text := topic.Get("Text").String()
			results = append(results, SearchResult{
				Title:   truncate(text, maxTitle),
				URL:     first,
				Content: truncate(text, maxSnippet),
			})
		}
		return len(results) < limit
	})
	if len(results) == 0 {
		if abstractURL := gjson.GetBytes(data, "AbstractURL").String(); abstractURL != "" {
			results = append(results, SearchResult{
				Title:   gjson.GetBytes(data, "Heading").String(),
				URL:     abstractURL,
				Content: truncate(gjson.GetBytes(data, "AbstractText").String(), maxSnippet),
			})
		}
	}
	return results, nil
}

// do sends req and classifies failures: transport errors and 5xx/429 are
// retryable, other non-2xx statuses and invalid JSON are fatal.
func (t *SearchTool) do(req *http.Request) ([]byte, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && !urlErr.Timeout() && !isNetError(urlErr.Err) {
			return nil, Fatal(t.Name(), err)
		}
		return nil, Retryable(t.Name(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, Retryable(t.Name(), err)
	}
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, Retryable(t.Name(), fmt.Errorf("search backend returned %s", resp.Status))
	case resp.StatusCode >= 300:
		return nil, Fatal(t.Name(), fmt.Errorf("search backend returned %s", resp.Status))
	}
	if !gjson.ValidBytes(data) {
		return nil, Fatal(t.Name(), errors.New("search backend returned invalid JSON"))
	}
	return data, nil
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
