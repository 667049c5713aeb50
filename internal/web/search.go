package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/leonardcser/mcache/internal/cache"
)

const (
	searchEndpoint = "https://html.duckduckgo.com/html/"
	// MaxResults is how many results are fetched and cached per query.
	MaxResults = 20
)

type SearchResult struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Link        string `json:"link"`
}

// Searcher queries DuckDuckGo's HTML endpoint. Produce is a cache producer
// keyed by normalized query.
type Searcher struct {
	client   *http.Client
	endpoint string
}

func NewSearcher() *Searcher {
	return &Searcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: searchEndpoint,
	}
}

// NormalizeQuery collapses whitespace so equivalent queries share one key.
func NormalizeQuery(q string) string { return singleLine(q) }

func (s *Searcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	q := NormalizeQuery(query)
	if q == "" {
		return nil, fmt.Errorf("empty query")
	}
	values := url.Values{"q": {q}, "kl": {"us-en"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", NextUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("duckduckgo status %d", resp.StatusCode)
	}
	return parseResults(resp.Body, MaxResults)
}

func parseResults(r io.Reader, limit int) ([]SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, limit)
	doc.Find("div.result.results_links.results_links_deep.web-result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		a := s.Find("a.result__a").First()
		link := strings.TrimSpace(a.AttrOr("href", ""))
		title := singleLine(a.Text())
		if title != "" && link != "" {
			results = append(results, SearchResult{
				Title:       title,
				Description: singleLine(s.Find("a.result__snippet").First().Text()),
				Link:        resultURL(link),
			})
		}
		return len(results) < limit
	})
	if len(results) > 0 {
		return results, nil
	}

	// Markup without the result wrappers: pair each anchor with the nearest
	// snippet above it.
	doc.Find("a.result__a").EachWithBreak(func(_ int, n *goquery.Selection) bool {
		results = append(results, SearchResult{
			Title:       singleLine(n.Text()),
			Description: singleLine(n.Parents().Find("a.result__snippet").First().Text()),
			Link:        resultURL(strings.TrimSpace(n.AttrOr("href", ""))),
		})
		return len(results) < limit
	})
	return results, nil
}

// resultURL unwraps DuckDuckGo's redirect links
// (//duckduckgo.com/l/?uddg=<escaped target>&rut=...) to the target URL.
func resultURL(link string) string {
	if strings.HasPrefix(link, "//duckduckgo.com/l/") {
		link = "https:" + link
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	target := u.Query().Get("uddg")
	if target == "" {
		return link
	}
	return target
}

func (s *Searcher) Produce(ctx context.Context, query string) (string, error) {
	results, err := s.Search(ctx, query)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Searches serves search results through a cache.
type Searches struct {
	cache *cache.Cache
}

func NewSearches(c *cache.Cache) *Searches { return &Searches{cache: c} }

func (s *Searches) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	q := NormalizeQuery(query)
	if q == "" {
		return nil, fmt.Errorf("empty query")
	}
	if limit <= 0 || limit > MaxResults {
		limit = 10
	}
	v, err := s.cache.Get(ctx, q)
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	if err := json.Unmarshal([]byte(v), &results); err != nil {
		return nil, fmt.Errorf("decode cached results: %w", err)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
