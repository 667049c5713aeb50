package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/leonardcser/mcache/internal/cache"
	"github.com/leonardcser/mcache/internal/logger"
)

const (
	RequestTimeout = 20 * time.Second
	// FetchParallelism bounds the pages one batch fetches at once.
	FetchParallelism = 4
)

// Fetcher downloads pages. Its Produce and ProduceMany methods are cache
// producers returning JSON-encoded PageSummary values.
type Fetcher struct {
	base *colly.Collector
}

func NewFetcher() *Fetcher {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.Async(false),
	)
	c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: FetchParallelism,
		Delay:       1 * time.Second,
	})
	c.SetRequestTimeout(RequestTimeout)
	return &Fetcher{base: c}
}

// Page downloads and summarizes one URL.
func (f *Fetcher) Page(ctx context.Context, rawURL string) (*PageSummary, error) {
	if err := CheckURL(rawURL); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c := f.base.Clone()
	c.Context = ctx
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", NextUserAgent())
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	var (
		finalURL    string
		body        []byte
		contentType string
	)
	c.OnResponse(func(r *colly.Response) {
		finalURL = r.Request.URL.String()
		body = append([]byte(nil), r.Body...)
		contentType = r.Headers.Get("Content-Type")
	})

	if err := c.Visit(rawURL); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return Summarize(finalURL, contentType, body)
}

// Produce is a cache.Producer keyed by URL.
func (f *Fetcher) Produce(ctx context.Context, rawURL string) (string, error) {
	ps, err := f.Page(ctx, rawURL)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ProduceMany is a cache.BatchProducer. Pages that fail are left out of the
// result, so the cache reports them as missing.
func (f *Fetcher) ProduceMany(ctx context.Context, urls []string) (map[string]string, error) {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]string, len(urls))
		sem = make(chan struct{}, FetchParallelism)
	)
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			v, err := f.Produce(ctx, u)
			if err != nil {
				logger.Warnf("fetch %s: %v", u, err)
				return
			}
			mu.Lock()
			out[u] = v
			mu.Unlock()
		}(u)
	}
	wg.Wait()
	return out, nil
}

// CheckURL rejects anything but absolute http(s) URLs.
func CheckURL(rawURL string) error {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return errors.New("url must start with http:// or https://")
	}
	return nil
}

// Pages serves page summaries through a cache.
type Pages struct {
	cache *cache.Cache
}

func NewPages(c *cache.Cache) *Pages { return &Pages{cache: c} }

func (p *Pages) Fetch(ctx context.Context, rawURL string) (*PageSummary, error) {
	if err := CheckURL(rawURL); err != nil {
		return nil, err
	}
	v, err := p.cache.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return decodePage(v)
}

// FetchMany returns a summary or an error for every URL. All misses are
// fetched as one batch; when the batch fails as a whole each URL is looked
// up on its own so that one bad page does not hide the others.
func (p *Pages) FetchMany(ctx context.Context, urls []string) (map[string]*PageSummary, map[string]error) {
	pages := make(map[string]*PageSummary, len(urls))
	errs := make(map[string]error)

	valid := make([]string, 0, len(urls))
	for _, u := range urls {
		if err := CheckURL(u); err != nil {
			errs[u] = err
			continue
		}
		valid = append(valid, u)
	}
	if len(valid) == 0 {
		return pages, errs
	}

	vals, err := p.cache.GetMany(ctx, valid)
	if err != nil {
		if ctx.Err() != nil {
			for _, u := range valid {
				errs[u] = ctx.Err()
			}
			return pages, errs
		}
		logger.Warnf("batch fetch of %d url(s): %v", len(valid), err)
		vals = make(map[string]string, len(valid))
		for _, u := range valid {
			v, err := p.cache.Get(ctx, u)
			if err != nil {
				errs[u] = err
				continue
			}
			vals[u] = v
		}
	}
	for u, v := range vals {
		ps, err := decodePage(v)
		if err != nil {
			errs[u] = err
			continue
		}
		pages[u] = ps
	}
	return pages, errs
}

func decodePage(v string) (*PageSummary, error) {
	var ps PageSummary
	if err := json.Unmarshal([]byte(v), &ps); err != nil {
		return nil, fmt.Errorf("decode cached page: %w", err)
	}
	return &ps, nil
}
