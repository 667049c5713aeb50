package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leonardcser/mcache/internal/logger"
	web "github.com/leonardcser/mcache/internal/web"
)

// MaxFetchMany caps the URLs one web-fetch-many call may ask for.
const MaxFetchMany = 10

// PageFetcher is what the fetch tools need from web.Pages.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*web.PageSummary, error)
	FetchMany(ctx context.Context, urls []string) (map[string]*web.PageSummary, map[string]error)
}

// WebFetchHandler returns the MCP tool handler for the "web-fetch" tool.
func WebFetchHandler(pages PageFetcher) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if ctx.Err() != nil {
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		}
		url, err := req.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ps, err := pages.Fetch(ctx, upgradeHTTP(url))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatPageSummary(ps)), nil
	}
}

// WebFetchManyHandler returns the MCP tool handler for "web-fetch-many".
func WebFetchManyHandler(pages PageFetcher) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		urls, err := req.RequireStringSlice("urls")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(urls) == 0 {
			return mcp.NewToolResultError("urls must not be empty"), nil
		}
		if len(urls) > MaxFetchMany {
			return mcp.NewToolResultError(fmt.Sprintf("at most %d urls per call", MaxFetchMany)), nil
		}
		for i := range urls {
			urls[i] = upgradeHTTP(strings.TrimSpace(urls[i]))
		}
		got, errs := pages.FetchMany(ctx, urls)
		if len(errs) > 0 {
			logger.Warnf("web-fetch-many: %d of %d url(s) failed: %v", len(errs), len(urls), failedURLs(errs))
		}
		return mcp.NewToolResultText(formatPages(urls, got, errs)), nil
	}
}

// upgradeHTTP rewrites plain http URLs to https.
func upgradeHTTP(u string) string {
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "https://" + rest
	}
	return u
}

func formatPageSummary(ps *web.PageSummary) string {
	var sb strings.Builder
	if ps.Title != "" {
		fmt.Fprintf(&sb, "# %s\n\n", ps.Title)
	}
	if ps.Description != "" {
		sb.WriteString(ps.Description)
		sb.WriteString("\n\n")
	}
	if len(ps.Links) > 0 {
		sb.WriteString("## Links\n")
		for _, l := range ps.Links {
			fmt.Fprintf(&sb, "- %s\n", l)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(ps.Text)
	return sb.String()
}

// formatPages renders one section per requested URL, in request order, with
// duplicates shown once.
func formatPages(urls []string, pages map[string]*web.PageSummary, errs map[string]error) string {
	seen := make(map[string]bool, len(urls))
	var sections []string
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		var body string
		switch {
		case pages[u] != nil:
			body = formatPageSummary(pages[u])
		case errs[u] != nil:
			body = "Error: " + errs[u].Error()
		default:
			body = "Error: no result"
		}
		sections = append(sections, fmt.Sprintf("<page url=%q>\n%s\n</page>", u, body))
	}
	return strings.Join(sections, "\n\n")
}

// failedURLs lists the URLs of errs in order.
func failedURLs(errs map[string]error) []string {
	out := make([]string, 0, len(errs))
	for u := range errs {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
