package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	web "github.com/leonardcser/mcache/internal/web"
)

// ResultSearcher is what the search tool needs from web.Searches.
type ResultSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]web.SearchResult, error)
}

// WebSearchHandler returns the MCP tool handler for the "web-search" tool.
func WebSearchHandler(searcher ResultSearcher) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		results, err := searcher.Search(ctx, q, req.GetInt("limit", 10))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatSearchResults(results)), nil
	}
}

// formatSearchResults renders an ordered list with one URL line per result.
func formatSearchResults(results []web.SearchResult) string {
	if len(results) == 0 {
		return "No results."
	}
	blocks := make([]string, len(results))
	for i, r := range results {
		b := fmt.Sprintf("%d. %s\n   %s", i+1, r.Title, r.Link)
		if r.Description != "" {
			b += "\n   " + r.Description
		}
		blocks[i] = b
	}
	return strings.Join(blocks, "\n\n")
}
