package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Collector is anything with an on-demand storage sweep.
type Collector interface {
	GC(ctx context.Context) error
}

// CacheGCHandler returns the MCP tool handler for "cache-gc". It sweeps every
// named cache and reports each outcome.
func CacheGCHandler(caches map[string]Collector) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		names := sortedNames(caches)
		lines := make([]string, 0, len(names))
		failed := false
		for _, name := range names {
			if err := caches[name].GC(ctx); err != nil {
				failed = true
				lines = append(lines, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			lines = append(lines, name+": swept")
		}
		text := strings.Join(lines, "\n")
		if failed {
			return mcp.NewToolResultError(text), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func sortedNames(caches map[string]Collector) []string {
	names := make([]string, 0, len(caches))
	for n := range caches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
