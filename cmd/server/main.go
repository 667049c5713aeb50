package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leonardcser/mcache/internal/cache"
	"github.com/leonardcser/mcache/internal/config"
	"github.com/leonardcser/mcache/internal/logger"
	"github.com/leonardcser/mcache/internal/obs"
	"github.com/leonardcser/mcache/internal/socket"
	tools "github.com/leonardcser/mcache/internal/tools"
	web "github.com/leonardcser/mcache/internal/web"
)

const (
	fetchTTL  = 15 * time.Minute
	searchTTL = 5 * time.Minute
)

func main() {
	configPath := flag.String("config", os.Getenv("MCACHE_CONFIG"), "JSON cache config shared by both caches")
	local := flag.Bool("local", false, "keep the caches in this process instead of the shared cache server")
	flag.Parse()

	if err := logger.InitFromEnv(); err != nil {
		panic(err)
	}
	defer logger.Close()
	obs.SetDefaultMetrics(obs.NewMetrics())

	logger.Infof("Starting Web MCP server")

	base, err := loadConfig(*configPath, *local)
	if err != nil {
		logger.Errorf("config: %v", err)
		panic(err)
	}

	rt := socket.NewRuntime()
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warnf("close socket runtime: %v", err)
		}
	}()

	fetcher := web.NewFetcher()
	fetchCache, err := newCache(base, "MCACHE_FETCH", "fetch", fetchTTL, rt, cache.Options{
		Producer:      fetcher.Produce,
		BatchProducer: fetcher.ProduceMany,
	})
	if err != nil {
		logger.Errorf("fetch cache: %v", err)
		panic(err)
	}
	defer fetchCache.Close()

	searcher := web.NewSearcher()
	searchCache, err := newCache(base, "MCACHE_SEARCH", "search", searchTTL, rt, cache.Options{
		Producer: searcher.Produce,
	})
	if err != nil {
		logger.Errorf("search cache: %v", err)
		panic(err)
	}
	defer searchCache.Close()
	logger.Infof("Initialized fetch and search caches")

	s := server.NewMCPServer(
		"Web MCP",
		"0.2.0",
		server.WithRecovery(),
		server.WithToolCapabilities(false),
	)

	pages := web.NewPages(fetchCache)
	s.AddTool(mcp.NewTool("web-fetch",
		mcp.WithDescription(multiline(
			"Fetches content from a specified URL and returns the parsed content",
			"\nFunctionality:",
			"- Returns the title, description, links and markdown text of the page",
			"\nUsage notes:",
			"- The URL must be a fully-formed valid URL",
			"- HTTP URLs will be automatically upgraded to HTTPS",
			"- Results are cached for 15 minutes and shared between sessions",
		)),
		mcp.WithString("url", mcp.Required(), mcp.Description("The URL to fetch content from")),
	), tools.WebFetchHandler(pages))

	s.AddTool(mcp.NewTool("web-fetch-many",
		mcp.WithDescription(multiline(
			"Fetches several URLs at once and returns one section per URL",
			"\nUsage notes:",
			"- Pages already in the cache are returned without refetching",
			"- A URL that fails does not fail the others",
		)),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.WithStringItems(),
			mcp.MinItems(1),
			mcp.MaxItems(tools.MaxFetchMany),
			mcp.Description("The URLs to fetch"),
		),
	), tools.WebFetchManyHandler(pages))

	s.AddTool(mcp.NewTool("web-search",
		mcp.WithDescription(multiline(
			"Allows you to search the web and use the results to inform responses",
			"\nFunctionality:",
			"- Provides up-to-date information for current events and recent data",
			"- Returns an ordered list of titles, links and snippets",
			"\nUsage notes:",
			"- Identical queries within 5 minutes are answered from the cache",
		)),
		mcp.WithString("query", mcp.Required(), mcp.Description("The search query to use")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (1-20, default 10)")),
	), tools.WebSearchHandler(web.NewSearches(searchCache)))

	s.AddTool(mcp.NewTool("cache-gc",
		mcp.WithDescription("Removes expired entries from the fetch and search caches"),
	), tools.CacheGCHandler(map[string]tools.Collector{
		"fetch":  fetchCache,
		"search": searchCache,
	}))
	logger.Infof("Registered tools")

	logger.Infof("Starting MCP server on stdio")
	if err := server.ServeStdio(s); err != nil {
		logger.Errorf("server error: %v", err)
	}
}

// loadConfig reads the optional JSON file, applies MCACHE_* overrides and,
// unless local is set, points the caches at the shared server under
// ~/.cache/mcache.
func loadConfig(path string, local bool) (config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := config.ApplyEnv(cfg, "MCACHE"); err != nil {
		return config.Config{}, err
	}
	if local {
		cfg.SocketServer = nil
		return *cfg, nil
	}
	if cfg.SocketServer == nil {
		cfg.SocketServer = &config.SocketServer{}
	}
	ss := *cfg.SocketServer
	if ss.SocketPath == "" {
		ss.SocketPath = filepath.Join(defaultDir(), socket.DefaultSocketPath)
	}
	if ss.PIDFilePath == "" {
		ss.PIDFilePath = filepath.Join(defaultDir(), socket.DefaultPIDFilePath)
	}
	cfg.SocketServer = &ss
	return *cfg, nil
}

// newCache builds one cache from base, the <prefix>_* overrides and the
// producers in with. ttl applies when nothing configured one.
func newCache(base config.Config, prefix, name string, ttl time.Duration, rt *socket.Runtime, with cache.Options) (*cache.Cache, error) {
	cfg := base
	if cfg.TTL == 0 {
		cfg.TTL = config.Duration(ttl)
	}
	if cfg.SocketServer != nil {
		ss := *cfg.SocketServer
		cfg.SocketServer = &ss
	}
	if err := config.ApplyEnv(&cfg, prefix); err != nil {
		return nil, err
	}
	if cfg.Type == "bolt" && cfg.Path == "" {
		cfg.Path = filepath.Join(defaultDir(), name+".bbolt")
	}
	opts, err := config.BuildOptions(&cfg)
	if err != nil {
		return nil, err
	}
	opts.Runtime = rt
	opts.Producer = with.Producer
	opts.BatchProducer = with.BatchProducer
	c, err := cache.New(opts)
	if err != nil {
		return nil, err
	}
	logger.Infof("%s cache ready (type %s, ttl %s, shared %t)", name, cache.ApplyDefaults(opts).Type, opts.TTL, opts.Socket != nil)
	return c, nil
}

// multiline joins lines with newlines for tool descriptions.
func multiline(lines ...string) string { return strings.Join(lines, "\n") }

func defaultDir() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".cache", "mcache")
}
