package resolver

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentforge/internal/metrics"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/tool"
)

// CatalogOptions configures a Catalog.
type CatalogOptions struct {
	// Cache, when set, is consulted before listing an MCP server.
	Cache CatalogCache
	// CacheTTL is the lifetime of cached listings (default 1h).
	CacheTTL time.Duration
	// ListTimeout bounds a single tools/list call (default 30s).
	ListTimeout time.Duration
	Logger      logging.Logger
}

// catalogSnapshot is immutable once published.
type catalogSnapshot struct {
	builtins    map[string]tool.Tool
	servers     map[string]map[string]tool.Tool
	refreshedAt time.Time
}

type mcpServer struct {
	client *tool.MCPClient
	denied map[string]bool
}

// Catalog is the process-wide registry of tools that agent definitions can
// reference by name: builtin tools and the tools listed by MCP servers.
// Readers see an immutable snapshot that is swapped atomically on refresh.
type Catalog struct {
	opts CatalogOptions

	mu      sync.Mutex // serializes writers
	servers map[string]*mcpServer

	snapshot atomic.Pointer[catalogSnapshot]
}

// NewCatalog creates a catalog containing the builtin tools.
func NewCatalog(optFns ...func(o *CatalogOptions)) *Catalog {
	opts := CatalogOptions{
		CacheTTL:    time.Hour,
		ListTimeout: 30 * time.Second,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	c := &Catalog{opts: opts, servers: map[string]*mcpServer{}}

	builtins := map[string]tool.Tool{}
	for _, t := range tool.Builtins() {
		builtins[t.Name()] = t
	}

	c.snapshot.Store(&catalogSnapshot{builtins: builtins, servers: map[string]map[string]tool.Tool{}})

	return c
}

// RegisterBuiltin adds (or replaces) a builtin tool.
func (c *Catalog) RegisterBuiltin(t tool.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot.Load()
	next := &catalogSnapshot{
		builtins:    maps.Clone(cur.builtins),
		servers:     cur.servers,
		refreshedAt: cur.refreshedAt,
	}
	next.builtins[t.Name()] = t

	c.snapshot.Store(next)
}

// RegisterMCPServer registers an MCP server. Its tools become visible after
// the next Refresh. Tools named in denied are never exposed.
func (c *Catalog) RegisterMCPServer(name, url string, headers map[string]string, denied []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := make(map[string]bool, len(denied))
	for _, n := range denied {
		d[n] = true
	}

	c.servers[name] = &mcpServer{client: tool.NewMCPClient(name, url, headers), denied: d}
}

// Refresh lists every registered MCP server and publishes a new snapshot.
// A server that cannot be listed keeps its previous tools; the returned
// error joins all server failures.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot.Load()
	servers := make(map[string]map[string]tool.Tool, len(c.servers))

	var errs []error

	for _, name := range slices.Sorted(maps.Keys(c.servers)) {
		srv := c.servers[name]

		infos, err := c.listTools(ctx, name, srv)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.opts.Logger.Warn("catalog.refresh.server_failed", "server", name, "error", err.Error())
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))

			if prev, ok := cur.servers[name]; ok {
				servers[name] = prev
			}

			continue
		}

		tools := make(map[string]tool.Tool, len(infos))

		for _, info := range infos {
			if srv.denied[info.Name] {
				continue
			}

			tools[info.Name] = tool.NewMCPTool(srv.client, info)
		}

		servers[name] = tools
	}

	c.snapshot.Store(&catalogSnapshot{builtins: cur.builtins, servers: servers, refreshedAt: time.Now()})

	switch {
	case len(errs) == 0:
		metrics.CatalogRefreshTotal.WithLabelValues("success").Inc()
	case len(errs) == len(c.servers):
		metrics.CatalogRefreshTotal.WithLabelValues("failure").Inc()
	default:
		metrics.CatalogRefreshTotal.WithLabelValues("partial").Inc()
	}

	c.opts.Logger.Debug("catalog.refresh.done", "servers", len(servers), "failed", len(errs))

	return errors.Join(errs...)
}

func (c *Catalog) listTools(ctx context.Context, name string, srv *mcpServer) ([]tool.MCPToolInfo, error) {
	if c.opts.Cache != nil {
		infos, ok, err := c.opts.Cache.Load(ctx, name)
		if err != nil {
			c.opts.Logger.Warn("catalog.cache.load_failed", "server", name, "error", err.Error())
		} else if ok {
			return infos, nil
		}
	}

	listCtx, cancel := context.WithTimeout(ctx, c.opts.ListTimeout)
	defer cancel()

	infos, err := srv.client.ListTools(listCtx)
	if err != nil {
		return nil, err
	}

	if c.opts.Cache != nil {
		if err := c.opts.Cache.Store(ctx, name, infos, c.opts.CacheTTL); err != nil {
			c.opts.Logger.Warn("catalog.cache.store_failed", "server", name, "error", err.Error())
		}
	}

	return infos, nil
}

// StartAutoRefresh refreshes the catalog every interval until ctx is done.
func (c *Catalog) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
					c.opts.Logger.Warn("catalog.autorefresh.failed", "error", err.Error())
				}
			}
		}
	}()
}

// Lookup finds a catalog tool. name may be qualified as "server/tool". An
// empty server searches builtins first (unless kind is mcp), then every MCP
// server in name order.
func (c *Catalog) Lookup(name, server string, mcpOnly bool) (tool.Tool, bool) {
	snap := c.snapshot.Load()

	if server == "" {
		if s, n, ok := strings.Cut(name, "/"); ok {
			server, name = s, n
		}
	}

	if server != "" {
		t, ok := snap.servers[server][name]
		return t, ok
	}

	if !mcpOnly {
		if t, ok := snap.builtins[name]; ok {
			return t, true
		}
	}

	for _, s := range slices.Sorted(maps.Keys(snap.servers)) {
		if t, ok := snap.servers[s][name]; ok {
			return t, true
		}
	}

	return nil, false
}

// Builtin returns a builtin tool by name.
func (c *Catalog) Builtin(name string) (tool.Tool, bool) {
	t, ok := c.snapshot.Load().builtins[name]
	return t, ok
}

// Names lists every tool in the current snapshot; MCP tools are qualified
// with their server.
func (c *Catalog) Names() []string {
	snap := c.snapshot.Load()

	names := slices.Collect(maps.Keys(snap.builtins))

	for s, tools := range snap.servers {
		for n := range tools {
			names = append(names, s+"/"+n)
		}
	}

	slices.Sort(names)

	return names
}

// RefreshedAt reports when MCP listings were last refreshed.
func (c *Catalog) RefreshedAt() time.Time { return c.snapshot.Load().refreshedAt }
