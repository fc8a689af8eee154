package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentforge/tool"
)

// CatalogCache stores MCP tool listings so that several processes (or
// restarts) do not hammer the MCP servers.
type CatalogCache interface {
	Load(ctx context.Context, server string) ([]tool.MCPToolInfo, bool, error)
	Store(ctx context.Context, server string, tools []tool.MCPToolInfo, ttl time.Duration) error
}

// RedisCatalogCache keeps listings under "<prefix>tools:<server>".
type RedisCatalogCache struct {
	client redis.UniversalClient
	prefix string
}

var _ CatalogCache = (*RedisCatalogCache)(nil)

// NewRedisCatalogCache creates a cache from an existing Redis client.
func NewRedisCatalogCache(client redis.UniversalClient, prefix string) *RedisCatalogCache {
	return &RedisCatalogCache{client: client, prefix: prefix}
}

func (c *RedisCatalogCache) key(server string) string {
	return c.prefix + "tools:" + server
}

// Load implements CatalogCache.
func (c *RedisCatalogCache) Load(ctx context.Context, server string) ([]tool.MCPToolInfo, bool, error) {
	data, err := c.client.Get(ctx, c.key(server)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("get tool listing: %w", err)
	}

	var infos []tool.MCPToolInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, false, fmt.Errorf("unmarshal tool listing: %w", err)
	}

	return infos, true, nil
}

// Store implements CatalogCache.
func (c *RedisCatalogCache) Store(ctx context.Context, server string, tools []tool.MCPToolInfo, ttl time.Duration) error {
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("marshal tool listing: %w", err)
	}

	if err := c.client.Set(ctx, c.key(server), data, ttl).Err(); err != nil {
		return fmt.Errorf("set tool listing: %w", err)
	}

	return nil
}

// MemoryCatalogCache is a process-local CatalogCache.
type MemoryCatalogCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

type memoryCacheEntry struct {
	tools   []tool.MCPToolInfo
	expires time.Time
}

var _ CatalogCache = (*MemoryCatalogCache)(nil)

// NewMemoryCatalogCache creates an empty cache.
func NewMemoryCatalogCache() *MemoryCatalogCache {
	return &MemoryCatalogCache{entries: map[string]memoryCacheEntry{}, now: time.Now}
}

// Load implements CatalogCache.
func (c *MemoryCatalogCache) Load(_ context.Context, server string) ([]tool.MCPToolInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[server]
	if !ok || (!e.expires.IsZero() && c.now().After(e.expires)) {
		return nil, false, nil
	}

	return append([]tool.MCPToolInfo(nil), e.tools...), true, nil
}

// Store implements CatalogCache.
func (c *MemoryCatalogCache) Store(_ context.Context, server string, tools []tool.MCPToolInfo, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memoryCacheEntry{tools: append([]tool.MCPToolInfo(nil), tools...)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}

	c.entries[server] = e

	return nil
}
