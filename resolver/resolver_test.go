package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-json-experiment/json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/credential"
	"github.com/hupe1980/agentforge/definition"
	"github.com/hupe1980/agentforge/retrieval/memory"
	"github.com/hupe1980/agentforge/tool"
)

const (
	kbOwned   = "6f1c1f8e-7c3e-4b0a-9a57-1d2f3c4b5a60"
	kbForeign = "0b7d2c55-3f0e-4c43-8d1a-2a9f1e6b7c81"
	kbMissing = "a3e5b7c9-1d2f-4e6a-8b0c-9d8e7f6a5b4c"
)

func llmDef(id string) *core.AgentDefinition {
	return &core.AgentDefinition{
		ID:          id,
		Type:        core.AgentTypeLLM,
		Model:       "mock/test",
		Instruction: "help",
	}
}

type failingDecrypter struct{}

func (failingDecrypter) Decrypt(context.Context, string) (string, error) {
	return "", errors.New("kms unavailable")
}

func TestResolve_ToolsSecretsAndKnowledge(t *testing.T) {
	kb := memory.NewStore()
	kb.AddSource("acme", kbOwned)
	kb.AddSource("globex", kbForeign)

	r := New(func(o *Options) {
		o.Decrypter = credential.PlainDecrypter{}
		o.Knowledge = kb
	})

	def := llmDef("assistant")
	def.Credentials = map[string]string{"api_key": "plain:s3cret"}
	def.Tools = []core.ToolRef{
		{Name: "calculate"},
		{Name: "weather", Kind: core.ToolKindHTTP, Config: map[string]any{
			"url":     "https://weather.example.com",
			"headers": map[string]any{"Authorization": "Bearer {{.secrets.api_key}}"},
		}},
	}
	def.KnowledgeSources = []string{kbOwned, "not-a-uuid", kbForeign, kbMissing}

	caps, err := r.Resolve(context.Background(), def, "acme")
	require.NoError(t, err)

	require.Len(t, caps.Tools, 2)
	assert.Equal(t, "calculate", caps.Tools[0].Name())
	assert.Equal(t, "weather", caps.Tools[1].Name())
	assert.Equal(t, "s3cret", caps.Secrets["api_key"].Reveal())

	assert.Equal(t, []string{kbOwned}, caps.Knowledge)
	assert.Len(t, caps.Warnings, 3)
}

func TestResolve_UnknownTool(t *testing.T) {
	def := llmDef("a")
	def.Tools = []core.ToolRef{{Name: "teleport"}}

	_, err := New().Resolve(context.Background(), def, "acme")
	assert.ErrorIs(t, err, core.ErrUnknownTool)
}

func TestResolve_DuplicateTool(t *testing.T) {
	def := llmDef("a")
	def.Tools = []core.ToolRef{{Name: "calculate"}, {Name: "calculate", Kind: core.ToolKindBuiltin}}

	_, err := New().Resolve(context.Background(), def, "acme")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestResolve_CredentialUnavailable(t *testing.T) {
	def := llmDef("a")
	def.Credentials = map[string]string{"k": "cipher"}

	caps, err := New(func(o *Options) { o.Decrypter = failingDecrypter{} }).Resolve(context.Background(), def, "acme")
	assert.Nil(t, caps)
	assert.ErrorIs(t, err, core.ErrCredentialUnavailable)

	_, err = New().Resolve(context.Background(), def, "acme")
	assert.ErrorIs(t, err, core.ErrCredentialUnavailable)
}

func TestResolve_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		def  *core.AgentDefinition
	}{
		{"nil", nil},
		{"llm without model", &core.AgentDefinition{ID: "x", Type: core.AgentTypeLLM, Instruction: "i"}},
		{"sequential without sub-agents", &core.AgentDefinition{ID: "x", Type: core.AgentTypeSequential}},
		{"foreign tenant", func() *core.AgentDefinition { d := llmDef("x"); d.TenantID = "globex"; return d }()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Resolve(context.Background(), tt.def, "acme")
			assert.ErrorIs(t, err, core.ErrInvalidConfig)
		})
	}
}

func TestResolve_SubAgents(t *testing.T) {
	store := definition.NewMemoryStore(llmDef("writer"), llmDef("critic"))

	r := New(func(o *Options) { o.Definitions = store })

	def := &core.AgentDefinition{ID: "pipeline", Type: core.AgentTypeSequential, SubAgents: []string{"writer", "critic", "writer"}}

	caps, err := r.Resolve(context.Background(), def, "acme")
	require.NoError(t, err)
	require.Len(t, caps.SubAgents, 2)
	assert.Equal(t, "writer", caps.SubAgents[0].Definition.ID)
	assert.NotNil(t, caps.SubAgent("critic"))
	assert.Nil(t, caps.SubAgent("nobody"))
}

func TestResolve_MissingSubAgent(t *testing.T) {
	r := New(func(o *Options) { o.Definitions = definition.NewMemoryStore() })

	def := &core.AgentDefinition{ID: "p", Type: core.AgentTypeParallel, SubAgents: []string{"ghost"}}

	_, err := r.Resolve(context.Background(), def, "acme")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
	assert.ErrorIs(t, err, definition.ErrNotFound)
}

func TestResolve_Cycle(t *testing.T) {
	a := &core.AgentDefinition{ID: "a", Type: core.AgentTypeSequential, SubAgents: []string{"b"}}
	b := &core.AgentDefinition{ID: "b", Type: core.AgentTypeSequential, SubAgents: []string{"a"}}

	r := New(func(o *Options) { o.Definitions = definition.NewMemoryStore(a, b) })

	_, err := r.Resolve(context.Background(), a, "acme")
	require.ErrorIs(t, err, core.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "cycle")
}

func TestResolve_MaxDepth(t *testing.T) {
	store := definition.NewMemoryStore(
		&core.AgentDefinition{ID: "l1", Type: core.AgentTypeSequential, SubAgents: []string{"l2"}},
		&core.AgentDefinition{ID: "l2", Type: core.AgentTypeSequential, SubAgents: []string{"l3"}},
		llmDef("l3"),
	)

	root := &core.AgentDefinition{ID: "root", Type: core.AgentTypeSequential, SubAgents: []string{"l1"}}

	_, err := New(func(o *Options) { o.Definitions = store; o.MaxDepth = 3 }).Resolve(context.Background(), root, "acme")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = New(func(o *Options) { o.Definitions = store; o.MaxDepth = 4 }).Resolve(context.Background(), root, "acme")
	assert.NoError(t, err)
}

func newMCPServer(t *testing.T, calls *atomic.Int32, tools ...string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}

		_ = json.UnmarshalRead(r.Body, &req)

		list := []map[string]any{}
		for _, name := range tools {
			list = append(list, map[string]any{"name": name, "inputSchema": map[string]any{"type": "object"}})
		}

		_ = json.MarshalWrite(w, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"tools": list}})
	}))

	t.Cleanup(srv.Close)

	return srv
}

func TestCatalog_RefreshAndLookup(t *testing.T) {
	var calls atomic.Int32

	docs := newMCPServer(t, &calls, "search_docs", "delete_docs")

	cat := NewCatalog()
	cat.RegisterMCPServer("docs", docs.URL, nil, []string{"delete_docs"})

	_, ok := cat.Lookup("search_docs", "", false)
	assert.False(t, ok, "not visible before refresh")

	require.NoError(t, cat.Refresh(context.Background()))

	found, ok := cat.Lookup("search_docs", "", false)
	require.True(t, ok)
	assert.Equal(t, "docs", found.(*tool.MCPTool).Server())

	_, ok = cat.Lookup("docs/search_docs", "", true)
	assert.True(t, ok)

	_, ok = cat.Lookup("delete_docs", "docs", true)
	assert.False(t, ok)

	_, ok = cat.Lookup("calculate", "", true)
	assert.False(t, ok, "mcp lookups skip builtins")

	assert.Contains(t, cat.Names(), "docs/search_docs")
	assert.Contains(t, cat.Names(), "calculate")
	assert.False(t, cat.RefreshedAt().IsZero())
}

func TestCatalog_FailedServerKeepsPreviousTools(t *testing.T) {
	var calls atomic.Int32

	docs := newMCPServer(t, &calls, "search_docs")

	cat := NewCatalog()
	cat.RegisterMCPServer("docs", docs.URL, nil, nil)
	require.NoError(t, cat.Refresh(context.Background()))

	docs.Close()

	assert.Error(t, cat.Refresh(context.Background()))

	_, ok := cat.Lookup("search_docs", "docs", true)
	assert.True(t, ok)
}

func TestCatalog_CacheAvoidsListing(t *testing.T) {
	var calls atomic.Int32

	docs := newMCPServer(t, &calls, "search_docs")
	cache := NewMemoryCatalogCache()

	first := NewCatalog(func(o *CatalogOptions) { o.Cache = cache })
	first.RegisterMCPServer("docs", docs.URL, nil, nil)
	require.NoError(t, first.Refresh(context.Background()))

	second := NewCatalog(func(o *CatalogOptions) { o.Cache = cache })
	second.RegisterMCPServer("docs", docs.URL, nil, nil)
	require.NoError(t, second.Refresh(context.Background()))

	assert.Equal(t, int32(1), calls.Load())

	_, ok := second.Lookup("search_docs", "", false)
	assert.True(t, ok)
}

func TestCatalog_RegisterBuiltin(t *testing.T) {
	cat := NewCatalog()
	cat.RegisterBuiltin(tool.NewFunctionTool("echo", "echo", nil, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return args, nil
	}))

	r := New(func(o *Options) { o.Catalog = cat })

	def := llmDef("a")
	def.Tools = []core.ToolRef{{Name: "echo", Kind: core.ToolKindBuiltin}}

	caps, err := r.Resolve(context.Background(), def, "acme")
	require.NoError(t, err)
	assert.Equal(t, "echo", caps.Tools[0].Name())
}

func TestRedisCatalogCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisCatalogCache(client, "agentforge:")
	ctx := context.Background()

	_, ok, err := cache.Load(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, ok)

	infos := []tool.MCPToolInfo{{Name: "search_docs", Description: "search"}}
	require.NoError(t, cache.Store(ctx, "docs", infos, time.Hour))

	assert.True(t, mr.Exists("agentforge:tools:docs"))
	assert.Equal(t, time.Hour, mr.TTL("agentforge:tools:docs"))

	got, ok, err := cache.Load(ctx, "docs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, infos, got)

	mr.FastForward(2 * time.Hour)

	_, ok, err = cache.Load(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCatalogCache_Expiry(t *testing.T) {
	now := time.Now()
	cache := NewMemoryCatalogCache()
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Store(context.Background(), "docs", []tool.MCPToolInfo{{Name: "x"}}, time.Minute))

	_, ok, _ := cache.Load(context.Background(), "docs")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)

	_, ok, _ = cache.Load(context.Background(), "docs")
	assert.False(t, ok)
}
