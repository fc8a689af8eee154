package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
)

func TestMemoryStore_TenantScoping(t *testing.T) {
	store := NewMemoryStore(
		&core.AgentDefinition{ID: "helper", Name: "shared", Type: core.AgentTypeLLM},
		&core.AgentDefinition{ID: "helper", TenantID: "acme", Name: "acme-helper", Type: core.AgentTypeLLM},
		&core.AgentDefinition{ID: "private", TenantID: "acme", Type: core.AgentTypeLLM},
	)

	ctx := context.Background()

	d, err := store.Get(ctx, "acme", "helper")
	require.NoError(t, err)
	assert.Equal(t, "acme-helper", d.Name)

	d, err = store.Get(ctx, "globex", "helper")
	require.NoError(t, err)
	assert.Equal(t, "shared", d.Name)

	_, err = store.Get(ctx, "globex", "private")
	assert.ErrorIs(t, err, ErrNotFound)

	ids := []string{}
	for _, d := range store.List(ctx, "acme") {
		ids = append(ids, d.ID)
	}

	assert.Equal(t, []string{"helper", "private"}, ids)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore(&core.AgentDefinition{ID: "a", SubAgents: []string{"x"}})

	d, err := store.Get(context.Background(), "", "a")
	require.NoError(t, err)

	d.SubAgents[0] = "mutated"

	again, err := store.Get(context.Background(), "", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.SubAgents)
}

const twoDocs = `
id: writer
name: Writer
type: llm
model: openai/gpt-4o-mini
instruction: Write things.
---
id: pipeline
type: sequential
sub_agents: [writer, writer]
`

func TestDecode_MultiDocument(t *testing.T) {
	defs, err := Decode([]byte(twoDocs))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, core.AgentTypeLLM, defs[0].Type)
	assert.Equal(t, []string{"writer", "writer"}, defs[1].SubAgents)
}

func TestDecode_JSON(t *testing.T) {
	defs, err := Decode([]byte(`{"name": "j", "type": "loop", "sub_agents": ["a"], "loop": {"max_iterations": 3}}`))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "j", defs[0].ID)
	assert.Equal(t, 3, defs[0].Loop.MaxIterations)
}

func TestDecode_MissingID(t *testing.T) {
	_, err := Decode([]byte("type: llm\n"))
	assert.Error(t, err)
}

func TestFileStore_LoadAndDuplicate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(twoDocs), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	store, err := NewFileStore(dir, func(o *FileStoreOptions) { o.DefaultTenant = "acme" })
	require.NoError(t, err)

	d, err := store.Get(context.Background(), "acme", "pipeline")
	require.NoError(t, err)
	assert.Equal(t, "acme", d.TenantID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dup.yml"), []byte("id: writer\ntype: llm\n"), 0o600))
	assert.Error(t, store.Reload())

	_, err = store.Get(context.Background(), "acme", "writer")
	assert.NoError(t, err, "previous content kept after failed reload")
}

func TestFileStore_Watch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("id: a\ntype: llm\n"), 0o600))

	store, err := NewFileStore(dir, func(o *FileStoreOptions) { o.Debounce = 10 * time.Millisecond })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 8)
	watchErr := make(chan error, 1)

	go func() { watchErr <- store.Watch(ctx, func() { changed <- struct{}{} }) }()

	// fsnotify registration is asynchronous; keep writing until observed.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("id: b\ntype: llm\n"), 0o600)

		select {
		case <-changed:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	_, err = store.Get(context.Background(), "", "b")
	assert.NoError(t, err)

	cancel()
	assert.NoError(t, <-watchErr)
}
