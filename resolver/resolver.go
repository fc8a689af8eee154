// Package resolver turns a persisted agent definition into the set of live
// capabilities a run needs: tools, eagerly resolved sub-agents, decrypted
// secrets and the knowledge sources the tenant may read.
package resolver

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/tool"
)

var tracer = otel.Tracer("github.com/hupe1980/agentforge/resolver")

// Capabilities is the resolved form of an agent definition. It is owned by
// a single run.
type Capabilities struct {
	Definition *core.AgentDefinition
	// Tools in the order of Definition.Tools.
	Tools []tool.Tool
	// SubAgents in the order of Definition.ReferencedAgents.
	SubAgents []*Capabilities
	Secrets   map[string]core.Secret
	// Knowledge holds the source ids the tenant may read.
	Knowledge []string
	// Warnings lists dropped knowledge sources.
	Warnings []string
}

// SubAgent returns the resolved sub-agent with id, or nil.
func (c *Capabilities) SubAgent(id string) *Capabilities {
	for _, s := range c.SubAgents {
		if s.Definition.ID == id {
			return s
		}
	}

	return nil
}

// AllWarnings returns the warnings of c and all nested sub-agents.
func (c *Capabilities) AllWarnings() []string {
	out := slices.Clone(c.Warnings)

	for _, s := range c.SubAgents {
		out = append(out, s.AllWarnings()...)
	}

	return out
}

// Options configures a Resolver.
type Options struct {
	Catalog     *Catalog
	Definitions core.DefinitionStore
	Decrypter   core.Decrypter
	Knowledge   core.KnowledgeAuthorizer
	Logger      logging.Logger
	// MaxDepth bounds sub-agent nesting (default 8).
	MaxDepth int
}

// Resolver resolves definitions. It is safe for concurrent use.
type Resolver struct {
	opts Options
}

// New creates a Resolver.
func New(optFns ...func(o *Options)) *Resolver {
	opts := Options{
		MaxDepth: 8,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Catalog == nil {
		opts.Catalog = NewCatalog()
	}

	return &Resolver{opts: opts}
}

// Catalog returns the tool catalog used for lookups.
func (r *Resolver) Catalog() *Catalog { return r.opts.Catalog }

// Resolve resolves def for tenant. Any failure aborts the whole resolution;
// no partial result is returned.
func (r *Resolver) Resolve(ctx context.Context, def *core.AgentDefinition, tenant string) (*Capabilities, error) {
	ctx, span := tracer.Start(ctx, "resolver.resolve")
	defer span.End()

	if def != nil {
		span.SetAttributes(attribute.String("agentforge.agent_id", def.ID), attribute.String("agentforge.tenant_id", tenant))
	}

	caps, err := r.resolve(ctx, def, tenant, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(core.KindOf(err)))
		r.opts.Logger.Warn("resolver.resolve.failed", "tenant_id", tenant, "kind", core.KindOf(err), "error", err.Error())

		return nil, err
	}

	return caps, nil
}

func (r *Resolver) resolve(ctx context.Context, def *core.AgentDefinition, tenant string, stack []string) (*Capabilities, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	if def.TenantID != "" && def.TenantID != tenant {
		return nil, core.Errorf(core.KindInvalidConfig, "agent %s does not belong to tenant %s", def.ID, tenant)
	}

	if len(stack) >= r.opts.MaxDepth {
		return nil, core.Errorf(core.KindInvalidConfig, "sub-agent nesting exceeds max depth %d at %s", r.opts.MaxDepth, def.ID)
	}

	id := def.ID
	if id == "" {
		id = def.Name
	}

	stack = append(stack, id)

	caps := &Capabilities{Definition: def}

	secrets, err := r.decrypt(ctx, def)
	if err != nil {
		return nil, err
	}

	caps.Secrets = secrets

	tools, err := r.resolveTools(def, secrets)
	if err != nil {
		return nil, err
	}

	caps.Tools = tools

	for _, ref := range def.ReferencedAgents() {
		if slices.Contains(stack, ref) {
			return nil, core.Errorf(core.KindInvalidConfig, "agent reference cycle: %s -> %s", strings.Join(stack, " -> "), ref)
		}

		sub, err := r.loadSubAgent(ctx, tenant, ref)
		if err != nil {
			return nil, err
		}

		subCaps, err := r.resolve(ctx, sub, tenant, stack)
		if err != nil {
			return nil, err
		}

		caps.SubAgents = append(caps.SubAgents, subCaps)
	}

	caps.Knowledge, caps.Warnings = r.authorizeKnowledge(ctx, def, tenant)

	return caps, nil
}

func (r *Resolver) loadSubAgent(ctx context.Context, tenant, id string) (*core.AgentDefinition, error) {
	if r.opts.Definitions == nil {
		return nil, core.Errorf(core.KindInvalidConfig, "sub-agent %s cannot be loaded: no definition store", id)
	}

	sub, err := r.opts.Definitions.Get(ctx, tenant, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, core.Errorf(core.KindInvalidConfig, "sub-agent %s: %w", id, err)
	}

	if sub.ID == "" {
		sub.ID = id
	}

	return sub, nil
}

func (r *Resolver) decrypt(ctx context.Context, def *core.AgentDefinition) (map[string]core.Secret, error) {
	secrets := make(map[string]core.Secret, len(def.Credentials))

	if len(def.Credentials) == 0 {
		return secrets, nil
	}

	if r.opts.Decrypter == nil {
		return nil, core.Errorf(core.KindCredentialUnavailable, "agent %s: no credential decrypter configured", def.ID)
	}

	names := make([]string, 0, len(def.Credentials))
	for name := range def.Credentials {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		plain, err := r.opts.Decrypter.Decrypt(ctx, def.Credentials[name])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, core.Errorf(core.KindCredentialUnavailable, "agent %s: credential %q: %w", def.ID, name, err)
		}

		secrets[name] = core.Secret(plain)
	}

	return secrets, nil
}

func (r *Resolver) resolveTools(def *core.AgentDefinition, secrets map[string]core.Secret) ([]tool.Tool, error) {
	tools := make([]tool.Tool, 0, len(def.Tools))
	seen := map[string]bool{}

	for _, ref := range def.Tools {
		t, err := r.resolveTool(ref, secrets)
		if err != nil {
			return nil, err
		}

		if seen[t.Name()] {
			return nil, core.Errorf(core.KindInvalidConfig, "agent %s: duplicate tool %q", def.ID, t.Name())
		}

		seen[t.Name()] = true
		tools = append(tools, t)
	}

	return tools, nil
}

func (r *Resolver) resolveTool(ref core.ToolRef, secrets map[string]core.Secret) (tool.Tool, error) {
	switch ref.Kind {
	case core.ToolKindHTTP:
		cfg, err := tool.HTTPConfigFromMap(ref.Config)
		if err != nil {
			return nil, core.Errorf(core.KindInvalidConfig, "tool %s: %w", ref.Name, err)
		}

		t, err := tool.NewHTTPTool(ref.Name, ref.Description, cfg, secrets)
		if err != nil {
			return nil, core.Errorf(core.KindInvalidConfig, "tool %s: %w", ref.Name, err)
		}

		return t, nil
	case core.ToolKindBuiltin:
		if t, ok := r.opts.Catalog.Builtin(ref.Name); ok {
			return t, nil
		}
	case core.ToolKindMCP, "":
		if t, ok := r.opts.Catalog.Lookup(ref.Name, ref.Server, ref.Kind == core.ToolKindMCP); ok {
			return t, nil
		}
	default:
		return nil, core.Errorf(core.KindInvalidConfig, "tool %s: unknown kind %q", ref.Name, ref.Kind)
	}

	return nil, core.Errorf(core.KindUnknownTool, "unknown tool %q", ref.Name)
}

func (r *Resolver) authorizeKnowledge(ctx context.Context, def *core.AgentDefinition, tenant string) ([]string, []string) {
	if len(def.KnowledgeSources) == 0 {
		return nil, nil
	}

	var (
		warnings   []string
		candidates []string
	)

	for _, id := range def.KnowledgeSources {
		if _, err := uuid.Parse(id); err != nil {
			warnings = append(warnings, fmt.Sprintf("knowledge source %q dropped: invalid id", id))
			continue
		}

		if !slices.Contains(candidates, id) {
			candidates = append(candidates, id)
		}
	}

	if len(candidates) == 0 {
		return nil, warnings
	}

	if r.opts.Knowledge == nil {
		return nil, append(warnings, fmt.Sprintf("knowledge sources of agent %s dropped: no knowledge authorizer configured", def.ID))
	}

	allowed, err := r.opts.Knowledge.Authorize(ctx, tenant, candidates)
	if err != nil {
		r.opts.Logger.Warn("resolver.knowledge.authorize_failed", "agent_id", def.ID, "error", err.Error())
		return nil, append(warnings, fmt.Sprintf("knowledge sources of agent %s dropped: %v", def.ID, err))
	}

	for _, id := range candidates {
		if !slices.Contains(allowed, id) {
			warnings = append(warnings, fmt.Sprintf("knowledge source %s dropped: not found or not accessible", id))
		}
	}

	// keep declared order
	kept := make([]string, 0, len(allowed))

	for _, id := range candidates {
		if slices.Contains(allowed, id) {
			kept = append(kept, id)
		}
	}

	return kept, warnings
}
