package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/hupe1980/agentforge/a2a"
	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/definition"
	"github.com/hupe1980/agentforge/retrieval"
	"github.com/hupe1980/agentforge/runner"
	"github.com/hupe1980/agentforge/server"
)

// Run serves until SIGINT or SIGTERM.
func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	catalog := a.forge.Catalog()
	catalog.StartAutoRefresh(ctx, cfg.MCP.RefreshInterval)

	if a.files != nil && cfg.Definitions.Watch {
		go func() {
			err := a.files.Watch(ctx, func() {
				if err := catalog.Refresh(ctx); err != nil {
					a.logger.Warn("catalog.refresh.failed", "error", err.Error())
				}
			})
			if err != nil {
				a.logger.Error("definition.watch.failed", "error", err.Error())
			}
		}()
	}

	srv := a.forge.Handler(func(o *server.Options) {
		o.A2A = a.forge.A2A(func(o *a2a.ServerOptions) {
			o.BaseURL = cfg.Server.PublicURL
			o.DefaultTenant = cfg.Server.DefaultTenant
			o.TaskRetention = cfg.Server.TaskRetention
		})
		o.DefaultTenant = cfg.Server.DefaultTenant
		o.AllowedOrigins = cfg.Server.AllowedOrigins
		o.Tracing = cfg.Telemetry.Enabled
	})

	return srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.ShutdownGrace)
}

// Run executes the agent and prints one JSON object per event.
func (c *RunCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, agentIDs, err := g.open(ctx, c.File)
	if err != nil {
		return err
	}
	defer a.close()

	agentID := c.Agent
	if agentID == "" && len(agentIDs) > 0 {
		agentID = agentIDs[0]
	}

	run, err := a.forge.Run(ctx, runner.Request{AgentID: agentID, TenantID: c.Tenant, Input: c.Input})
	if err != nil {
		return err
	}

	var last core.Event

	for ev := range run.Events() {
		last = ev

		if err := json.MarshalWrite(g.out, ev); err != nil {
			run.Cancel()
			continue
		}

		fmt.Fprintln(g.out)
	}

	if last.Kind == core.EventFailed {
		return fmt.Errorf("run %s failed (%s): %s", run.ID, last.ErrorKind, last.ErrorMessage)
	}

	return nil
}

// Run prints the card as indented JSON.
func (c *CardCmd) Run(g *Globals) error {
	ctx := context.Background()

	a, _, err := g.open(ctx, c.File)
	if err != nil {
		return err
	}
	defer a.close()

	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = a.cfg.Server.PublicURL
	}

	if baseURL == "" {
		baseURL = "http://localhost" + a.cfg.Server.Addr
	}

	card, err := a.forge.Card(ctx, c.Tenant, c.Agent, baseURL)
	if err != nil {
		return err
	}

	if err := json.MarshalWrite(g.out, card, jsontext.WithIndent("  ")); err != nil {
		return err
	}

	_, err = fmt.Fprintln(g.out)

	return err
}

// Run validates the selected agents and reports every failure.
func (c *ValidateCmd) Run(g *Globals) error {
	ctx := context.Background()

	a, agentIDs, err := g.open(ctx, c.File)
	if err != nil {
		return err
	}
	defer a.close()

	if c.Agent != "" {
		agentIDs = []string{c.Agent}
	}

	if len(agentIDs) == 0 {
		return errors.New("nothing to validate: pass --agent or --file")
	}

	var errs []error

	for _, id := range agentIDs {
		if err := a.forge.Validate(ctx, runner.Request{AgentID: id, TenantID: c.Tenant}); err != nil {
			fmt.Fprintf(g.out, "%s: %v\n", id, err)
			errs = append(errs, err)

			continue
		}

		fmt.Fprintf(g.out, "%s: ok\n", id)
	}

	return errors.Join(errs...)
}

// Run ingests the file and prints the number of stored chunks.
func (c *IngestCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, _, err := g.open(ctx, "")
	if err != nil {
		return err
	}
	defer a.close()

	if a.chunks == nil {
		return errors.New("ingest requires a persistent knowledge store: set postgres.dsn")
	}

	text, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}

	doc := retrieval.Document{
		ID:                c.Document,
		KnowledgeSourceID: c.Source,
		SourceType:        "text",
		OriginalFilename:  filepath.Base(c.File),
		Text:              string(text),
	}

	if c.URL != "" {
		doc.SourceType, doc.SourceURL = "url", c.URL
	}

	n, err := retrieval.Ingest(ctx, a.chunks, a.embedder, doc, func(o *retrieval.IngestOptions) {
		o.ChunkSize = cmp.Or(c.ChunkSize, a.cfg.Retrieval.ChunkSize)
		o.ChunkOverlap = cmp.Or(c.ChunkOverlap, a.cfg.Retrieval.ChunkOverlap)
		o.Logger = a.logger
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(g.out, "%s: %d chunks\n", c.Document, n)

	return err
}

// Run prints the build version.
func (c *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintf(g.out, "agentforge %s (%s)\n", version, commit)
	return err
}

// open loads the configuration and wires the app. With a definition file the
// app serves exactly the file's definitions, returned in file order.
func (g *Globals) open(ctx context.Context, file string) (*app, []string, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	var (
		defs core.DefinitionStore
		ids  []string
	)

	if file != "" {
		loaded, err := definition.LoadFile(file)
		if err != nil {
			return nil, nil, err
		}

		for _, d := range loaded {
			ids = append(ids, d.ID)
		}

		defs = definition.NewMemoryStore(loaded...)
	}

	a, err := newApp(ctx, cfg, defs)
	if err != nil {
		return nil, nil, err
	}

	return a, ids, nil
}
