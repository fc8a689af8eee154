package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentforge"
	"github.com/hupe1980/agentforge/agent"
	"github.com/hupe1980/agentforge/artifact/s3"
	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/credential"
	"github.com/hupe1980/agentforge/definition"
	"github.com/hupe1980/agentforge/engine"
	"github.com/hupe1980/agentforge/internal/config"
	"github.com/hupe1980/agentforge/internal/tracing"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/model"
	"github.com/hupe1980/agentforge/model/anthropic"
	"github.com/hupe1980/agentforge/model/openai"
	"github.com/hupe1980/agentforge/resolver"
	"github.com/hupe1980/agentforge/retrieval"
	memstore "github.com/hupe1980/agentforge/retrieval/memory"
	"github.com/hupe1980/agentforge/retrieval/pgvector"
	"github.com/hupe1980/agentforge/runner"
	"github.com/hupe1980/agentforge/runstore"
	"github.com/hupe1980/agentforge/sink/nats"
)

const hashEmbeddingDims = 256

// app holds the collaborators assembled from the configuration.
type app struct {
	cfg    *config.Config
	logger *logging.RunLogger
	forge  *agentforge.AgentForge
	files  *definition.FileStore

	// chunks and embedder are set when the knowledge store accepts ingestion.
	chunks   retrieval.ChunkWriter
	embedder core.Embedder

	closers []func(ctx context.Context) error
}

// newApp wires every configured backend. defs overrides the [definitions]
// directory when set.
func newApp(ctx context.Context, cfg *config.Config, defs core.DefinitionStore) (_ *app, err error) {
	a := &app{
		cfg: cfg,
		logger: logging.NewLogger(&logging.LoggerConfig{
			Level:     logging.ParseLevel(cfg.Log.Level),
			Format:    cfg.Log.Format,
			Output:    os.Stderr,
			Component: "agentforge",
		}),
	}

	defer func() {
		if err != nil {
			a.close()
		}
	}()

	provider, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRate:     cfg.Telemetry.SampleRate,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	a.closers = append(a.closers, provider.Shutdown)

	if defs == nil {
		if defs, err = a.definitions(); err != nil {
			return nil, err
		}
	}

	var rdb redis.UniversalClient

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}

		client := redis.NewClient(opt)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		rdb = client
	}

	knowledge, retriever, err := a.knowledge()
	if err != nil {
		return nil, err
	}

	runStore := runstore.Store(runstore.NewMemoryStore(time.Hour))
	if rdb != nil {
		runStore = runstore.NewRedisStore(rdb, func(o *runstore.RedisOptions) {
			o.Prefix = cfg.Redis.KeyPrefix
			o.TTL = cfg.Redis.RunTTL
		})
	}

	var artifacts core.ArtifactStore

	if cfg.S3.Bucket != "" {
		store, err := s3.New(ctx, cfg.S3.Bucket, func(o *s3.Options) {
			o.Prefix = cfg.S3.Prefix
			o.Endpoint = cfg.S3.Endpoint

			if cfg.S3.Region != "" {
				o.Region = cfg.S3.Region
			}
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 archive: %w", err)
		}

		artifacts = store
	}

	var sinks []runner.Sink

	if cfg.NATS.URL != "" {
		sink, err := nats.Connect(cfg.NATS.URL, func(o *nats.Options) {
			o.SubjectPrefix = cfg.NATS.SubjectPrefix
			o.Logger = a.logger
		})
		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, func(context.Context) error { return sink.Close() })
		sinks = append(sinks, sink)
	}

	decrypter, err := credential.New(cfg.Credentials.KeyEnv, cfg.Credentials.KeyID, cfg.Credentials.AllowPlain)
	if err != nil {
		a.logger.Warn("credential.disabled", "error", err.Error())
	}

	a.forge = agentforge.New(func(o *agentforge.Options) {
		o.Engine = engine.Config{
			EventBufferSize: cfg.Engine.EventBuffer,
			GracePeriod:     cfg.Engine.GracePeriod,
			MaxModelCalls:   cfg.Engine.MaxModelCalls,
		}
		o.StepBudget = cfg.Engine.StepBudget
		o.LeafTimeout = cfg.Engine.LeafTimeout
		o.RemoteTimeout = cfg.Engine.RemoteTimeout
		o.MaxParallelTools = cfg.Engine.MaxParallelTools
		o.Definitions = defs
		o.Models = a.models()
		o.Catalog = a.catalog(ctx, rdb)
		o.Decrypter = decrypter
		o.Knowledge = knowledge
		o.Retriever = retriever
		o.RunStore = runStore
		o.ArtifactStore = artifacts
		o.Sinks = sinks
		o.Logger = a.logger
	})

	return a, nil
}

func (a *app) definitions() (core.DefinitionStore, error) {
	if a.cfg.Definitions.Dir == "" {
		return definition.NewMemoryStore(), nil
	}

	files, err := definition.NewFileStore(a.cfg.Definitions.Dir, func(o *definition.FileStoreOptions) {
		o.Logger = a.logger
	})
	if err != nil {
		return nil, err
	}

	a.files = files

	return files, nil
}

// models registers the openai and anthropic providers; definitions reference
// models as "openai/<name>" or "anthropic/<name>".
func (a *app) models() *model.Registry {
	reg := model.NewRegistry()

	reg.RegisterProvider("openai", func(name string) (model.Model, error) {
		return openai.NewModel(func(o *openai.Options) {
			o.Model = name
			o.APIKey = a.cfg.OpenAI.APIKey()
			o.BaseURL = a.cfg.OpenAI.BaseURL
		}), nil
	})

	reg.RegisterProvider("anthropic", func(name string) (model.Model, error) {
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = anthropicsdk.Model(name)
			o.APIKey = a.cfg.Anthropic.APIKey()
			o.BaseURL = a.cfg.Anthropic.BaseURL
		}), nil
	})

	switch {
	case a.cfg.OpenAI.APIKey() != "":
		reg.SetDefault("openai/" + a.cfg.OpenAI.Model)
	case a.cfg.Anthropic.APIKey() != "":
		reg.SetDefault("anthropic/" + a.cfg.Anthropic.Model)
	}

	return reg
}

func (a *app) catalog(ctx context.Context, rdb redis.UniversalClient) *resolver.Catalog {
	catalog := resolver.NewCatalog(func(o *resolver.CatalogOptions) {
		if rdb != nil {
			o.Cache = resolver.NewRedisCatalogCache(rdb, a.cfg.Redis.KeyPrefix)
		} else {
			o.Cache = resolver.NewMemoryCatalogCache()
		}

		o.CacheTTL = a.cfg.Redis.CatalogTTL
		o.Logger = a.logger
	})

	for name, srv := range a.cfg.MCP.Servers {
		catalog.RegisterMCPServer(name, srv.URL, srv.Headers, srv.DeniedTools)
	}

	if len(a.cfg.MCP.Servers) > 0 {
		if err := catalog.Refresh(ctx); err != nil {
			a.logger.Warn("catalog.refresh.failed", "error", err.Error())
		}
	}

	return catalog
}

// knowledge returns the knowledge backend: pgvector with OpenAI embeddings
// when a database is configured, an in-memory store otherwise.
func (a *app) knowledge() (core.KnowledgeAuthorizer, agent.ContextRetriever, error) {
	retrievalOpts := func(o *retrieval.Options) {
		o.TopK = a.cfg.Retrieval.TopK
		o.ScoreThreshold = a.cfg.Retrieval.ScoreThreshold
		o.Logger = a.logger
	}

	if a.cfg.Postgres.DSN == "" {
		store := memstore.NewStore()
		return store, retrieval.New(store, retrieval.NewHashEmbedder(hashEmbeddingDims), retrievalOpts), nil
	}

	store, err := pgvector.Open(a.cfg.Postgres.DSN, a.cfg.Postgres.Table, a.logger)
	if err != nil {
		return nil, nil, err
	}

	embedder := openai.NewEmbedder(func(o *openai.EmbedderOptions) {
		o.Model = a.cfg.OpenAI.EmbeddingModel
		o.APIKey = a.cfg.OpenAI.APIKey()
		o.BaseURL = a.cfg.OpenAI.BaseURL
	})

	a.chunks, a.embedder = store, embedder

	return store, retrieval.New(store, embedder, retrievalOpts), nil
}

// close releases every backend in reverse order of creation.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	a.closers = nil

	return errors.Join(errs...)
}
