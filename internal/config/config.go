// Package config provides configuration loading for the agentforge service.
//
// Values are layered: defaults from New, then an optional TOML file, then
// environment variables (a .env file in the working directory is loaded
// first when present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Engine      EngineConfig      `toml:"engine"`
	Retrieval   RetrievalConfig   `toml:"retrieval"`
	Redis       RedisConfig       `toml:"redis"`
	Postgres    PostgresConfig    `toml:"postgres"`
	OpenAI      ProviderConfig    `toml:"openai"`
	Anthropic   ProviderConfig    `toml:"anthropic"`
	Credentials CredentialsConfig `toml:"credentials"`
	S3          S3Config          `toml:"s3"`
	NATS        NATSConfig        `toml:"nats"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Log         LogConfig         `toml:"log"`
	Definitions DefinitionsConfig `toml:"definitions"`
	MCP         MCPConfig         `toml:"mcp"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Addr           string        `toml:"addr"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	ShutdownGrace  time.Duration `toml:"shutdown_grace"`
	PublicURL      string        `toml:"public_url"` // advertised in A2A cards
	AllowedOrigins []string      `toml:"allowed_origins"`

	// DefaultTenant serves requests without a tenant header. Empty rejects them.
	DefaultTenant string `toml:"default_tenant"`

	// TaskRetention bounds how long finished A2A tasks stay queryable.
	TaskRetention time.Duration `toml:"task_retention"`
}

// EngineConfig contains execution limits.
type EngineConfig struct {
	EventBuffer      int           `toml:"event_buffer"`
	StepBudget       int           `toml:"step_budget"`
	LeafTimeout      time.Duration `toml:"leaf_timeout"`
	RemoteTimeout    time.Duration `toml:"remote_timeout"`
	MaxModelCalls    int           `toml:"max_model_calls"`
	MaxParallelTools int           `toml:"max_parallel_tools"`
	GracePeriod      time.Duration `toml:"grace_period"`
}

// RetrievalConfig contains retrieval defaults.
type RetrievalConfig struct {
	TopK           int     `toml:"top_k"`
	ScoreThreshold float64 `toml:"score_threshold"`
	// ChunkSize and ChunkOverlap are counted in words.
	ChunkSize    int `toml:"chunk_size"`
	ChunkOverlap int `toml:"chunk_overlap"`
}

// RedisConfig enables the Redis backed catalog cache and run store.
type RedisConfig struct {
	URL        string        `toml:"url"`
	KeyPrefix  string        `toml:"key_prefix"`
	CatalogTTL time.Duration `toml:"catalog_ttl"`
	RunTTL     time.Duration `toml:"run_ttl"`
}

// PostgresConfig enables the pgvector knowledge store.
type PostgresConfig struct {
	DSN   string `toml:"dsn"`
	Table string `toml:"table"`
}

// ProviderConfig configures a model provider.
type ProviderConfig struct {
	APIKeyEnv      string `toml:"api_key_env"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
}

// CredentialsConfig locates the symmetric key used to decrypt stored secrets.
type CredentialsConfig struct {
	KeyEnv string `toml:"key_env"`
	KeyID  string `toml:"key_id"`
	// AllowPlain accepts "plain:" prefixed secrets. Development only.
	AllowPlain bool `toml:"allow_plain"`
}

// S3Config enables archiving of run outputs.
type S3Config struct {
	Bucket   string `toml:"bucket"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
	Prefix   string `toml:"prefix"`
}

// NATSConfig enables the NATS event sink.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"` // OTLP gRPC endpoint (e.g., localhost:4317)
	Insecure    bool    `toml:"insecure"`
	SampleRate  float64 `toml:"sample_rate"`
	ServiceName string  `toml:"service_name"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefinitionsConfig locates agent definition files.
type DefinitionsConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

// MCPConfig lists MCP tool servers by name.
type MCPConfig struct {
	Servers         map[string]MCPServerConfig `toml:"servers"`
	RefreshInterval time.Duration              `toml:"refresh_interval"`
}

// MCPServerConfig configures one MCP server reachable over HTTP.
type MCPServerConfig struct {
	URL         string            `toml:"url"`
	Headers     map[string]string `toml:"headers,omitempty"`
	DeniedTools []string          `toml:"denied_tools,omitempty"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  0, // streaming responses
			ShutdownGrace: 10 * time.Second,
			TaskRetention: time.Hour,
		},
		Engine: EngineConfig{
			EventBuffer:      100,
			StepBudget:       100,
			LeafTimeout:      120 * time.Second,
			RemoteTimeout:    300 * time.Second,
			MaxModelCalls:    500,
			MaxParallelTools: 4,
			GracePeriod:      5 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:           5,
			ScoreThreshold: 0.35,
			ChunkSize:      512,
			ChunkOverlap:   128,
		},
		Redis: RedisConfig{
			KeyPrefix:  "agentforge:",
			CatalogTTL: time.Hour,
			RunTTL:     7 * 24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Table: "knowledge_chunks",
		},
		OpenAI: ProviderConfig{
			APIKeyEnv:      "OPENAI_API_KEY",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Anthropic: ProviderConfig{
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Model:     "claude-3-5-haiku-latest",
		},
		Credentials: CredentialsConfig{
			KeyEnv: "AGENTFORGE_CREDENTIAL_KEY",
		},
		S3: S3Config{
			Prefix: "agentforge",
		},
		NATS: NATSConfig{
			SubjectPrefix: "agentforge.events",
		},
		Telemetry: TelemetryConfig{
			SampleRate:  1.0,
			ServiceName: "agentforge",
			Insecure:    true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		MCP: MCPConfig{
			RefreshInterval: 5 * time.Minute,
		},
	}
}

// LoadFile loads configuration from a TOML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Load builds the effective configuration: .env, optional TOML file at path,
// environment overrides, validation.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := New()

	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}

		cfg = loaded
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("AGENTFORGE_ADDR", c.Server.Addr)
	c.Server.PublicURL = getEnv("AGENTFORGE_PUBLIC_URL", c.Server.PublicURL)
	c.Server.DefaultTenant = getEnv("AGENTFORGE_DEFAULT_TENANT", c.Server.DefaultTenant)
	c.Server.ShutdownGrace = getDuration("AGENTFORGE_SHUTDOWN_GRACE", c.Server.ShutdownGrace)
	c.Server.TaskRetention = getDuration("AGENTFORGE_TASK_RETENTION", c.Server.TaskRetention)

	c.Engine.EventBuffer = getInt("AGENTFORGE_EVENT_BUFFER", c.Engine.EventBuffer)
	c.Engine.StepBudget = getInt("AGENTFORGE_STEP_BUDGET", c.Engine.StepBudget)
	c.Engine.LeafTimeout = getDuration("AGENTFORGE_LEAF_TIMEOUT", c.Engine.LeafTimeout)
	c.Engine.RemoteTimeout = getDuration("AGENTFORGE_REMOTE_TIMEOUT", c.Engine.RemoteTimeout)
	c.Engine.MaxModelCalls = getInt("AGENTFORGE_MAX_MODEL_CALLS", c.Engine.MaxModelCalls)

	c.Retrieval.TopK = getInt("AGENTFORGE_RETRIEVAL_TOP_K", c.Retrieval.TopK)
	c.Retrieval.ScoreThreshold = getFloat("AGENTFORGE_RETRIEVAL_THRESHOLD", c.Retrieval.ScoreThreshold)
	c.Retrieval.ChunkSize = getInt("MAX_CHUNK_TOKENS", c.Retrieval.ChunkSize)
	c.Retrieval.ChunkOverlap = getInt("CHUNK_OVERLAP", c.Retrieval.ChunkOverlap)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Postgres.DSN = getEnv("DATABASE_URL", c.Postgres.DSN)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.S3.Bucket = getEnv("AGENTFORGE_S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnv("AWS_REGION", c.S3.Region)

	c.Telemetry.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.Enabled = getBool("AGENTFORGE_TELEMETRY", c.Telemetry.Enabled || c.Telemetry.Endpoint != "")

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Definitions.Dir = getEnv("AGENTFORGE_DEFINITIONS_DIR", c.Definitions.Dir)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("config: server.addr must not be empty")
	case c.Engine.EventBuffer < 0:
		return errors.New("config: engine.event_buffer must not be negative")
	case c.Engine.StepBudget <= 0:
		return errors.New("config: engine.step_budget must be positive")
	case c.Retrieval.ScoreThreshold < 0 || c.Retrieval.ScoreThreshold > 1:
		return fmt.Errorf("config: retrieval.score_threshold %v out of range [0,1]", c.Retrieval.ScoreThreshold)
	case c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1:
		return fmt.Errorf("config: telemetry.sample_rate %v out of range [0,1]", c.Telemetry.SampleRate)
	case c.Log.Format != "json" && c.Log.Format != "text":
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}

	for name, srv := range c.MCP.Servers {
		if srv.URL == "" {
			return fmt.Errorf("config: mcp server %q has no url", name)
		}
	}

	return nil
}

// APIKey returns the provider key read from the configured environment variable.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}

	return os.Getenv(p.APIKeyEnv)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
