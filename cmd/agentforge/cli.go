package main

import (
	"io"

	"github.com/alecthomas/kong"

	"github.com/hupe1980/agentforge/internal/config"
)

// Build-time variables (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Serve the HTTP and A2A API"`
	Run      RunCmd      `cmd:"" help:"Run an agent and print its events as JSON lines"`
	Card     CardCmd     `cmd:"" help:"Print the A2A discovery card of an agent"`
	Validate ValidateCmd `cmd:"" help:"Resolve and build an agent without executing it"`
	Ingest   IngestCmd   `cmd:"" help:"Chunk, embed and store a plain text document in a knowledge source"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// Globals are flags shared by every command.
type Globals struct {
	Config string `short:"c" type:"path" env:"AGENTFORGE_CONFIG" help:"Config file path (TOML)"`

	out io.Writer `kong:"-"`
}

func (g *Globals) loadConfig() (*config.Config, error) {
	return config.Load(g.Config)
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides server.addr)"`
}

// RunCmd executes one agent.
type RunCmd struct {
	Agent  string `short:"a" help:"Agent id (defaults to the first definition of --file)"`
	File   string `short:"f" type:"existingfile" help:"Definition file (YAML or JSON)"`
	Input  string `short:"i" help:"Input text"`
	Tenant string `short:"t" default:"default" env:"AGENTFORGE_TENANT" help:"Tenant id"`
}

// CardCmd prints a discovery card.
type CardCmd struct {
	Agent   string `short:"a" required:"" help:"Agent id"`
	File    string `short:"f" type:"existingfile" help:"Definition file (YAML or JSON)"`
	Tenant  string `short:"t" default:"default" env:"AGENTFORGE_TENANT" help:"Tenant id"`
	BaseURL string `help:"Advertised base URL (defaults to server.public_url)"`
}

// ValidateCmd checks that an agent resolves and builds.
type ValidateCmd struct {
	Agent  string `short:"a" help:"Agent id (defaults to every definition of --file)"`
	File   string `short:"f" type:"existingfile" help:"Definition file (YAML or JSON)"`
	Tenant string `short:"t" default:"default" env:"AGENTFORGE_TENANT" help:"Tenant id"`
}

// IngestCmd loads a text document into the configured knowledge store.
type IngestCmd struct {
	Source       string `short:"s" required:"" help:"Knowledge source (knowledge base) id"`
	Document     string `short:"d" required:"" help:"Document id; existing chunks of the document are replaced"`
	File         string `short:"f" required:"" type:"existingfile" help:"Plain text file to ingest"`
	URL          string `help:"Source URL recorded in chunk metadata"`
	ChunkSize    int    `help:"Words per chunk (overrides retrieval.chunk_size)"`
	ChunkOverlap int    `help:"Words shared by consecutive chunks (overrides retrieval.chunk_overlap)"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
