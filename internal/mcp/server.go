package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/engine"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/logger"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

const (
	// ServerName is the MCP server name
	ServerName = "catalog-search"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Catalog is the engine surface the tools need
type Catalog interface {
	Search(ctx context.Context, query string, opts types.SearchOptions) (*types.SearchResponse, error)
	DefaultOptions() types.SearchOptions
	TriggerSync(ctx context.Context) (*types.SyncSummary, error)
	Status(ctx context.Context) (*engine.Status, error)
}

// Server wraps the MCP server with the catalog engine
type Server struct {
	mcp      *server.MCPServer
	catalog  Catalog
	maxLimit int
	log      *logger.Logger
}

// NewServer creates a new MCP server instance. maxLimit bounds the
// search_products limit argument.
func NewServer(catalog Catalog, maxLimit int, log *logger.Logger) *Server {
	if maxLimit <= 0 {
		maxLimit = 100
	}

	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		mcp:      mcpServer,
		catalog:  catalog,
		maxLimit: maxLimit,
		log:      logger.OrNop(log).With("component", "mcp"),
	}
	s.registerTools()
	return s
}

// Serve starts the MCP server on stdio and blocks until stdin closes
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("MCP server ready, listening on stdio")
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(searchProductsTool(s.maxLimit), s.handleSearchProducts)
	s.mcp.AddTool(triggerSyncTool(), s.handleTriggerSync)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
