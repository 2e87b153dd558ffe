// Package server exposes document upload, querying and query history over
// HTTP, plus an MCP endpoint for tool-calling clients.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hubenschmidt/go-docqa/ingest"
	"github.com/hubenschmidt/go-docqa/qa"
	"github.com/hubenschmidt/go-docqa/server/store"
)

// Version is reported by the MCP endpoint.
const Version = "0.1.0"

const maxFilesPerUpload = 20

// Ingester accepts uploaded files and removes documents.
type Ingester interface {
	Ingest(ctx context.Context, u ingest.Upload) (*store.Document, error)
	Delete(ctx context.Context, id string) error
}

// Asker answers questions over the stored documents.
type Asker interface {
	AskStream(ctx context.Context, req qa.Request, emit func(qa.Event)) (*qa.Result, error)
}

// Config configures a new Server instance.
type Config struct {
	Ingester  Ingester
	Asker     Asker
	Documents store.DocumentStore
	Queries   store.QueryStore

	Models    []ModelInfo
	OllamaURL string // Optional: URL for Ollama model discovery

	MaxUploadBytes int64
	CORSOrigins    []string
	// APIKeyHashes are bcrypt hashes of accepted API keys. Empty disables auth.
	APIKeyHashes   []string
	RequestTimeout time.Duration
	// MCPPath mounts the MCP endpoint. Empty disables it.
	MCPPath string
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 25 << 20
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the HTTP surface of the document QA service.
type Server struct {
	ingester  Ingester
	asker     Asker
	documents store.DocumentStore
	queries   store.QueryStore
	models    *modelCatalog

	maxUploadBytes int64
	corsOrigins    []string
	auth           *apiKeyAuth
	requestTimeout time.Duration
	mcpPath        string
	mcp            *mcp.Server
	logger         *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) *Server {
	cfg.defaults()
	logger := cfg.Logger.With("component", "server")
	s := &Server{
		ingester:       cfg.Ingester,
		asker:          cfg.Asker,
		documents:      cfg.Documents,
		queries:        cfg.Queries,
		models:         newModelCatalog(cfg.Models, cfg.OllamaURL, logger),
		maxUploadBytes: cfg.MaxUploadBytes,
		corsOrigins:    cfg.CORSOrigins,
		auth:           newAPIKeyAuth(cfg.APIKeyHashes),
		requestTimeout: cfg.RequestTimeout,
		mcpPath:        cfg.MCPPath,
		logger:         logger,
	}
	if s.mcpPath != "" {
		s.mcp = s.NewMCPServer()
	}
	return s
}

// Handler returns an http.Handler for the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.corsOrigins))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Get("/api/models", s.handleModels)

		r.Route("/api/documents", func(r chi.Router) {
			r.Post("/", s.handleDocumentUpload)
			r.Get("/", s.handleDocumentList)
			r.Get("/{id}", s.handleDocumentGet)
			r.Delete("/{id}", s.handleDocumentDelete)
		})

		r.Post("/api/query", s.handleQuery)
		r.Post("/api/query/stream", s.handleQueryStream)

		r.Route("/api/queries", func(r chi.Router) {
			r.Get("/", s.handleQueryList)
			r.Get("/{id}", s.handleQueryGet)
			r.Delete("/{id}", s.handleQueryDelete)
		})
		r.Get("/api/metrics/summary", s.handleMetricsSummary)

		if s.mcp != nil {
			h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
			r.Handle(s.mcpPath, h)
		}
	})

	return r
}

// DefaultModels lists the configured chat, theme and embedding models.
func DefaultModels(chat, theme, embed, vision string) []ModelInfo {
	models := []ModelInfo{{ID: "chat", Name: "Answer model", Model: chat, Role: "chat"}}
	if theme != "" && theme != chat {
		models = append(models, ModelInfo{ID: "themes", Name: "Theme model", Model: theme, Role: "themes"})
	}
	if embed != "" {
		models = append(models, ModelInfo{ID: "embedding", Name: "Embedding model", Model: embed, Role: "embedding"})
	}
	if vision != "" {
		models = append(models, ModelInfo{ID: "vision", Name: "OCR vision model", Model: vision, Role: "vision"})
	}
	return models
}
