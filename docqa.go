// Package docqa answers questions over a set of uploaded documents.
//
// Each document is extracted (with OCR for scans), chunked by page and
// paragraph, embedded and stored in a vector database. A question is
// answered per document with page and paragraph citations, then the
// answers are grouped into cross-document themes.
//
// Example usage:
//
//	cfg, _ := config.Load("docqa.yaml")
//	app, err := docqa.New(ctx, cfg, slog.Default())
//	if err != nil { ... }
//	defer app.Close()
//
//	doc, _ := app.Ingestor.Ingest(ctx, ingest.Upload{Filename: "report.pdf", Data: data})
//	res, _ := app.Pipeline.Ask(ctx, qa.Request{Question: "What changed in 2024?"})
package docqa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hubenschmidt/go-docqa/chunk"
	"github.com/hubenschmidt/go-docqa/config"
	"github.com/hubenschmidt/go-docqa/core"
	"github.com/hubenschmidt/go-docqa/extract"
	"github.com/hubenschmidt/go-docqa/ingest"
	"github.com/hubenschmidt/go-docqa/keyword"
	"github.com/hubenschmidt/go-docqa/llm"
	"github.com/hubenschmidt/go-docqa/ocr"
	"github.com/hubenschmidt/go-docqa/qa"
	"github.com/hubenschmidt/go-docqa/server"
	"github.com/hubenschmidt/go-docqa/server/store"
	"github.com/hubenschmidt/go-docqa/vector"
)

// App holds the wired components of the service.
type App struct {
	Config    *config.Config
	LLM       *llm.UnifiedClient
	Documents store.DocumentStore
	Queries   store.QueryStore
	Vectors   vector.Store
	// Keywords is nil when keyword search is disabled.
	Keywords *keyword.Index
	Ingestor *ingest.Ingestor
	Pipeline *qa.Pipeline

	logger *slog.Logger
}

// New opens the stores and builds the ingestion and answering pipelines.
// With the in-memory vector backend, stored documents are re-indexed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, logger: logger}
	if err := app.open(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	a.LLM = llm.NewUnifiedClient(llm.UnifiedConfig{
		OpenAIKey:     cfg.LLM.OpenAIKey,
		OpenAIBaseURL: cfg.LLM.OpenAIBaseURL,
		AnthropicKey:  cfg.LLM.AnthropicKey,
		OllamaURL:     cfg.LLM.OllamaURL,
		Timeout:       cfg.LLM.TimeoutSecs,
		MaxRetries:    cfg.LLM.MaxRetries,
	})

	docs, queries, err := store.NewStores(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initialize stores: %w", err)
	}
	a.Documents, a.Queries = docs, queries
	a.logger.Info("database storage ready", "postgres", config.IsPostgresDSN(cfg.Database.DSN))

	a.Vectors, err = vector.New(ctx, cfg.Vector, cfg.Embedding.Dimension)
	if err != nil {
		return fmt.Errorf("initialize vector store: %w", err)
	}
	a.logger.Info("vector store ready", "backend", cfg.Vector.Backend, "dimension", cfg.Embedding.Dimension)

	// Keep the interfaces nil, not typed-nil, when keyword search is off.
	var ingestKeywords ingest.KeywordIndex
	var qaKeywords qa.KeywordSearcher
	if cfg.Keyword.Enabled {
		a.Keywords, err = keyword.Open(cfg.Keyword.IndexPath, a.logger)
		if err != nil {
			return fmt.Errorf("open keyword index: %w", err)
		}
		ingestKeywords, qaKeywords = a.Keywords, a.Keywords
	}

	engine, err := ocr.New(cfg.OCR, a.LLM, cfg.LLM.VisionModel)
	switch {
	case errors.Is(err, core.ErrOCRUnavailable):
		a.logger.Warn("OCR disabled", "backend", cfg.OCR.Backend, "error", err)
	case err != nil:
		return err
	case engine != nil:
		a.logger.Info("OCR ready", "engine", engine.Name())
	}

	extractor := extract.New(extract.Config{
		OCR:             engine,
		MinCharsPerPage: cfg.OCR.MinCharsPerPage,
		Logger:          a.logger,
	})

	a.Ingestor = ingest.New(ingest.Config{
		Documents:  a.Documents,
		Extractor:  extractor,
		Embedder:   a.LLM,
		EmbedModel: cfg.Embedding.Model,
		Vectors:    a.Vectors,
		Keywords:   ingestKeywords,
		Chunk:      chunk.Options{MaxTokens: cfg.Chunk.MaxTokens, OverlapTokens: cfg.Chunk.OverlapTokens},
		BatchSize:  cfg.Embedding.BatchSize,
		UploadDir:  cfg.Storage.UploadDir,
		MaxBytes:   cfg.Server.MaxUploadBytes,
		Logger:     a.logger,
	})

	a.Pipeline = qa.New(qa.Config{
		Documents:  a.Documents,
		Queries:    a.Queries,
		Vectors:    a.Vectors,
		Keywords:   qaKeywords,
		Embedder:   a.LLM,
		EmbedModel: cfg.Embedding.Model,
		Chat:       a.LLM,
		AnswerModel: core.DefaultModelConfig(cfg.LLM.ChatModel).
			WithTemperature(cfg.LLM.Temperature).
			WithMaxTokens(cfg.LLM.MaxTokens),
		ThemeModel: core.DefaultModelConfig(cfg.LLM.ThemeModel).
			WithTemperature(cfg.LLM.Temperature).
			WithMaxTokens(cfg.LLM.MaxTokens),
		TopK:           cfg.Query.TopK,
		MinScore:       cfg.Query.MinScore,
		MaxConcurrency: cfg.Query.MaxConcurrency,
		MaxThemes:      cfg.Query.MaxThemes,
		HybridWeight:   cfg.Query.HybridWeight,
		Timeout:        time.Duration(cfg.Query.TimeoutSecs) * time.Second,
		Logger:         a.logger,
	})

	if cfg.Vector.Backend == "memory" {
		n, err := a.Ingestor.Reindex(ctx)
		if err != nil {
			return fmt.Errorf("reindex: %w", err)
		}
		if n > 0 {
			a.logger.Info("in-memory indexes rebuilt", "documents", n)
		}
	}
	return nil
}

// Server builds the HTTP surface over the app.
func (a *App) Server() *server.Server {
	cfg := a.Config
	mcpPath := ""
	if cfg.MCP.Enabled {
		mcpPath = cfg.MCP.Path
	}
	return server.New(server.Config{
		Ingester:       a.Ingestor,
		Asker:          a.Pipeline,
		Documents:      a.Documents,
		Queries:        a.Queries,
		Models:         server.DefaultModels(cfg.LLM.ChatModel, cfg.LLM.ThemeModel, cfg.Embedding.Model, cfg.LLM.VisionModel),
		OllamaURL:      cfg.LLM.OllamaURL,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		CORSOrigins:    cfg.Server.CORSOrigins,
		APIKeyHashes:   cfg.Server.APIKeyHashes,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
		MCPPath:        mcpPath,
		Logger:         a.logger,
	})
}

// Close releases every opened store.
func (a *App) Close() error {
	var errs []error
	if a.Keywords != nil {
		errs = append(errs, a.Keywords.Close())
	}
	if a.Vectors != nil {
		errs = append(errs, a.Vectors.Close())
	}
	if a.Queries != nil {
		errs = append(errs, a.Queries.Close())
	}
	if a.Documents != nil {
		errs = append(errs, a.Documents.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close stores: %w", err)
	}
	return nil
}
