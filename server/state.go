package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/go-docqa/llm"
)

const discoveryTTL = time.Minute

// modelCatalog serves the configured models plus the models a local
// Ollama instance reports, refreshed at most once per discoveryTTL.
type modelCatalog struct {
	configured []ModelInfo
	ollamaURL  string
	discover   func(ctx context.Context, host string) ([]llm.DiscoveredModel, error)
	logger     *slog.Logger

	mu         sync.Mutex
	discovered []ModelInfo
	fetchedAt  time.Time
}

func newModelCatalog(configured []ModelInfo, ollamaURL string, logger *slog.Logger) *modelCatalog {
	return &modelCatalog{
		configured: configured,
		ollamaURL:  ollamaURL,
		discover:   llm.DiscoverOllamaModels,
		logger:     logger,
	}
}

func (c *modelCatalog) List(ctx context.Context) []ModelInfo {
	out := make([]ModelInfo, 0, len(c.configured))
	out = append(out, c.configured...)
	return append(out, c.ollama(ctx)...)
}

func (c *modelCatalog) ollama(ctx context.Context) []ModelInfo {
	if c.ollamaURL == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < discoveryTTL {
		return c.discovered
	}

	models, err := c.discover(ctx, c.ollamaURL)
	c.fetchedAt = time.Now()
	if err != nil {
		c.logger.Debug("ollama discovery failed", "url", c.ollamaURL, "error", err)
		c.discovered = nil
		return nil
	}
	c.discovered = make([]ModelInfo, len(models))
	for i, m := range models {
		c.discovered[i] = ModelInfo{ID: m.ID, Name: m.Name, Model: m.Model, Role: "chat", APIBase: m.APIBase}
	}
	c.logger.Debug("ollama models discovered", "count", len(models))
	return c.discovered
}
