package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/hubenschmidt/go-docqa/config"
	"github.com/hubenschmidt/go-docqa/core"
)

// New opens the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.VectorConfig, dimension int) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "pgvector":
		return NewPgVectorStore(ctx, cfg.DSN, dimension)
	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			URL:        cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
			Dimension:  dimension,
			Timeout:    time.Duration(cfg.Qdrant.TimeoutSecs) * time.Second,
		})
	default:
		return nil, fmt.Errorf("%w: unknown vector backend %q", core.ErrInvalidConfig, cfg.Backend)
	}
}
