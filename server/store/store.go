package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hubenschmidt/go-docqa/core"
)

// ErrNotFound is returned when an entity is not found
var ErrNotFound = fmt.Errorf("record %w", core.ErrNotFound)

// ErrDuplicate is returned by Create when a document with the same SHA-256
// is already stored.
var ErrDuplicate = errors.New("document content already stored")

// DocumentStatus tracks a document through ingestion.
type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// Document is an uploaded file and its ingestion state.
type Document struct {
	ID         string         `json:"id"`
	Filename   string         `json:"filename"`
	Title      string         `json:"title"`
	Format     string         `json:"format"`
	SizeBytes  int64          `json:"size_bytes"`
	SHA256     string         `json:"sha256"`
	Path       string         `json:"-"`
	Status     DocumentStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	PageCount  int            `json:"page_count"`
	ChunkCount int            `json:"chunk_count"`
	OCR        bool           `json:"ocr"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`

	// Duplicate is set on upload responses when the content already existed.
	Duplicate bool `json:"duplicate,omitempty"`
}

// QueryRecord is a persisted question and its full result.
type QueryRecord struct {
	ID            string          `json:"id"`
	Question      string          `json:"question"`
	DocumentIDs   []string        `json:"document_ids"`
	Timestamp     int64           `json:"timestamp"`
	ElapsedMs     int64           `json:"elapsed_ms"`
	InputTokens   int             `json:"input_tokens"`
	OutputTokens  int             `json:"output_tokens"`
	DocumentCount int             `json:"document_count"`
	ThemeCount    int             `json:"theme_count"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// MetricsSummary contains aggregated query metrics
type MetricsSummary struct {
	TotalQueries       int     `json:"total_queries"`
	TotalInputTokens   int     `json:"total_input_tokens"`
	TotalOutputTokens  int     `json:"total_output_tokens"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
	AvgDocumentsPerQry float64 `json:"avg_documents_per_query"`
}

// DocumentStore defines the interface for document persistence
type DocumentStore interface {
	Create(ctx context.Context, d Document) error
	Update(ctx context.Context, d Document) error
	Get(ctx context.Context, id string) (Document, error)
	GetBySHA256(ctx context.Context, sum string) (Document, error)
	List(ctx context.Context) ([]Document, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// QueryStore defines the interface for query history persistence
type QueryStore interface {
	Add(ctx context.Context, q QueryRecord) error
	Get(ctx context.Context, id string) (QueryRecord, error)
	// List returns the newest queries first; limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]QueryRecord, error)
	Delete(ctx context.Context, id string) error
	Summary(ctx context.Context) (MetricsSummary, error)
	Close() error
}
