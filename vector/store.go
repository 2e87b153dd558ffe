// Package vector provides chunk embedding storage and similarity search.
package vector

import (
	"context"
	"sort"
)

// DefaultTopK applies when SearchOptions.TopK is not positive.
const DefaultTopK = 5

// Record is one embedded chunk.
type Record struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Page       int       `json:"page"`
	Paragraph  int       `json:"paragraph"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	TopK int
	// DocumentID restricts results to one document when set.
	DocumentID string
	// MinScore drops results scoring below it when positive.
	MinScore float64
}

func (o SearchOptions) topK() int {
	if o.TopK <= 0 {
		return DefaultTopK
	}
	return o.TopK
}

// SearchResult represents a search result with similarity score.
type SearchResult struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"` // cosine similarity
}

// Store provides vector storage and similarity search operations.
type Store interface {
	// Upsert stores records, replacing existing ones by ID.
	Upsert(ctx context.Context, records []Record) error

	// Search returns the records closest to embedding, best first.
	Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]SearchResult, error)

	// DeleteDocument removes every record of a document.
	DeleteDocument(ctx context.Context, documentID string) error

	// Close releases resources.
	Close() error
}

// sortResults orders by score descending, then chunk index ascending.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Record.ChunkIndex != b.Record.ChunkIndex {
			return a.Record.ChunkIndex < b.Record.ChunkIndex
		}
		return a.Record.DocumentID < b.Record.DocumentID
	})
}
