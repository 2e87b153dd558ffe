package vector

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory vector store for development and testing.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates a new in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

// Upsert stores records, updating existing ones by ID. Embeddings are
// kept unit length so search scores with a dot product.
func (s *MemoryStore) Upsert(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		rec.Embedding = Normalize(rec.Embedding)
		s.records[rec.ID] = rec
	}
	return nil
}

// Search finds records similar to the given embedding using brute-force cosine similarity.
func (s *MemoryStore) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := s.computeSimilarities(embedding, opts)
	sortResults(results)

	if k := opts.topK(); len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *MemoryStore) computeSimilarities(embedding []float32, opts SearchOptions) []SearchResult {
	query := Normalize(embedding)
	results := make([]SearchResult, 0, len(s.records))
	for _, rec := range s.records {
		if len(rec.Embedding) == 0 {
			continue
		}
		if opts.DocumentID != "" && rec.DocumentID != opts.DocumentID {
			continue
		}
		score := dot(query, rec.Embedding)
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		results = append(results, SearchResult{Record: rec, Score: score})
	}
	return results
}

// DeleteDocument removes all records of a document.
func (s *MemoryStore) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if rec.DocumentID == documentID {
			delete(s.records, id)
		}
	}
	return nil
}

// Close is a no-op for in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Count returns the number of records in the store.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
