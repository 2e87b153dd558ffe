package vector

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
)

// PgVectorStore is a PostgreSQL-based vector store using pgvector.
type PgVectorStore struct {
	db        *sql.DB
	dimension int
}

// NewPgVectorStore creates a new pgvector-based store.
// The dimension parameter specifies the embedding dimension (e.g., 1536 for OpenAI).
func NewPgVectorStore(ctx context.Context, dsn string, dimension int) (*PgVectorStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PgVectorStore{db: db, dimension: dimension}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *PgVectorStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_vectors (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			page INTEGER NOT NULL,
			paragraph INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS idx_chunk_vectors_document ON chunk_vectors (document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_vectors_embedding ON chunk_vectors USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// Upsert stores records in one transaction, updating existing ones by ID.
func (s *PgVectorStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors (id, document_id, chunk_index, page, paragraph, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			page = EXCLUDED.page,
			paragraph = EXCLUDED.paragraph,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if len(rec.Embedding) != s.dimension {
			return fmt.Errorf("record %s: embedding dimension %d, want %d", rec.ID, len(rec.Embedding), s.dimension)
		}
		_, err := stmt.ExecContext(ctx, rec.ID, rec.DocumentID, rec.ChunkIndex, rec.Page, rec.Paragraph,
			rec.Content, pgvector.NewVector(rec.Embedding))
		if err != nil {
			return fmt.Errorf("upsert record %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// Search finds records similar to the given embedding.
func (s *PgVectorStore) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]SearchResult, error) {
	query, args := globalSearchSQL, []any{pgvector.NewVector(embedding), opts.topK()}
	if opts.DocumentID != "" {
		query, args = documentSearchSQL, append(args, opts.DocumentID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var rec Record
		var vec pgvector.Vector
		var score float64

		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.ChunkIndex, &rec.Page, &rec.Paragraph,
			&rec.Content, &vec, &score); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		rec.Embedding = vec.Slice()
		results = append(results, SearchResult{Record: rec, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortResults(results)
	return results, nil
}

const globalSearchSQL = `
	SELECT id, document_id, chunk_index, page, paragraph, content, embedding,
		1 - (embedding <=> $1) AS score
	FROM chunk_vectors
	ORDER BY embedding <=> $1, chunk_index
	LIMIT $2`

// Per-document search scores the document's rows exactly. Filtering after
// the HNSW scan only sees the global nearest candidates and can miss a
// document entirely.
const documentSearchSQL = `
	WITH doc AS MATERIALIZED (
		SELECT id, document_id, chunk_index, page, paragraph, content, embedding
		FROM chunk_vectors
		WHERE document_id = $3
	)
	SELECT id, document_id, chunk_index, page, paragraph, content, embedding,
		1 - (embedding <=> $1) AS score
	FROM doc
	ORDER BY embedding <=> $1, chunk_index
	LIMIT $2`

// DeleteDocument removes all records of a document.
func (s *PgVectorStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *PgVectorStore) Close() error {
	return s.db.Close()
}
