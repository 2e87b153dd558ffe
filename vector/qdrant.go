package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// errCollectionMissing is returned by do for a 404 on the collection.
var errCollectionMissing = errors.New("qdrant collection not found")

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// QdrantStore talks to Qdrant's REST API. It uses cosine distance and
// creates the collection if missing.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Dimension <= 0 {
		return nil, errors.New("qdrant: invalid dimension")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	s := &QdrantStore{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) collectionURL() string {
	return fmt.Sprintf("%s/collections/%s", s.url, s.collection)
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	err := s.do(ctx, http.MethodGet, s.collectionURL(), nil, nil)
	if !errors.Is(err, errCollectionMissing) {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimension,
			"distance": "Cosine",
		},
	}
	if err := s.do(ctx, http.MethodPut, s.collectionURL(), body, nil); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	// Keyword index for the per-document filter.
	index := map[string]any{"field_name": "document_id", "field_schema": "keyword"}
	return s.do(ctx, http.MethodPut, s.collectionURL()+"/index?wait=true", index, nil)
}

// pointID maps a record id to a stable UUID, which Qdrant requires.
func pointID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(recordID)).String()
}

func documentFilter(documentID string) map[string]any {
	return map[string]any{
		"must": []map[string]any{{
			"key":   "document_id",
			"match": map[string]any{"value": documentID},
		}},
	}
}

func (s *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]any, len(records))
	for i, rec := range records {
		points[i] = map[string]any{
			"id":     pointID(rec.ID),
			"vector": rec.Embedding,
			"payload": map[string]any{
				"record_id":   rec.ID,
				"document_id": rec.DocumentID,
				"chunk_index": rec.ChunkIndex,
				"page":        rec.Page,
				"paragraph":   rec.Paragraph,
				"content":     rec.Content,
			},
		}
	}
	body := map[string]any{"points": points}
	return s.do(ctx, http.MethodPut, s.collectionURL()+"/points?wait=true", body, nil)
}

type qdrantPayload struct {
	RecordID   string `json:"record_id"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Page       int    `json:"page"`
	Paragraph  int    `json:"paragraph"`
	Content    string `json:"content"`
}

func (s *QdrantStore) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]SearchResult, error) {
	req := map[string]any{
		"vector":       embedding,
		"limit":        opts.topK(),
		"with_payload": true,
	}
	if opts.DocumentID != "" {
		req["filter"] = documentFilter(opts.DocumentID)
	}
	if opts.MinScore > 0 {
		req["score_threshold"] = opts.MinScore
	}

	var resp struct {
		Result []struct {
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/search", req, &resp); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		p := r.Payload
		results = append(results, SearchResult{
			Record: Record{
				ID:         p.RecordID,
				DocumentID: p.DocumentID,
				ChunkIndex: p.ChunkIndex,
				Page:       p.Page,
				Paragraph:  p.Paragraph,
				Content:    p.Content,
			},
			Score: r.Score,
		})
	}
	sortResults(results)
	return results, nil
}

func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID string) error {
	body := map[string]any{"filter": documentFilter(documentID)}
	return s.do(ctx, http.MethodPost, s.collectionURL()+"/points/delete?wait=true", body, nil)
}

func (s *QdrantStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *QdrantStore) do(ctx context.Context, method, url string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errCollectionMissing
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("qdrant %s %s failed: %s: %s", method, url, resp.Status, bytes.TrimSpace(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
