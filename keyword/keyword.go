// Package keyword keeps a BM25 full-text index of chunks for hybrid
// retrieval alongside the vector store.
package keyword

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/hubenschmidt/go-docqa/vector"
)

const deletePageSize = 1000

// Hit is a keyword match with its BM25 score.
type Hit struct {
	Record vector.Record `json:"record"`
	Score  float64       `json:"score"`
}

// Index wraps a bleve index of chunk records.
type Index struct {
	idx    bleve.Index
	logger *slog.Logger
}

type chunkDoc struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Page       int    `json:"page"`
	Paragraph  int    `json:"paragraph"`
	Content    string `json:"content"`
}

func buildMapping() mapping.IndexMapping {
	content := bleve.NewTextFieldMapping()
	content.Analyzer = en.AnalyzerName

	docID := bleve.NewKeywordFieldMapping()

	num := bleve.NewNumericFieldMapping()

	dm := bleve.NewDocumentMapping()
	dm.AddFieldMappingsAt("content", content)
	dm.AddFieldMappingsAt("document_id", docID)
	dm.AddFieldMappingsAt("chunk_index", num)
	dm.AddFieldMappingsAt("page", num)
	dm.AddFieldMappingsAt("paragraph", num)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = dm
	return im
}

// Open opens or creates an on-disk index at path. An empty path gives an
// in-memory index.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "keyword")

	var idx bleve.Index
	var err error
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(buildMapping())
	default:
		if _, statErr := os.Stat(path); statErr == nil {
			idx, err = bleve.Open(path)
		} else {
			idx, err = bleve.New(path, buildMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}
	logger.Debug("keyword index ready", "path", path)
	return &Index{idx: idx, logger: logger}, nil
}

// Index adds or replaces records in one batch.
func (i *Index) Index(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := i.idx.NewBatch()
	for _, r := range records {
		doc := chunkDoc{
			DocumentID: r.DocumentID,
			ChunkIndex: r.ChunkIndex,
			Page:       r.Page,
			Paragraph:  r.Paragraph,
			Content:    r.Content,
		}
		if err := b.Index(r.ID, doc); err != nil {
			return fmt.Errorf("index %s: %w", r.ID, err)
		}
	}
	if err := i.idx.Batch(b); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	return nil
}

// Search runs a BM25 match query over chunk content, restricted to one
// document when documentID is set.
func (i *Index) Search(ctx context.Context, text, documentID string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = vector.DefaultTopK
	}
	match := bleve.NewMatchQuery(text)
	match.SetField("content")

	req := bleve.NewSearchRequestOptions(match, topK, 0, false)
	if documentID != "" {
		term := bleve.NewTermQuery(documentID)
		term.SetField("document_id")
		req = bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(match, term), topK, 0, false)
	}
	req.Fields = []string{"*"}

	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{Record: recordFromFields(h.ID, h.Fields), Score: h.Score})
	}
	return hits, nil
}

func recordFromFields(id string, fields map[string]interface{}) vector.Record {
	rec := vector.Record{ID: id}
	if v, ok := fields["document_id"].(string); ok {
		rec.DocumentID = v
	}
	if v, ok := fields["content"].(string); ok {
		rec.Content = v
	}
	if v, ok := fields["chunk_index"].(float64); ok {
		rec.ChunkIndex = int(v)
	}
	if v, ok := fields["page"].(float64); ok {
		rec.Page = int(v)
	}
	if v, ok := fields["paragraph"].(float64); ok {
		rec.Paragraph = int(v)
	}
	return rec
}

// DeleteDocument removes every chunk of a document.
func (i *Index) DeleteDocument(ctx context.Context, documentID string) error {
	term := bleve.NewTermQuery(documentID)
	term.SetField("document_id")

	removed := 0
	for {
		req := bleve.NewSearchRequestOptions(term, deletePageSize, 0, false)
		res, err := i.idx.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("find chunks of %s: %w", documentID, err)
		}
		if len(res.Hits) == 0 {
			break
		}
		b := i.idx.NewBatch()
		for _, h := range res.Hits {
			b.Delete(h.ID)
		}
		if err := i.idx.Batch(b); err != nil {
			return fmt.Errorf("delete chunks of %s: %w", documentID, err)
		}
		removed += len(res.Hits)
	}
	i.logger.Debug("keyword entries removed", "document_id", documentID, "count", removed)
	return nil
}

// Count returns the number of indexed chunks.
func (i *Index) Count() (uint64, error) {
	return i.idx.DocCount()
}

func (i *Index) Close() error {
	if i == nil || i.idx == nil {
		return nil
	}
	return i.idx.Close()
}
