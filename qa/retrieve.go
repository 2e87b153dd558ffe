package qa

import (
	"context"
	"sort"

	"github.com/hubenschmidt/go-docqa/keyword"
	"github.com/hubenschmidt/go-docqa/vector"
)

// KeywordSearcher runs BM25 searches restricted to one document.
type KeywordSearcher interface {
	Search(ctx context.Context, text, documentID string, topK int) ([]keyword.Hit, error)
}

type scoredChunk struct {
	record vector.Record
	score  float64
}

// retrieve returns up to topK chunks of one document. With a keyword index
// the vector and BM25 rankings are merged by reciprocal rank fusion, the
// keyword side weighted by hybridWeight.
func (p *Pipeline) retrieve(ctx context.Context, embedding []float32, question, documentID string, topK int) ([]scoredChunk, error) {
	fetch := topK
	if p.keywords != nil {
		fetch = topK * 3
	}

	vecHits, err := p.vectors.Search(ctx, embedding, vector.SearchOptions{
		TopK:       fetch,
		DocumentID: documentID,
		MinScore:   p.minScore,
	})
	if err != nil {
		return nil, err
	}
	if p.keywords == nil {
		out := make([]scoredChunk, 0, min(topK, len(vecHits)))
		for _, h := range vecHits {
			if len(out) == topK {
				break
			}
			out = append(out, scoredChunk{record: h.Record, score: h.Score})
		}
		return out, nil
	}

	kwHits, err := p.keywords.Search(ctx, question, documentID, fetch)
	if err != nil {
		p.logger.Warn("keyword search failed, using vector ranking", "document_id", documentID, "error", err)
		kwHits = nil
	}
	return fuse(vecHits, kwHits, p.hybridWeight, topK), nil
}

// fuse merges two rankings with weighted reciprocal rank fusion.
func fuse(vecHits []vector.SearchResult, kwHits []keyword.Hit, weight float64, topK int) []scoredChunk {
	byID := make(map[string]*scoredChunk)
	add := func(rec vector.Record, rank int, w float64) {
		if w <= 0 {
			return
		}
		sc, ok := byID[rec.ID]
		if !ok {
			sc = &scoredChunk{record: rec}
			byID[rec.ID] = sc
		}
		if sc.record.Content == "" {
			sc.record.Content = rec.Content
		}
		sc.score += w / (rrfK + float64(rank))
	}
	for i, h := range vecHits {
		add(h.Record, i+1, 1-weight)
	}
	for i, h := range kwHits {
		add(h.Record, i+1, weight)
	}

	out := make([]scoredChunk, 0, len(byID))
	for _, sc := range byID {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].record.ChunkIndex < out[j].record.ChunkIndex
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
