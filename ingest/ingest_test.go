package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hubenschmidt/go-docqa/chunk"
	"github.com/hubenschmidt/go-docqa/core"
	"github.com/hubenschmidt/go-docqa/extract"
	"github.com/hubenschmidt/go-docqa/keyword"
	"github.com/hubenschmidt/go-docqa/llm"
	"github.com/hubenschmidt/go-docqa/server/store"
	"github.com/hubenschmidt/go-docqa/vector"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	failing bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, model, input string) (*llm.EmbeddingResponse, error) {
	res, err := f.EmbedBatch(ctx, model, []string{input})
	if err != nil {
		return nil, err
	}
	return &res[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, _ string, inputs []string) ([]llm.EmbeddingResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.failing {
		return nil, errors.New("provider down")
	}
	out := make([]llm.EmbeddingResponse, len(inputs))
	for i, in := range inputs {
		out[i] = llm.EmbeddingResponse{Embedding: []float32{float32(len(in)), 1, 0}, TokenCount: len(strings.Fields(in))}
	}
	return out, nil
}

type harness struct {
	ing      *Ingestor
	docs     store.DocumentStore
	vectors  *vector.MemoryStore
	keywords *keyword.Index
	embedder *fakeEmbedder
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	docs, queries, err := store.NewStores(filepath.Join(dir, "docqa.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { docs.Close(); queries.Close() })

	kw, err := keyword.Open("", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kw.Close() })

	h := &harness{
		docs:     docs,
		vectors:  vector.NewMemoryStore(),
		keywords: kw,
		embedder: &fakeEmbedder{},
		dir:      dir,
	}
	h.ing = New(Config{
		Documents:  docs,
		Extractor:  extract.New(extract.Config{}),
		Embedder:   h.embedder,
		EmbedModel: "test-embed",
		Vectors:    h.vectors,
		Keywords:   kw,
		Chunk:      chunk.Options{MaxTokens: 8, OverlapTokens: 2},
		BatchSize:  2,
		UploadDir:  filepath.Join(dir, "uploads"),
		MaxBytes:   1 << 20,
	})
	return h
}

const sampleText = "Quarterly revenue rose sharply.\n\nCosts were flat across all regions this year.\fThe board approved a dividend increase."

func TestIngest_Ready(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doc, err := h.ing.Ingest(ctx, Upload{Filename: "report.txt", Data: []byte(sampleText)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if doc.Status != store.StatusReady || doc.PageCount != 2 || doc.ChunkCount != 3 {
		t.Errorf("doc = %+v", doc)
	}
	if doc.Title != "Quarterly revenue rose sharply." {
		t.Errorf("title = %q", doc.Title)
	}
	if _, err := os.Stat(doc.Path); err != nil {
		t.Errorf("stored file: %v", err)
	}
	if filepath.Ext(doc.Path) != ".txt" {
		t.Errorf("path = %s", doc.Path)
	}
	if h.vectors.Count() != 3 {
		t.Errorf("vectors = %d, want 3", h.vectors.Count())
	}
	// 3 chunks in batches of 2
	if h.embedder.calls != 2 {
		t.Errorf("embed calls = %d, want 2", h.embedder.calls)
	}
	hits, _ := h.keywords.Search(ctx, "dividend", doc.ID, 5)
	if len(hits) != 1 || hits[0].Record.Page != 2 {
		t.Errorf("keyword hits = %+v", hits)
	}

	stored, err := h.docs.Get(ctx, doc.ID)
	if err != nil || stored.Status != store.StatusReady {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestIngest_Duplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.ing.Ingest(ctx, Upload{Filename: "a.txt", Data: []byte(sampleText)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.ing.Ingest(ctx, Upload{Filename: "copy.txt", Data: []byte(sampleText)})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Errorf("second = %+v", second)
	}
	docs, _ := h.docs.List(ctx)
	if len(docs) != 1 {
		t.Errorf("documents = %d, want 1", len(docs))
	}
}

// staleHashLookup hides documents from the first hash lookup, as when two
// uploads of the same bytes check before either has been created.
type staleHashLookup struct {
	store.DocumentStore
	mu     sync.Mutex
	hidden int
}

func (s *staleHashLookup) GetBySHA256(ctx context.Context, sum string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hidden > 0 {
		s.hidden--
		return store.Document{}, store.ErrNotFound
	}
	return s.DocumentStore.GetBySHA256(ctx, sum)
}

func TestIngest_ConcurrentDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.ing.Ingest(ctx, Upload{Filename: "a.txt", Data: []byte(sampleText)})
	if err != nil {
		t.Fatal(err)
	}

	h.ing.cfg.Documents = &staleHashLookup{DocumentStore: h.docs, hidden: 1}
	second, err := h.ing.Ingest(ctx, Upload{Filename: "copy.txt", Data: []byte(sampleText)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Errorf("second = %+v", second)
	}
	docs, _ := h.docs.List(ctx)
	if len(docs) != 1 {
		t.Errorf("documents = %d, want 1", len(docs))
	}
	files, _ := os.ReadDir(filepath.Join(h.dir, "uploads"))
	if len(files) != 1 {
		t.Errorf("stored files = %d, want 1", len(files))
	}
}

func TestIngest_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		upload Upload
		want   error
	}{
		{"empty", Upload{Filename: "a.txt"}, core.ErrInvalidInput},
		{"unsupported", Upload{Filename: "a.exe", Data: []byte("x")}, core.ErrUnsupportedFormat},
		{"too large", Upload{Filename: "a.txt", Data: make([]byte, 2<<20)}, core.ErrFileTooLarge},
		{"no name", Upload{Filename: "", Data: []byte("x")}, core.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := h.ing.Ingest(ctx, tt.upload)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if doc != nil {
				t.Errorf("doc = %+v, want nil", doc)
			}
		})
	}
}

func TestIngest_EmbeddingFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.embedder.failing = true
	ctx := context.Background()

	doc, err := h.ing.Ingest(ctx, Upload{Filename: "report.txt", Data: []byte(sampleText)})
	if !errors.Is(err, core.ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
	if doc == nil || doc.Status != store.StatusFailed || doc.Error == "" {
		t.Fatalf("doc = %+v", doc)
	}
	stored, _ := h.docs.Get(ctx, doc.ID)
	if stored.Status != store.StatusFailed {
		t.Errorf("stored status = %s", stored.Status)
	}
	if h.vectors.Count() != 0 {
		t.Errorf("partial vectors left: %d", h.vectors.Count())
	}

	// A failed upload can be retried with the same content.
	h.embedder.failing = false
	retry, err := h.ing.Ingest(ctx, Upload{Filename: "report.txt", Data: []byte(sampleText)})
	if err != nil || retry.Duplicate || retry.Status != store.StatusReady {
		t.Errorf("retry = %+v, %v", retry, err)
	}
}

func TestIngest_EmptyExtraction(t *testing.T) {
	h := newHarness(t)
	doc, err := h.ing.Ingest(context.Background(), Upload{Filename: "blank.txt", Data: []byte("   \n\n  ")})
	if !errors.Is(err, core.ErrEmptyDocument) {
		t.Errorf("err = %v", err)
	}
	if doc == nil || doc.Status != store.StatusFailed {
		t.Errorf("doc = %+v", doc)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, err := h.ing.Ingest(ctx, Upload{Filename: "report.txt", Data: []byte(sampleText)})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.ing.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if h.vectors.Count() != 0 {
		t.Errorf("vectors left: %d", h.vectors.Count())
	}
	if _, err := os.Stat(doc.Path); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
	if n, _ := h.keywords.Count(); n != 0 {
		t.Errorf("keyword entries left: %d", n)
	}
	if err := h.ing.Delete(ctx, doc.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestReindex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.ing.Ingest(ctx, Upload{Filename: "report.txt", Data: []byte(sampleText)}); err != nil {
		t.Fatal(err)
	}

	fresh := vector.NewMemoryStore()
	h.ing.cfg.Vectors = fresh
	n, err := h.ing.Reindex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || fresh.Count() != 3 {
		t.Errorf("reindexed %d documents, %d vectors", n, fresh.Count())
	}
}
