// Package ingest turns uploads into searchable chunks: it stores the file,
// extracts and chunks the text, embeds the chunks and indexes them.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/go-docqa/chunk"
	"github.com/hubenschmidt/go-docqa/core"
	"github.com/hubenschmidt/go-docqa/extract"
	"github.com/hubenschmidt/go-docqa/llm"
	"github.com/hubenschmidt/go-docqa/server/store"
	"github.com/hubenschmidt/go-docqa/vector"
)

// DocumentExtractor reads text out of an uploaded file.
type DocumentExtractor interface {
	Extract(ctx context.Context, filename string, data []byte) (*extract.Document, error)
}

// KeywordIndex is the full-text side of hybrid retrieval.
type KeywordIndex interface {
	Index(ctx context.Context, records []vector.Record) error
	DeleteDocument(ctx context.Context, documentID string) error
}

type Config struct {
	Documents  store.DocumentStore
	Extractor  DocumentExtractor
	Embedder   llm.EmbeddingClient
	EmbedModel string
	Vectors    vector.Store
	// Keywords is optional.
	Keywords  KeywordIndex
	Chunk     chunk.Options
	BatchSize int
	UploadDir string
	MaxBytes  int64
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.UploadDir == "" {
		c.UploadDir = "data/uploads"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Upload is one file received from a client.
type Upload struct {
	Filename string
	Data     []byte
}

type Ingestor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Ingestor {
	cfg.defaults()
	return &Ingestor{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "ingest"),
		now:    time.Now,
	}
}

// Validate checks an upload before anything is stored.
func (in *Ingestor) Validate(u Upload) (extract.Format, error) {
	name := filepath.Base(u.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", core.NewError("validate", u.Filename, fmt.Errorf("%w: missing filename", core.ErrInvalidInput))
	}
	if len(u.Data) == 0 {
		return "", core.NewError("validate", name, fmt.Errorf("%w: empty file", core.ErrInvalidInput))
	}
	if in.cfg.MaxBytes > 0 && int64(len(u.Data)) > in.cfg.MaxBytes {
		return "", core.WithContext(core.NewError("validate", name, core.ErrFileTooLarge), "max_bytes", in.cfg.MaxBytes)
	}
	return extract.Detect(name)
}

// Ingest stores and indexes an upload. Content already known by hash
// returns the existing document with Duplicate set. When processing fails
// after the record exists, the failed record is returned with the error.
func (in *Ingestor) Ingest(ctx context.Context, u Upload) (*store.Document, error) {
	format, err := in.Validate(u)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(u.Filename)

	sum := sha256.Sum256(u.Data)
	hash := hex.EncodeToString(sum[:])

	existing, err := in.cfg.Documents.GetBySHA256(ctx, hash)
	switch {
	case err == nil && existing.Status != store.StatusFailed:
		existing.Duplicate = true
		in.logger.Info("duplicate upload", "file", name, "document_id", existing.ID)
		return &existing, nil
	case err == nil:
		if err := in.Delete(ctx, existing.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("remove failed document %s: %w", existing.ID, err)
		}
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("lookup hash: %w", err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	path, err := in.saveFile(id, name, u.Data)
	if err != nil {
		return nil, core.NewError("ingest", name, err)
	}

	now := in.now().UnixMilli()
	doc := store.Document{
		ID:        id,
		Filename:  name,
		Format:    string(format),
		SizeBytes: int64(len(u.Data)),
		SHA256:    hash,
		Path:      path,
		Status:    store.StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.cfg.Documents.Create(ctx, doc); err != nil {
		os.Remove(path)
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent upload of the same bytes got there first.
			if existing, gerr := in.cfg.Documents.GetBySHA256(ctx, hash); gerr == nil {
				existing.Duplicate = true
				in.logger.Info("duplicate upload", "file", name, "document_id", existing.ID)
				return &existing, nil
			}
		}
		return nil, fmt.Errorf("create document: %w", err)
	}

	if err := in.process(ctx, &doc, u.Data); err != nil {
		in.fail(&doc, err)
		var ce *core.Error
		if !errors.As(err, &ce) {
			err = core.NewError("ingest", name, err)
		}
		return &doc, err
	}
	return &doc, nil
}

func (in *Ingestor) saveFile(id, name string, data []byte) (string, error) {
	if err := os.MkdirAll(in.cfg.UploadDir, 0755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(in.cfg.UploadDir, id+strings.ToLower(filepath.Ext(name)))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

// process runs extraction through indexing and marks the document ready.
func (in *Ingestor) process(ctx context.Context, doc *store.Document, data []byte) error {
	start := in.now()

	extracted, err := in.cfg.Extractor.Extract(ctx, doc.Filename, data)
	if err != nil {
		return err
	}

	chunks := chunk.Split(extracted, in.cfg.Chunk)
	if len(chunks) == 0 {
		return core.ErrEmptyDocument
	}

	records, err := in.embed(ctx, doc.ID, chunks)
	if err != nil {
		return err
	}

	// Replace anything left from an earlier run of the same document.
	if err := in.cfg.Vectors.DeleteDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("clear vectors: %w", err)
	}
	if err := in.cfg.Vectors.Upsert(ctx, records); err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	if in.cfg.Keywords != nil {
		if err := in.cfg.Keywords.DeleteDocument(ctx, doc.ID); err != nil {
			return fmt.Errorf("clear keyword index: %w", err)
		}
		if err := in.cfg.Keywords.Index(ctx, records); err != nil {
			return fmt.Errorf("keyword index: %w", err)
		}
	}

	doc.Title = extracted.Title
	doc.PageCount = len(extracted.Pages)
	doc.ChunkCount = len(chunks)
	doc.OCR = extracted.OCR
	doc.Status = store.StatusReady
	doc.Error = ""
	doc.UpdatedAt = in.now().UnixMilli()
	if err := in.cfg.Documents.Update(ctx, *doc); err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	in.logger.Info("document ready",
		"document_id", doc.ID,
		"file", doc.Filename,
		"pages", doc.PageCount,
		"chunks", doc.ChunkCount,
		"ocr", doc.OCR,
		"elapsed_ms", in.now().Sub(start).Milliseconds(),
	)
	return nil
}

// embed runs embedding batches concurrently, two at a time.
func (in *Ingestor) embed(ctx context.Context, documentID string, chunks []chunk.Chunk) ([]vector.Record, error) {
	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			ID:         fmt.Sprintf("%s:%d", documentID, c.Index),
			DocumentID: documentID,
			ChunkIndex: c.Index,
			Page:       c.Page,
			Paragraph:  c.Paragraph,
			Content:    c.Text,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for start := 0; start < len(records); start += in.cfg.BatchSize {
		end := min(start+in.cfg.BatchSize, len(records))
		batch := records[start:end]
		g.Go(func() error {
			inputs := make([]string, len(batch))
			for i, r := range batch {
				inputs[i] = r.Content
			}
			embs, err := in.cfg.Embedder.EmbedBatch(gctx, in.cfg.EmbedModel, inputs)
			if err != nil {
				return fmt.Errorf("%w: %w", core.ErrEmbedding, err)
			}
			if len(embs) != len(batch) {
				return fmt.Errorf("%w: got %d embeddings for %d chunks", core.ErrEmbedding, len(embs), len(batch))
			}
			for i := range batch {
				batch[i].Embedding = embs[i].Embedding
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// fail marks the document failed and removes partial index entries. It
// uses a fresh context so cleanup still runs after cancellation.
func (in *Ingestor) fail(doc *store.Document, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := in.cfg.Vectors.DeleteDocument(ctx, doc.ID); err != nil {
		in.logger.Warn("remove partial vectors", "document_id", doc.ID, "error", err)
	}
	if in.cfg.Keywords != nil {
		if err := in.cfg.Keywords.DeleteDocument(ctx, doc.ID); err != nil {
			in.logger.Warn("remove partial keyword entries", "document_id", doc.ID, "error", err)
		}
	}

	doc.Status = store.StatusFailed
	doc.Error = cause.Error()
	doc.UpdatedAt = in.now().UnixMilli()
	if err := in.cfg.Documents.Update(ctx, *doc); err != nil {
		in.logger.Error("mark document failed", "document_id", doc.ID, "error", err)
	}
	in.logger.Warn("ingest failed", "document_id", doc.ID, "file", doc.Filename, "error", cause)
}

// Delete removes a document from every index, its file and its record.
func (in *Ingestor) Delete(ctx context.Context, id string) error {
	doc, err := in.cfg.Documents.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := in.cfg.Vectors.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if in.cfg.Keywords != nil {
		if err := in.cfg.Keywords.DeleteDocument(ctx, id); err != nil {
			return fmt.Errorf("delete keyword entries: %w", err)
		}
	}
	if doc.Path != "" {
		if err := os.Remove(doc.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove file: %w", err)
		}
	}
	if err := in.cfg.Documents.Delete(ctx, id); err != nil {
		return err
	}
	in.logger.Info("document deleted", "document_id", id, "file", doc.Filename)
	return nil
}

// Reindex rebuilds the indexes of every ready document from its stored
// file. It backs the in-memory vector store, which starts empty.
func (in *Ingestor) Reindex(ctx context.Context) (int, error) {
	docs, err := in.cfg.Documents.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range docs {
		if d.Status != store.StatusReady {
			continue
		}
		data, err := os.ReadFile(d.Path)
		if err != nil {
			in.fail(&d, fmt.Errorf("read stored file: %w", err))
			continue
		}
		if err := in.process(ctx, &d, data); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			in.fail(&d, err)
			continue
		}
		n++
	}
	in.logger.Info("reindex complete", "documents", n)
	return n, nil
}
