package extract

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/hubenschmidt/go-docqa/core"
	"github.com/hubenschmidt/go-docqa/ocr"
)

// Config configures an Extractor.
type Config struct {
	// OCR reads scanned pages and images. Nil disables OCR.
	OCR ocr.Engine
	// MinCharsPerPage is the text-layer size below which a PDF page with
	// images is treated as scanned.
	MinCharsPerPage int
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.MinCharsPerPage <= 0 {
		c.MinCharsPerPage = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Extractor dispatches files to the per-format readers.
type Extractor struct {
	ocr             ocr.Engine
	minCharsPerPage int
	html            *htmlConverter
	logger          *slog.Logger
}

func New(cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{
		ocr:             cfg.OCR,
		minCharsPerPage: cfg.MinCharsPerPage,
		html:            newHTMLConverter(),
		logger:          cfg.Logger.With("component", "extract"),
	}
}

// HasOCR reports whether an OCR engine is configured.
func (e *Extractor) HasOCR() bool {
	return e.ocr != nil
}

// Extract reads the file content according to its extension. A document
// without any text yields core.ErrEmptyDocument.
func (e *Extractor) Extract(ctx context.Context, filename string, data []byte) (*Document, error) {
	format, err := Detect(filename)
	if err != nil {
		return nil, err
	}

	var doc *Document
	switch format {
	case FormatPDF:
		doc, err = e.extractPDF(ctx, filename, data)
	case FormatDOCX:
		doc, err = extractDOCX(data)
	case FormatDOC:
		doc = extractDOC(data)
	case FormatHTML:
		doc, err = e.html.extract(data)
	case FormatText, FormatMarkdown:
		doc, err = extractText(format, data)
	case FormatImage:
		doc, err = e.extractImage(ctx, filename, data)
	}
	if err != nil {
		return nil, core.NewError("extract", filename, err)
	}

	if doc.Title == "" {
		doc.Title = firstParagraph(doc.Pages)
	}
	if doc.CharCount() == 0 {
		return nil, core.NewError("extract", filename, core.ErrEmptyDocument)
	}
	e.logger.Debug("extracted", "file", filename, "format", format, "pages", len(doc.Pages), "ocr", doc.OCR)
	return doc, nil
}

func extractText(format Format, data []byte) (*Document, error) {
	if !utf8.Valid(data) {
		// Treat as Latin-1 rather than rejecting the upload.
		runes := make([]rune, len(data))
		for i, b := range data {
			runes[i] = rune(b)
		}
		data = []byte(string(runes))
	}
	return &Document{Format: format, Pages: paginate(string(data))}, nil
}

func (e *Extractor) extractImage(ctx context.Context, filename string, data []byte) (*Document, error) {
	if e.ocr == nil {
		return nil, core.ErrOCRUnavailable
	}
	text, err := e.ocr.Recognize(ctx, data, ImageMIMEType(filename))
	if err != nil {
		return nil, fmt.Errorf("ocr %s: %w", e.ocr.Name(), err)
	}
	return &Document{
		Format: FormatImage,
		OCR:    true,
		Pages:  []Page{{Number: 1, Paragraphs: splitParagraphs(text), OCR: true}},
	}, nil
}
