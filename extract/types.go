// Package extract turns uploaded files into page-numbered paragraphs.
package extract

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/hubenschmidt/go-docqa/core"
)

// Format identifies a supported input format.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatDOC      Format = "doc"
	FormatDOCX     Format = "docx"
	FormatHTML     Format = "html"
	FormatImage    Format = "image"
)

var extFormats = map[string]Format{
	".pdf":  FormatPDF,
	".txt":  FormatText,
	".text": FormatText,
	".md":   FormatMarkdown,
	".doc":  FormatDOC,
	".docx": FormatDOCX,
	".html": FormatHTML,
	".htm":  FormatHTML,
	".png":  FormatImage,
	".jpg":  FormatImage,
	".jpeg": FormatImage,
	".tif":  FormatImage,
	".tiff": FormatImage,
	".bmp":  FormatImage,
	".gif":  FormatImage,
	".webp": FormatImage,
}

var imageMIME = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Detect returns the format for a filename based on its extension.
func Detect(filename string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if f, ok := extFormats[ext]; ok {
		return f, nil
	}
	return "", core.NewError("detect", filename, core.ErrUnsupportedFormat)
}

// SupportedExtensions lists every accepted file extension.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(extFormats))
	for ext := range extFormats {
		exts = append(exts, ext)
	}
	return exts
}

// ImageMIMEType returns the MIME type for an image extension, or "" when
// the name is not an image.
func ImageMIMEType(filename string) string {
	return imageMIME[strings.ToLower(filepath.Ext(filename))]
}

// Page is one page of extracted text. Formats without pagination produce a
// single page, split on form feeds where present.
type Page struct {
	Number     int      `json:"number"`
	Paragraphs []string `json:"paragraphs"`
	OCR        bool     `json:"ocr,omitempty"`
}

// Document is the extraction result.
type Document struct {
	Title   string   `json:"title,omitempty"`
	Format  Format   `json:"format"`
	Pages   []Page   `json:"pages"`
	OCR     bool     `json:"ocr"`
	Quality *Quality `json:"quality,omitempty"`
}

// CharCount is the number of runes across all paragraphs.
func (d *Document) CharCount() int {
	n := 0
	for _, p := range d.Pages {
		for _, para := range p.Paragraphs {
			n += len([]rune(para))
		}
	}
	return n
}

// Text joins all paragraphs, pages separated by form feeds.
func (d *Document) Text() string {
	var sb strings.Builder
	for i, p := range d.Pages {
		if i > 0 {
			sb.WriteString("\f")
		}
		sb.WriteString(strings.Join(p.Paragraphs, "\n\n"))
	}
	return sb.String()
}

// normalizeParagraph collapses runs of whitespace and drops control runes.
func normalizeParagraph(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// splitParagraphs splits text on blank lines and normalizes each paragraph.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	var cur []string
	flush := func() {
		if p := normalizeParagraph(strings.Join(cur, " ")); p != "" {
			out = append(out, p)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

// paginate splits on form feeds; blank pages keep their number.
func paginate(text string) []Page {
	parts := strings.Split(text, "\f")
	pages := make([]Page, 0, len(parts))
	for i, part := range parts {
		pages = append(pages, Page{Number: i + 1, Paragraphs: splitParagraphs(part)})
	}
	return pages
}

func firstParagraph(pages []Page) string {
	for _, p := range pages {
		for _, para := range p.Paragraphs {
			title := strings.TrimLeft(para, "# ")
			if r := []rune(title); len(r) > 200 {
				title = string(r[:200])
			}
			return title
		}
	}
	return ""
}
