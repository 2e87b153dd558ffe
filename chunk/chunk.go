// Package chunk splits extracted documents into page-bounded chunks for
// embedding. Tokens are approximated by whitespace-separated words.
package chunk

import (
	"strings"

	"github.com/hubenschmidt/go-docqa/extract"
)

const (
	DefaultMaxTokens     = 200
	DefaultOverlapTokens = 30
)

// Options controls chunk sizing.
type Options struct {
	MaxTokens     int
	OverlapTokens int
}

func (o *Options) defaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.OverlapTokens < 0 {
		o.OverlapTokens = 0
	}
	if o.OverlapTokens >= o.MaxTokens {
		o.OverlapTokens = o.MaxTokens / 4
	}
}

// Chunk is a span of one page. Paragraph is the 1-based number of the first
// paragraph it covers on that page.
type Chunk struct {
	Index       int    `json:"index"`
	Page        int    `json:"page"`
	Paragraph   int    `json:"paragraph"`
	Text        string `json:"text"`
	TokenCount  int    `json:"token_count"`
	OverlapPrev int    `json:"overlap_prev"`
}

// CountTokens returns the number of whitespace-separated words.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// Split packs whole paragraphs into chunks of at most MaxTokens words.
// Chunks never cross a page boundary. A paragraph longer than MaxTokens is
// cut on word boundaries, each piece repeating OverlapTokens words from
// the one before.
func Split(doc *extract.Document, opts Options) []Chunk {
	if doc == nil {
		return nil
	}
	opts.defaults()

	var chunks []Chunk
	emit := func(page, para int, words []string, overlap int) {
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Page:        page,
			Paragraph:   para,
			Text:        strings.Join(words, " "),
			TokenCount:  len(words),
			OverlapPrev: overlap,
		})
	}

	for _, page := range doc.Pages {
		var buf []string
		var bufWords int
		first := 0

		flush := func() {
			if len(buf) == 0 {
				return
			}
			chunks = append(chunks, Chunk{
				Index:      len(chunks),
				Page:       page.Number,
				Paragraph:  first,
				Text:       strings.Join(buf, "\n\n"),
				TokenCount: bufWords,
			})
			buf, bufWords, first = nil, 0, 0
		}

		for i, para := range page.Paragraphs {
			words := strings.Fields(para)
			n := len(words)
			if n == 0 {
				continue
			}
			paraNr := i + 1

			if n > opts.MaxTokens {
				flush()
				for _, piece := range splitWords(words, opts.MaxTokens, opts.OverlapTokens) {
					emit(page.Number, paraNr, words[piece.start:piece.end], piece.overlap)
				}
				continue
			}

			if bufWords+n > opts.MaxTokens {
				flush()
			}
			if len(buf) == 0 {
				first = paraNr
			}
			buf = append(buf, strings.Join(words, " "))
			bufWords += n
		}
		flush()
	}
	return chunks
}

type span struct {
	start, end int
	overlap    int
}

// splitWords windows words into pieces of the given size advancing by
// size-overlap. The last piece ends exactly at len(words).
func splitWords(words []string, size, overlap int) []span {
	step := size - overlap
	var spans []span
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		ov := 0
		if start > 0 {
			ov = overlap
		}
		spans = append(spans, span{start: start, end: end, overlap: ov})
		if end == len(words) {
			break
		}
	}
	return spans
}
