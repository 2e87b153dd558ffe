package extract

import (
	"strings"
	"unicode"
)

// Quality scores how usable the embedded text layer of a PDF is.
type Quality struct {
	PageCount       int     `json:"page_count"`
	CharsPerPage    float64 `json:"chars_per_page"`
	PrintableRatio  float64 `json:"printable_ratio"`
	WordlikeRatio   float64 `json:"wordlike_ratio"`
	HasImageStreams bool    `json:"has_image_streams"`
}

// NeedsOCR reports whether the text layer is too thin or too garbled to use.
func (q *Quality) NeedsOCR(minCharsPerPage int) bool {
	return (q.CharsPerPage < float64(minCharsPerPage) && q.HasImageStreams) || q.PrintableRatio < 0.85
}

func computeQuality(pages []Page, pageCount int, hasImages bool) *Quality {
	var sb strings.Builder
	for _, p := range pages {
		for _, para := range p.Paragraphs {
			sb.WriteString(para)
			sb.WriteByte('\n')
		}
	}
	text := sb.String()

	q := &Quality{
		PageCount:       pageCount,
		PrintableRatio:  printableRatio(text),
		WordlikeRatio:   wordlikeRatio(text),
		HasImageStreams: hasImages,
	}
	if pageCount > 0 {
		q.CharsPerPage = float64(len([]rune(text))) / float64(pageCount)
	}
	return q
}

// printableRatio excludes the private use area, U+FFFD and non-space
// control characters.
func printableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	if r == 0xFFFD {
		return true
	}
	return r < 0x0020 && r != '\n' && r != '\r' && r != '\t'
}

// wordlikeRatio is the share of tokens between 2 and 15 runes long.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	wordlike := 0
	for _, f := range fields {
		n := len([]rune(f))
		if n >= 2 && n <= 15 {
			wordlike++
		}
	}
	return float64(wordlike) / float64(len(fields))
}
