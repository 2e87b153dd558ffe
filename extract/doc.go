package extract

import (
	"strings"
	"unicode"
	"unicode/utf16"
)

// minDOCRun is the shortest text run kept from a legacy .doc binary.
const minDOCRun = 20

// extractDOC recovers text from a Word 97-2003 binary without parsing
// the compound file. Word stores body text either as UTF-16LE or as 8-bit
// runs; both are scanned and the richer result wins. CR ends a paragraph
// and FF is a page break.
func extractDOC(data []byte) *Document {
	wide := wideRuns(data)
	narrow := narrowRuns(data)
	text := wide
	if len(narrow) > len(wide) {
		text = narrow
	}
	return &Document{Format: FormatDOC, Pages: paginate(strings.ReplaceAll(text, "\r", "\n\n"))}
}

func docTextRune(r rune) bool {
	return r == '\r' || r == '\f' || r == '\t' || (unicode.IsPrint(r) && r < 0xE000)
}

func wideRuns(data []byte) string {
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		units = append(units, uint16(data[i])|uint16(data[i+1])<<8)
	}
	return collectRuns(utf16.Decode(units))
}

func narrowRuns(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return collectRuns(runes)
}

// collectRuns keeps runs of text runes that look like prose: long enough
// and containing at least one space.
func collectRuns(runes []rune) string {
	var sb strings.Builder
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		run := runes[start:end]
		if len(run) >= minDOCRun && strings.ContainsRune(string(run), ' ') {
			if sb.Len() > 0 {
				sb.WriteByte('\r')
			}
			sb.WriteString(string(run))
		}
		start = -1
	}
	for i, r := range runes {
		if docTextRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(runes))
	return sb.String()
}
