package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hubenschmidt/go-docqa/core"
)

// extractPDF reads the text layer page by page and sends pages whose text
// layer is missing or unusable through OCR.
func (e *Extractor) extractPDF(ctx context.Context, name string, data []byte) (*Document, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	doc := &Document{Format: FormatPDF}
	imagePages := make(map[int]bool)
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		doc.Pages = append(doc.Pages, Page{
			Number:     pageNr,
			Paragraphs: splitParagraphs(pdfPageText(pctx, pageNr)),
		})
		if len(pdfcpu.ImageObjNrs(pctx, pageNr)) > 0 {
			imagePages[pageNr] = true
		}
	}
	doc.Quality = computeQuality(doc.Pages, pctx.PageCount, len(imagePages) > 0)
	garbled := doc.Quality.PrintableRatio < 0.85

	var pending []int
	for i, p := range doc.Pages {
		if !imagePages[p.Number] {
			continue
		}
		if garbled || pageChars(p) < e.minCharsPerPage {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return doc, nil
	}

	if e.ocr == nil {
		if doc.CharCount() == 0 {
			return nil, core.NewError("extract", name, core.ErrOCRUnavailable)
		}
		e.logger.Warn("scanned pages left without OCR", "file", name, "pages", len(pending))
		return doc, nil
	}

	for _, i := range pending {
		page := &doc.Pages[i]
		text, err := e.ocrPDFPage(ctx, pctx, page.Number)
		if err != nil {
			return nil, fmt.Errorf("ocr page %d: %w", page.Number, err)
		}
		paras := splitParagraphs(text)
		if garbled || len(strings.Join(paras, "")) > pageChars(*page) {
			page.Paragraphs = paras
			page.OCR = true
			doc.OCR = true
		}
	}
	e.logger.Debug("pdf ocr complete", slog.String("file", name), slog.Int("pages", len(pending)))
	return doc, nil
}

func pageChars(p Page) int {
	n := 0
	for _, para := range p.Paragraphs {
		n += len([]rune(para))
	}
	return n
}

// ocrPDFPage recognizes every raster image on a page in object order.
func (e *Extractor) ocrPDFPage(ctx context.Context, pctx *model.Context, pageNr int) (string, error) {
	images, err := pdfcpu.ExtractPageImages(pctx, pageNr, false)
	if err != nil {
		return "", fmt.Errorf("extract images: %w", err)
	}

	objNrs := make([]int, 0, len(images))
	for nr := range images {
		objNrs = append(objNrs, nr)
	}
	sort.Ints(objNrs)

	var parts []string
	for _, nr := range objNrs {
		img := images[nr]
		raw, err := io.ReadAll(img)
		if err != nil {
			return "", fmt.Errorf("read image %d: %w", nr, err)
		}
		text, err := e.ocr.Recognize(ctx, raw, pdfImageMIME(img.FileType))
		if err != nil {
			return "", err
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func pdfImageMIME(fileType string) string {
	switch strings.ToLower(fileType) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "tif", "tiff":
		return "image/tiff"
	case "jp2", "jpx":
		return "image/jp2"
	default:
		return "image/png"
	}
}

func pdfPageText(pctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return contentStreamText(data)
}

// paragraphGap is the vertical move, in text space units, treated as a
// paragraph break rather than a line break.
const paragraphGap = 18.0

// contentStreamText interprets the text showing operators of a page
// content stream. Lines become "\n" and large vertical moves "\n\n".
func contentStreamText(data []byte) string {
	var sb strings.Builder
	var operands []pdfToken
	var lastY float64
	haveY := false

	breakFor := func(dy float64) {
		switch {
		case dy <= -paragraphGap || dy >= paragraphGap:
			sb.WriteString("\n\n")
		case dy != 0:
			sb.WriteByte('\n')
		}
	}

	lex := pdfLexer{data: data}
	for {
		tok, ok := lex.next()
		if !ok {
			break
		}
		if tok.kind != tokOperator {
			operands = append(operands, tok)
			continue
		}

		switch tok.text {
		case "Tj":
			if s, ok := lastString(operands); ok {
				sb.WriteString(s)
			}
		case "'", "\"":
			sb.WriteByte('\n')
			if s, ok := lastString(operands); ok {
				sb.WriteString(s)
			}
		case "TJ":
			if n := len(operands); n > 0 && operands[n-1].kind == tokArray {
				sb.WriteString(operands[n-1].text)
			}
		case "T*":
			sb.WriteByte('\n')
		case "Td", "TD":
			if n := len(operands); n >= 2 {
				breakFor(operands[n-1].num)
			}
		case "Tm":
			if n := len(operands); n >= 6 {
				y := operands[n-1].num
				if haveY {
					breakFor(y - lastY)
				}
				lastY, haveY = y, true
			}
		case "ET":
			sb.WriteByte(' ')
		case "ID":
			lex.skipInlineImage()
		}
		operands = operands[:0]
	}
	return sb.String()
}

func lastString(ops []pdfToken) (string, bool) {
	if n := len(ops); n > 0 && ops[n-1].kind == tokString {
		return ops[n-1].text, true
	}
	return "", false
}

type pdfTokenKind int

const (
	tokNumber pdfTokenKind = iota
	tokString
	tokArray
	tokName
	tokOperator
)

type pdfToken struct {
	kind pdfTokenKind
	text string
	num  float64
}

type pdfLexer struct {
	data []byte
	pos  int
}

func (l *pdfLexer) next() (pdfToken, bool) {
	l.skipSpace()
	if l.pos >= len(l.data) {
		return pdfToken{}, false
	}
	c := l.data[l.pos]
	switch {
	case c == '(':
		return pdfToken{kind: tokString, text: l.literalString()}, true
	case c == '<' && l.peek(1) == '<':
		l.pos += 2
		return pdfToken{kind: tokName, text: "<<"}, true
	case c == '>' && l.peek(1) == '>':
		l.pos += 2
		return pdfToken{kind: tokName, text: ">>"}, true
	case c == '<':
		return pdfToken{kind: tokString, text: l.hexString()}, true
	case c == '[':
		return pdfToken{kind: tokArray, text: l.array()}, true
	case c == '/':
		l.pos++
		return pdfToken{kind: tokName, text: l.word()}, true
	case c == '%':
		for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
			l.pos++
		}
		return l.next()
	}

	w := l.word()
	if w == "" {
		l.pos++
		return l.next()
	}
	if f, err := strconv.ParseFloat(w, 64); err == nil {
		return pdfToken{kind: tokNumber, text: w, num: f}, true
	}
	return pdfToken{kind: tokOperator, text: w}, true
}

// skipInlineImage jumps over binary inline image data up to the EI operator.
func (l *pdfLexer) skipInlineImage() {
	if i := bytes.Index(l.data[l.pos:], []byte("EI")); i >= 0 {
		l.pos += i + 2
		return
	}
	l.pos = len(l.data)
}

func (l *pdfLexer) peek(off int) byte {
	if l.pos+off < len(l.data) {
		return l.data[l.pos+off]
	}
	return 0
}

func (l *pdfLexer) skipSpace() {
	for l.pos < len(l.data) && isPDFSpace(l.data[l.pos]) {
		l.pos++
	}
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelimiter(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

func (l *pdfLexer) word() string {
	start := l.pos
	for l.pos < len(l.data) && !isPDFSpace(l.data[l.pos]) && !isPDFDelimiter(l.data[l.pos]) {
		l.pos++
	}
	return string(l.data[start:l.pos])
}

// literalString decodes a balanced (...) string with escapes. Bytes are
// mapped as Latin-1, which matches PDFDocEncoding for text content.
func (l *pdfLexer) literalString() string {
	l.pos++ // (
	var sb strings.Builder
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '\\':
			if l.pos >= len(l.data) {
				return sb.String()
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'b', 'f':
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						val = val*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					sb.WriteRune(rune(byte(val)))
				} else {
					sb.WriteRune(rune(e))
				}
			}
		case '(':
			depth++
			sb.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return sb.String()
			}
			sb.WriteByte(c)
		default:
			sb.WriteRune(rune(c))
		}
	}
	return sb.String()
}

// hexString decodes <48656C6C6F>; two-byte glyph ids without a usable
// encoding come out as noise and are caught by the quality check.
func (l *pdfLexer) hexString() string {
	l.pos++ // <
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		if c := l.data[l.pos]; !isPDFSpace(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++ // >
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	var sb strings.Builder
	for i := 0; i+1 < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			return ""
		}
		sb.WriteRune(rune(byte(v)))
	}
	return sb.String()
}

// array flattens a TJ array into text; large negative kerning adjustments
// are word gaps.
func (l *pdfLexer) array() string {
	l.pos++ // [
	var sb strings.Builder
	for {
		l.skipSpace()
		if l.pos >= len(l.data) {
			return sb.String()
		}
		if l.data[l.pos] == ']' {
			l.pos++
			return sb.String()
		}
		tok, ok := l.next()
		if !ok {
			return sb.String()
		}
		switch tok.kind {
		case tokString:
			sb.WriteString(tok.text)
		case tokNumber:
			if tok.num < -200 {
				sb.WriteByte(' ')
			}
		}
	}
}
