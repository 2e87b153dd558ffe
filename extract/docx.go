package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// extractDOCX walks word/document.xml. Explicit page breaks and the
// renderer's lastRenderedPageBreak markers advance the page number.
func extractDOCX(data []byte) (*Document, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in archive")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	doc := &Document{Format: FormatDOCX}
	page := Page{Number: 1}
	var current strings.Builder
	var inParagraph, inText bool
	var style string

	newPage := func() {
		doc.Pages = append(doc.Pages, page)
		page = Page{Number: page.Number + 1}
	}

	decoder := xml.NewDecoder(rc)
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParagraph = true
				current.Reset()
				style = ""
			case "pStyle":
				style = xmlAttr(t, "val")
			case "t":
				inText = inParagraph
			case "tab":
				if inParagraph {
					current.WriteByte(' ')
				}
			case "br":
				if xmlAttr(t, "type") == "page" {
					flushDOCXParagraph(&page, &current)
					newPage()
				} else if inParagraph {
					current.WriteByte(' ')
				}
			case "lastRenderedPageBreak":
				// Only a break when text already landed on this page.
				if len(page.Paragraphs) > 0 || current.Len() > 0 {
					flushDOCXParagraph(&page, &current)
					newPage()
				}
			}

		case xml.CharData:
			if inText {
				current.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				inParagraph = false
				if doc.Title == "" && isTitleStyle(style) {
					doc.Title = normalizeParagraph(current.String())
				}
				flushDOCXParagraph(&page, &current)
			}
		}
	}
	doc.Pages = append(doc.Pages, page)
	return doc, nil
}

func flushDOCXParagraph(page *Page, current *strings.Builder) {
	if text := normalizeParagraph(current.String()); text != "" {
		page.Paragraphs = append(page.Paragraphs, text)
	}
	current.Reset()
}

func xmlAttr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func isTitleStyle(style string) bool {
	lower := strings.ToLower(style)
	return lower == "title" || lower == "heading1"
}
