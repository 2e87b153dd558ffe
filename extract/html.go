package extract

import (
	"fmt"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

type htmlConverter struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

func newHTMLConverter() *htmlConverter {
	return &htmlConverter{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// extract sanitizes the markup, converts it to markdown and splits the
// result into paragraphs.
func (h *htmlConverter) extract(data []byte) (*Document, error) {
	clean := h.policy.SanitizeBytes(data)
	md, err := h.md.ConvertString(string(clean))
	if err != nil {
		return nil, fmt.Errorf("html to markdown: %w", err)
	}
	return &Document{Format: FormatHTML, Pages: paginate(md)}, nil
}
