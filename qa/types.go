// Package qa answers a question against each document separately and then
// synthesizes themes across the per-document answers.
package qa

import (
	"github.com/hubenschmidt/go-docqa/monitor"
)

const (
	// MaxQuestionLength bounds the trimmed question, in runes.
	MaxQuestionLength = 2000
	maxTopK           = 50
	rrfK              = 60.0
	// NoInformationAnswer is returned for a document with no relevant chunks.
	NoInformationAnswer = "No relevant information found."
)

// Request is a question over a set of documents. An empty DocumentIDs
// targets every ready document.
type Request struct {
	Question    string   `json:"question"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
}

// Citation points an answer at the chunk backing it.
type Citation struct {
	Number       int     `json:"number"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Page         int     `json:"page"`
	Paragraph    int     `json:"paragraph"`
	ChunkIndex   int     `json:"chunk_index"`
	Excerpt      string  `json:"excerpt"`
	Score        float64 `json:"score"`
}

// DocumentAnswer is the answer drawn from one document.
type DocumentAnswer struct {
	DocumentID   string     `json:"document_id"`
	DocumentName string     `json:"document_name"`
	Answer       string     `json:"answer"`
	Citations    []Citation `json:"citations"`
	Relevant     bool       `json:"relevant"`
	Error        string     `json:"error,omitempty"`
	ElapsedMs    int64      `json:"elapsed_ms"`
}

// Theme is a finding shared by one or more documents.
type Theme struct {
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	DocumentIDs []string `json:"document_ids"`
}

// Usage counts tokens spent on a query.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Result struct {
	ID         string               `json:"id"`
	Question   string               `json:"question"`
	Answers    []DocumentAnswer     `json:"answers"`
	Themes     []Theme              `json:"themes"`
	Synthesis  string               `json:"synthesis"`
	ThemeError string               `json:"theme_error,omitempty"`
	Usage      Usage                `json:"usage"`
	ElapsedMs  int64                `json:"elapsed_ms"`
	Metrics    monitor.QueryMetrics `json:"metrics"`
	CreatedAt  int64                `json:"created_at"`
}

// Status is "success" when every document answered, "partial" otherwise.
func (r *Result) Status() string {
	for _, a := range r.Answers {
		if a.Error != "" {
			return "partial"
		}
	}
	return "success"
}

// EventType names a streaming event.
type EventType string

const (
	EventAnswer EventType = "answer"
	EventThemes EventType = "themes"
)

// ThemeSet is the payload of a themes event.
type ThemeSet struct {
	Themes     []Theme `json:"themes"`
	Synthesis  string  `json:"synthesis"`
	ThemeError string  `json:"theme_error,omitempty"`
}

// Event is emitted by AskStream as work completes.
type Event struct {
	Type   EventType       `json:"type"`
	Answer *DocumentAnswer `json:"answer,omitempty"`
	Themes *ThemeSet       `json:"themes,omitempty"`
}
