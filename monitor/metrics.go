// Package monitor collects per-stage timings and token usage for a query.
package monitor

import "time"

// Stage names recorded by the query pipeline.
const (
	StageEmbed    = "embed"
	StageRetrieve = "retrieve"
	StageAnswer   = "answer"
	StageThemes   = "themes"
)

type StageMetrics struct {
	Stage      string        `json:"stage"`
	DocumentID string        `json:"document_id,omitempty"`
	TokensIn   int           `json:"tokens_in"`
	TokensOut  int           `json:"tokens_out"`
	Items      int           `json:"items,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// StageTotals aggregates every record of one stage.
type StageTotals struct {
	Count      int   `json:"count"`
	Failures   int   `json:"failures"`
	TokensIn   int   `json:"tokens_in"`
	TokensOut  int   `json:"tokens_out"`
	DurationMs int64 `json:"duration_ms"`
	MaxMs      int64 `json:"max_ms"`
}

type QueryMetrics struct {
	QueryID        string                 `json:"query_id"`
	TotalTokensIn  int                    `json:"total_tokens_in"`
	TotalTokensOut int                    `json:"total_tokens_out"`
	Stages         map[string]StageTotals `json:"stages"`
	Records        []StageMetrics         `json:"records,omitempty"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
}

// ElapsedMs is the wall time between collector start and flush.
func (m QueryMetrics) ElapsedMs() int64 {
	return m.EndTime.Sub(m.StartTime).Milliseconds()
}
