package monitor

import (
	"sync"
	"time"
)

type MetricsCollector interface {
	Record(metrics StageMetrics)
	Flush() QueryMetrics
}

// InMemoryCollector is safe for concurrent Record calls from the
// per-document workers.
type InMemoryCollector struct {
	mu        sync.RWMutex
	queryID   string
	records   []StageMetrics
	startTime time.Time
}

func NewInMemoryCollector(queryID string) *InMemoryCollector {
	return &InMemoryCollector{
		queryID:   queryID,
		startTime: time.Now(),
	}
}

func (c *InMemoryCollector) Record(metrics StageMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, metrics)
}

// Time runs fn and records its duration under stage.
func (c *InMemoryCollector) Time(stage, documentID string, fn func() error) error {
	start := time.Now()
	err := fn()
	m := StageMetrics{Stage: stage, DocumentID: documentID, Duration: time.Since(start), Success: err == nil}
	if err != nil {
		m.Error = err.Error()
	}
	c.Record(m)
	return err
}

func (c *InMemoryCollector) Flush() QueryMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := QueryMetrics{
		QueryID:   c.queryID,
		Stages:    make(map[string]StageTotals),
		Records:   append([]StageMetrics(nil), c.records...),
		StartTime: c.startTime,
		EndTime:   time.Now(),
	}
	for _, r := range c.records {
		out.TotalTokensIn += r.TokensIn
		out.TotalTokensOut += r.TokensOut

		t := out.Stages[r.Stage]
		t.Count++
		if !r.Success {
			t.Failures++
		}
		t.TokensIn += r.TokensIn
		t.TokensOut += r.TokensOut
		ms := r.Duration.Milliseconds()
		t.DurationMs += ms
		if ms > t.MaxMs {
			t.MaxMs = ms
		}
		out.Stages[r.Stage] = t
	}
	return out
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.startTime = time.Now()
}

type NoOpCollector struct{}

func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (c *NoOpCollector) Record(metrics StageMetrics) {}

func (c *NoOpCollector) Flush() QueryMetrics {
	return QueryMetrics{}
}
