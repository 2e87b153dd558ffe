package monitor

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInMemoryCollector_Flush(t *testing.T) {
	c := NewInMemoryCollector("q1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Record(StageMetrics{Stage: StageAnswer, TokensIn: 10, TokensOut: 2, Duration: time.Duration(i) * time.Millisecond, Success: i != 3})
		}(i)
	}
	wg.Wait()
	c.Record(StageMetrics{Stage: StageThemes, TokensIn: 50, TokensOut: 20, Success: true})

	m := c.Flush()
	if m.QueryID != "q1" || m.TotalTokensIn != 150 || m.TotalTokensOut != 40 {
		t.Errorf("totals = %+v", m)
	}
	ans := m.Stages[StageAnswer]
	if ans.Count != 10 || ans.Failures != 1 || ans.MaxMs != 9 || ans.DurationMs != 45 {
		t.Errorf("answer totals = %+v", ans)
	}
	if len(m.Records) != 11 {
		t.Errorf("records = %d", len(m.Records))
	}
}

func TestInMemoryCollector_Time(t *testing.T) {
	c := NewInMemoryCollector("q")
	boom := errors.New("boom")
	if err := c.Time(StageRetrieve, "d1", func() error { return boom }); err != boom {
		t.Errorf("err = %v", err)
	}
	m := c.Flush()
	r := m.Records[0]
	if r.Stage != StageRetrieve || r.DocumentID != "d1" || r.Success || r.Error != "boom" {
		t.Errorf("record = %+v", r)
	}

	c.Reset()
	if len(c.Flush().Records) != 0 {
		t.Error("Reset should clear records")
	}
}

func TestNoOpCollector(t *testing.T) {
	var c MetricsCollector = NewNoOpCollector()
	c.Record(StageMetrics{Stage: StageEmbed})
	if m := c.Flush(); m.Stages != nil {
		t.Errorf("Flush = %+v", m)
	}
}
