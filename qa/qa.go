package qa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/go-docqa/core"
	"github.com/hubenschmidt/go-docqa/llm"
	"github.com/hubenschmidt/go-docqa/monitor"
	"github.com/hubenschmidt/go-docqa/server/store"
	"github.com/hubenschmidt/go-docqa/vector"
)

type Config struct {
	Documents store.DocumentStore
	// Queries records every result when set.
	Queries  store.QueryStore
	Vectors  vector.Store
	Keywords KeywordSearcher

	Embedder    llm.EmbeddingClient
	EmbedModel  string
	Chat        llm.Client
	AnswerModel core.ModelConfig
	ThemeModel  core.ModelConfig

	TopK           int
	MinScore       float64
	MaxConcurrency int
	MaxThemes      int
	HybridWeight   float64
	Timeout        time.Duration
	Logger         *slog.Logger
}

func (c *Config) defaults() {
	if c.TopK <= 0 {
		c.TopK = vector.DefaultTopK
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxThemes <= 0 {
		c.MaxThemes = 5
	}
	if c.ThemeModel.Name == "" {
		c.ThemeModel = c.AnswerModel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline runs per-document retrieval and answering, then theme synthesis.
type Pipeline struct {
	documents      store.DocumentStore
	queries        store.QueryStore
	vectors        vector.Store
	keywords       KeywordSearcher
	embedder       llm.EmbeddingClient
	embedModel     string
	chat           llm.Client
	answerModel    core.ModelConfig
	themeModel     core.ModelConfig
	topK           int
	minScore       float64
	maxConcurrency int
	maxThemes      int
	hybridWeight   float64
	timeout        time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		documents:      cfg.Documents,
		queries:        cfg.Queries,
		vectors:        cfg.Vectors,
		keywords:       cfg.Keywords,
		embedder:       cfg.Embedder,
		embedModel:     cfg.EmbedModel,
		chat:           cfg.Chat,
		answerModel:    cfg.AnswerModel.WithJSON(),
		themeModel:     cfg.ThemeModel.WithJSON(),
		topK:           cfg.TopK,
		minScore:       cfg.MinScore,
		maxConcurrency: cfg.MaxConcurrency,
		maxThemes:      cfg.MaxThemes,
		hybridWeight:   cfg.HybridWeight,
		timeout:        cfg.Timeout,
		logger:         cfg.Logger.With("component", "qa"),
		now:            time.Now,
	}
}

// Ask answers req against every target document and synthesizes themes.
func (p *Pipeline) Ask(ctx context.Context, req Request) (*Result, error) {
	return p.AskStream(ctx, req, nil)
}

// AskStream is Ask with emit called for each document answer as it
// completes and once for the themes. emit calls are serialized.
func (p *Pipeline) AskStream(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	question, err := validateQuestion(req.Question)
	if err != nil {
		return nil, err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	docs, err := p.targetDocuments(ctx, req.DocumentIDs)
	if err != nil {
		return nil, err
	}

	topK := req.TopK
	if topK <= 0 {
		topK = p.topK
	}
	topK = min(topK, maxTopK)

	start := p.now()
	result := &Result{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Question:  question,
		CreatedAt: start.UnixMilli(),
	}
	collector := monitor.NewInMemoryCollector(result.ID)
	log := p.logger.With("query_id", result.ID)

	var mu sync.Mutex
	send := func(ev Event) {
		if emit == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		emit(ev)
	}

	embedStart := p.now()
	emb, err := p.embedder.Embed(ctx, p.embedModel, question)
	collector.Record(stage(monitor.StageEmbed, "", embedStart, p.now(), err))
	if err != nil {
		return nil, timeoutOr(ctx, fmt.Errorf("%w: question: %w", core.ErrEmbedding, err))
	}
	result.Usage.InputTokens += emb.TokenCount

	answers := make([]DocumentAnswer, len(docs))
	usages := make([]llm.Usage, len(docs))
	var failures []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrency)
	for i, d := range docs {
		g.Go(func() error {
			ans, usage, err := p.answerDocument(gctx, collector, d, question, emb.Embedding, topK)
			if err != nil {
				log.Warn("document answer failed", "document_id", d.ID, "error", err)
				ans.Error = err.Error()
				ans.Relevant = false
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			answers[i] = ans
			usages[i] = usage
			send(Event{Type: EventAnswer, Answer: &ans})
			return nil
		})
	}
	g.Wait()

	for _, u := range usages {
		result.Usage.InputTokens += u.PromptTokens
		result.Usage.OutputTokens += u.CompletionTokens
	}
	if len(failures) == len(docs) {
		return nil, timeoutOr(ctx, fmt.Errorf("every document failed: %w", errors.Join(failures...)))
	}

	sortAnswers(answers)
	result.Answers = answers

	themes, synthesis, usage, err := p.synthesize(ctx, collector, question, answers)
	result.Usage.InputTokens += usage.PromptTokens
	result.Usage.OutputTokens += usage.CompletionTokens
	if err != nil {
		log.Warn("theme synthesis failed", "error", err)
		result.ThemeError = err.Error()
	}
	result.Themes = themes
	result.Synthesis = synthesis
	send(Event{Type: EventThemes, Themes: &ThemeSet{Themes: themes, Synthesis: synthesis, ThemeError: result.ThemeError}})

	result.Metrics = collector.Flush()
	result.ElapsedMs = p.now().Sub(start).Milliseconds()

	p.persist(log, result, docs)
	log.Info("query answered",
		"documents", len(docs),
		"failed", len(failures),
		"themes", len(themes),
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"elapsed_ms", result.ElapsedMs,
	)
	return result, nil
}

func validateQuestion(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", core.NewError("ask", "", fmt.Errorf("%w: question is empty", core.ErrInvalidInput))
	}
	if utf8.RuneCountInString(q) > MaxQuestionLength {
		return "", core.NewError("ask", "", fmt.Errorf("%w: question exceeds %d characters", core.ErrInvalidInput, MaxQuestionLength))
	}
	return q, nil
}

// targetDocuments resolves the requested ids, or every document when none
// are given, keeping only ready ones.
func (p *Pipeline) targetDocuments(ctx context.Context, ids []string) ([]store.Document, error) {
	var docs []store.Document
	if len(ids) == 0 {
		all, err := p.documents.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		docs = all
	} else {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			d, err := p.documents.Get(ctx, id)
			if err != nil {
				return nil, core.NewError("ask", id, err)
			}
			docs = append(docs, d)
		}
	}

	ready := docs[:0]
	for _, d := range docs {
		if d.Status != store.StatusReady {
			p.logger.Debug("skipping document", "document_id", d.ID, "status", d.Status)
			continue
		}
		ready = append(ready, d)
	}
	if len(ready) == 0 {
		return nil, core.ErrNoDocuments
	}
	return ready, nil
}

// answerDocument retrieves chunks of one document and asks the model. The
// returned answer is filled in even on error.
func (p *Pipeline) answerDocument(ctx context.Context, collector *monitor.InMemoryCollector, d store.Document,
	question string, embedding []float32, topK int) (DocumentAnswer, llm.Usage, error) {
	start := p.now()
	ans := DocumentAnswer{DocumentID: d.ID, DocumentName: displayName(d), Citations: []Citation{}}

	retrieveStart := p.now()
	chunks, err := p.retrieve(ctx, embedding, question, d.ID, topK)
	m := stage(monitor.StageRetrieve, d.ID, retrieveStart, p.now(), err)
	m.Items = len(chunks)
	collector.Record(m)
	if err != nil {
		ans.ElapsedMs = p.now().Sub(start).Milliseconds()
		return ans, llm.Usage{}, fmt.Errorf("retrieve: %w", err)
	}

	if len(chunks) == 0 {
		ans.Answer = NoInformationAnswer
		ans.Relevant = false
		ans.ElapsedMs = p.now().Sub(start).Milliseconds()
		return ans, llm.Usage{}, nil
	}

	answerStart := p.now()
	resp, err := p.chat.Chat(ctx, p.answerModel, answerSystemPrompt, buildAnswerPrompt(ans.DocumentName, question, chunks))
	m = stage(monitor.StageAnswer, d.ID, answerStart, p.now(), err)
	if resp != nil {
		m.TokensIn, m.TokensOut = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	collector.Record(m)
	if err != nil {
		ans.ElapsedMs = p.now().Sub(start).Milliseconds()
		return ans, llm.Usage{}, fmt.Errorf("answer: %w", err)
	}

	text, cited, relevant := parseAnswer(resp.Content, len(chunks))
	ans.Answer = text
	ans.Relevant = relevant
	for _, n := range cited {
		c := chunks[n-1]
		ans.Citations = append(ans.Citations, Citation{
			Number:       n,
			DocumentID:   d.ID,
			DocumentName: ans.DocumentName,
			Page:         c.record.Page,
			Paragraph:    c.record.Paragraph,
			ChunkIndex:   c.record.ChunkIndex,
			Excerpt:      c.record.Content,
			Score:        c.score,
		})
	}
	ans.ElapsedMs = p.now().Sub(start).Milliseconds()
	return ans, resp.Usage, nil
}

// synthesize asks for themes across the relevant answers. No relevant
// answers means no themes and no model call.
func (p *Pipeline) synthesize(ctx context.Context, collector *monitor.InMemoryCollector, question string,
	answers []DocumentAnswer) ([]Theme, string, llm.Usage, error) {
	var relevant []DocumentAnswer
	for _, a := range answers {
		if a.Relevant && a.Error == "" {
			relevant = append(relevant, a)
		}
	}
	if len(relevant) == 0 {
		return []Theme{}, "", llm.Usage{}, nil
	}

	start := p.now()
	system := fmt.Sprintf(themeSystemPrompt, p.maxThemes)
	resp, err := p.chat.Chat(ctx, p.themeModel, system, buildThemePrompt(question, relevant))
	m := stage(monitor.StageThemes, "", start, p.now(), err)
	m.Items = len(relevant)
	if resp != nil {
		m.TokensIn, m.TokensOut = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	collector.Record(m)
	if err != nil {
		return []Theme{}, "", llm.Usage{}, err
	}

	themes, synthesis := parseThemes(resp.Content, relevant, p.maxThemes)
	if themes == nil {
		themes = []Theme{}
	}
	return themes, synthesis, resp.Usage, nil
}

func (p *Pipeline) persist(log *slog.Logger, r *Result, docs []store.Document) {
	if p.queries == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		log.Error("marshal result", "error", err)
		return
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	rec := store.QueryRecord{
		ID:            r.ID,
		Question:      r.Question,
		DocumentIDs:   ids,
		Timestamp:     r.CreatedAt,
		ElapsedMs:     r.ElapsedMs,
		InputTokens:   r.Usage.InputTokens,
		OutputTokens:  r.Usage.OutputTokens,
		DocumentCount: len(docs),
		ThemeCount:    len(r.Themes),
		Status:        r.Status(),
		Result:        data,
	}
	// The caller's context may already be done once the answer is streamed.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.queries.Add(ctx, rec); err != nil {
		log.Error("persist query", "error", err)
	}
}

func displayName(d store.Document) string {
	if d.Filename != "" {
		return d.Filename
	}
	return d.ID
}

func sortAnswers(answers []DocumentAnswer) {
	sort.SliceStable(answers, func(i, j int) bool {
		a, b := answers[i], answers[j]
		if a.DocumentName != b.DocumentName {
			return a.DocumentName < b.DocumentName
		}
		return a.DocumentID < b.DocumentID
	})
}

func stage(name, documentID string, start, end time.Time, err error) monitor.StageMetrics {
	m := monitor.StageMetrics{Stage: name, DocumentID: documentID, Duration: end.Sub(start), Success: err == nil}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", core.ErrTimeout, err)
	}
	return err
}
