package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hubenschmidt/go-docqa/core"
	"github.com/hubenschmidt/go-docqa/ingest"
	"github.com/hubenschmidt/go-docqa/llm"
	"github.com/hubenschmidt/go-docqa/qa"
	"github.com/hubenschmidt/go-docqa/server/store"
)

type fakeIngester struct {
	docs store.DocumentStore
	n    int
}

func (f *fakeIngester) Ingest(ctx context.Context, u ingest.Upload) (*store.Document, error) {
	switch {
	case strings.HasSuffix(u.Filename, ".exe"):
		return nil, core.NewError("ingest", u.Filename, core.ErrUnsupportedFormat)
	case u.Filename == "dup.txt":
		return &store.Document{ID: "existing", Filename: u.Filename, Status: store.StatusReady, Duplicate: true}, nil
	}
	f.n++
	doc := store.Document{
		ID:        fmt.Sprintf("doc-%d", f.n),
		Filename:  u.Filename,
		Format:    "txt",
		SizeBytes: int64(len(u.Data)),
		SHA256:    fmt.Sprintf("sum-%d", f.n),
		Status:    store.StatusReady,
		CreatedAt: int64(f.n),
		UpdatedAt: int64(f.n),
	}
	if err := f.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (f *fakeIngester) Delete(ctx context.Context, id string) error {
	return f.docs.Delete(ctx, id)
}

type fakeAsker struct {
	result *qa.Result
	events []qa.Event
	err    error
	last   qa.Request
}

func (f *fakeAsker) AskStream(_ context.Context, req qa.Request, emit func(qa.Event)) (*qa.Result, error) {
	f.last = req
	if emit != nil {
		for _, ev := range f.events {
			emit(ev)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type harness struct {
	srv      *Server
	http     *httptest.Server
	ingester *fakeIngester
	asker    *fakeAsker
	docs     store.DocumentStore
	queries  store.QueryStore
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	docs, queries, err := store.NewStores(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { docs.Close() })

	ing := &fakeIngester{docs: docs}
	answer := qa.DocumentAnswer{DocumentID: "doc-1", DocumentName: "a.txt", Answer: "Yes [1].", Relevant: true}
	asker := &fakeAsker{
		result: &qa.Result{ID: "q-1", Question: "q", Answers: []qa.DocumentAnswer{answer}, Themes: []qa.Theme{}, Usage: qa.Usage{InputTokens: 10}},
		events: []qa.Event{
			{Type: qa.EventAnswer, Answer: &answer},
			{Type: qa.EventThemes, Themes: &qa.ThemeSet{Themes: []qa.Theme{{Title: "T", DocumentIDs: []string{"doc-1"}}}, Synthesis: "S"}},
		},
	}
	cfg := Config{
		Ingester:       ing,
		Asker:          asker,
		Documents:      docs,
		Queries:        queries,
		Models:         DefaultModels("gpt-4o-mini", "", "text-embedding-3-small", ""),
		MaxUploadBytes: 1 << 10,
		MCPPath:        "/mcp",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: s, http: ts, ingester: ing, asker: asker, docs: docs, queries: queries}
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func multipartBody(t *testing.T, files map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[map[string]string](t, resp); got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}
}

func TestUpload(t *testing.T) {
	h := newHarness(t, nil)

	body, ct := multipartBody(t, map[string]string{"good.txt": "hello", "bad.exe": "MZ"})
	resp := h.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ct})
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", resp.StatusCode)
	}
	got := decode[UploadResponse](t, resp)
	statuses := map[string]int{}
	for _, r := range got.Results {
		statuses[r.Filename] = r.Status
	}
	if statuses["good.txt"] != http.StatusCreated || statuses["bad.exe"] != http.StatusUnsupportedMediaType {
		t.Errorf("statuses = %v", statuses)
	}

	body, ct = multipartBody(t, map[string]string{"dup.txt": "hello"})
	resp = h.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ct})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("duplicate upload status = %d, want 200", resp.StatusCode)
	}
	if r := decode[UploadResponse](t, resp).Results[0]; r.Status != http.StatusOK || !r.Document.Duplicate {
		t.Errorf("duplicate result = %+v", r)
	}
}

func TestUpload_Errors(t *testing.T) {
	h := newHarness(t, nil)

	body, ct := multipartBody(t, map[string]string{"bad.exe": "MZ"})
	resp := h.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ct})
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("single bad file status = %d", resp.StatusCode)
	}

	body, ct = multipartBody(t, map[string]string{"big.txt": strings.Repeat("x", 2<<10)})
	resp = h.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ct})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized file status = %d", resp.StatusCode)
	}

	body, ct = multipartBody(t, map[string]string{})
	resp = h.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ct})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty form status = %d", resp.StatusCode)
	}
}

func TestDocuments(t *testing.T) {
	h := newHarness(t, nil)
	body, ct := multipartBody(t, map[string]string{"a.txt": "alpha"})
	h.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ct})

	list := decode[DocumentListResponse](t, h.do(t, http.MethodGet, "/api/documents", nil, nil))
	if len(list.Documents) != 1 || list.Documents[0].Filename != "a.txt" {
		t.Fatalf("list = %+v", list)
	}

	resp := h.do(t, http.MethodGet, "/api/documents/doc-1", nil, nil)
	if resp.StatusCode != http.StatusOK || decode[Document](t, resp).ID != "doc-1" {
		t.Errorf("get status = %d", resp.StatusCode)
	}

	if resp := h.do(t, http.MethodDelete, "/api/documents/doc-1", nil, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodGet, "/api/documents/doc-1", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodDelete, "/api/documents/doc-1", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}

func TestQuery(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/query", strings.NewReader(`{"question":"q","document_ids":["doc-1"],"top_k":3}`), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	res := decode[qa.Result](t, resp)
	if res.ID != "q-1" || len(res.Answers) != 1 {
		t.Errorf("result = %+v", res)
	}
	if h.asker.last.TopK != 3 || len(h.asker.last.DocumentIDs) != 1 {
		t.Errorf("request = %+v", h.asker.last)
	}

	if resp := h.do(t, http.MethodPost, "/api/query", strings.NewReader(`{`), nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", resp.StatusCode)
	}

	h.asker.err = core.ErrNoDocuments
	if resp := h.do(t, http.MethodPost, "/api/query", strings.NewReader(`{"question":"q"}`), nil); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("no documents status = %d", resp.StatusCode)
	}
}

func readSSE(t *testing.T, r io.Reader) []map[string]any {
	t.Helper()
	var events []map[string]any
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestQueryStream(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/query/stream", strings.NewReader(`{"question":"q"}`), nil)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := readSSE(t, resp.Body)
	var types []string
	for _, ev := range events {
		types = append(types, ev["type"].(string))
	}
	if strings.Join(types, ",") != "answer,themes,end" {
		t.Fatalf("events = %v", types)
	}
	if events[1]["synthesis"] != "S" || events[2]["query_id"] != "q-1" {
		t.Errorf("events = %v", events)
	}
}

func TestQueryStream_Errors(t *testing.T) {
	h := newHarness(t, nil)

	// Before any event: plain JSON error with a status code.
	h.asker.events = nil
	h.asker.err = core.NewError("ask", "", fmt.Errorf("%w: question is empty", core.ErrInvalidInput))
	resp := h.do(t, http.MethodPost, "/api/query/stream", strings.NewReader(`{"question":""}`), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}

	// After events: an error event ends the stream.
	answer := qa.DocumentAnswer{DocumentID: "doc-1", Error: "down"}
	h.asker.events = []qa.Event{{Type: qa.EventAnswer, Answer: &answer}}
	h.asker.err = fmt.Errorf("every document failed: %w", core.ErrLLMRequest)
	resp = h.do(t, http.MethodPost, "/api/query/stream", strings.NewReader(`{"question":"q"}`), nil)
	events := readSSE(t, resp.Body)
	if len(events) != 2 || events[1]["type"] != "error" || events[1]["status"] != float64(http.StatusBadGateway) {
		t.Errorf("events = %v", events)
	}
}

func TestQueryHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i, elapsed := range []int64{100, 300} {
		err := h.queries.Add(ctx, store.QueryRecord{
			ID:            fmt.Sprintf("q-%d", i),
			Question:      "q",
			DocumentIDs:   []string{"doc-1"},
			Timestamp:     int64(i),
			ElapsedMs:     elapsed,
			InputTokens:   10,
			OutputTokens:  5,
			DocumentCount: 1,
			Status:        "success",
			Result:        json.RawMessage(`{"id":"x"}`),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	list := decode[QueryListResponse](t, h.do(t, http.MethodGet, "/api/queries?limit=1", nil, nil))
	if len(list.Queries) != 1 || list.Queries[0].Result != nil {
		t.Errorf("list = %+v", list)
	}
	if resp := h.do(t, http.MethodGet, "/api/queries?limit=-2", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}

	got := decode[QueryRecord](t, h.do(t, http.MethodGet, "/api/queries/q-0", nil, nil))
	if got.ID != "q-0" || len(got.Result) == 0 {
		t.Errorf("get = %+v", got)
	}

	summary := decode[MetricsSummary](t, h.do(t, http.MethodGet, "/api/metrics/summary", nil, nil))
	if summary.TotalQueries != 2 || summary.AvgLatencyMs != 200 || summary.TotalInputTokens != 20 {
		t.Errorf("summary = %+v", summary)
	}

	if resp := h.do(t, http.MethodDelete, "/api/queries/q-0", nil, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodGet, "/api/queries/q-0", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, func(c *Config) { c.APIKeyHashes = []string{string(hash)} })

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"header", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"bearer cached", map[string]string{"Authorization": "bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := h.do(t, http.MethodGet, "/api/documents", nil, tt.header); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	if resp := h.do(t, http.MethodGet, "/health", nil, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("health requires auth: %d", resp.StatusCode)
	}
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("k")
	if err != nil {
		t.Fatal(err)
	}
	if !newAPIKeyAuth([]string{hash}).check("k") {
		t.Error("generated hash does not verify")
	}
}

func TestCORS(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.CORSOrigins = []string{"https://app.example"} })

	resp := h.do(t, http.MethodOptions, "/api/query", nil, map[string]string{"Origin": "https://app.example"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("allow origin = %q", got)
	}

	resp = h.do(t, http.MethodGet, "/health", nil, map[string]string{"Origin": "https://evil.example"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

func TestModels(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OllamaURL = "http://ollama" })
	calls := 0
	h.srv.models.discover = func(context.Context, string) ([]llm.DiscoveredModel, error) {
		calls++
		return []llm.DiscoveredModel{{ID: "ollama-llama3", Name: "Llama3", Model: "ollama/llama3"}}, nil
	}

	for range 2 {
		got := decode[ModelsResponse](t, h.do(t, http.MethodGet, "/api/models", nil, nil))
		if len(got.Models) != 3 || got.Models[2].Model != "ollama/llama3" {
			t.Fatalf("models = %+v", got.Models)
		}
	}
	if calls != 1 {
		t.Errorf("discovery calls = %d, want 1", calls)
	}
}

func TestUploadStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		want     int
	}{
		{"single created", []int{201}, http.StatusCreated},
		{"single duplicate", []int{200}, http.StatusOK},
		{"single failure", []int{415}, http.StatusUnsupportedMediaType},
		{"all accepted", []int{201, 200}, http.StatusCreated},
		{"mixed", []int{201, 413}, http.StatusMultiStatus},
		{"all failed", []int{415, 413}, http.StatusMultiStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make([]UploadResult, len(tt.statuses))
			for i, st := range tt.statuses {
				results[i].Status = st
			}
			if got := uploadStatus(results); got != tt.want {
				t.Errorf("uploadStatus = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrInvalidInput, http.StatusBadRequest},
		{core.ErrUnauthorized, http.StatusUnauthorized},
		{store.ErrNotFound, http.StatusNotFound},
		{core.NewError("ingest", "x", core.ErrFileTooLarge), http.StatusRequestEntityTooLarge},
		{core.ErrUnsupportedFormat, http.StatusUnsupportedMediaType},
		{core.ErrEmptyDocument, http.StatusUnprocessableEntity},
		{core.ErrNoDocuments, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: boom", core.ErrEmbedding), http.StatusBadGateway},
		{core.ErrLLMRequest, http.StatusBadGateway},
		{core.ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("disk"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func mcpSession(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = s.mcp.Run(ctx, serverT) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "docqa-test", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_ListDocuments(t *testing.T) {
	h := newHarness(t, nil)
	body, ct := multipartBody(t, map[string]string{"a.txt": "alpha"})
	h.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ct})
	session := mcpSession(t, h.srv)

	text, isErr := mcpCallTool(t, session, "list_documents", map[string]any{})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var resp struct {
		Documents []documentSummary `json:"documents"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Documents) != 1 || resp.Documents[0].Filename != "a.txt" {
		t.Errorf("documents = %+v", resp.Documents)
	}

	text, _ = mcpCallTool(t, session, "list_documents", map[string]any{"status": "failed"})
	if !strings.Contains(text, `"documents":[]`) {
		t.Errorf("status filter = %s", text)
	}
}

func TestMCP_AskDocuments(t *testing.T) {
	h := newHarness(t, nil)
	session := mcpSession(t, h.srv)

	text, isErr := mcpCallTool(t, session, "ask_documents", map[string]any{"question": "q", "document_ids": []string{"doc-1"}})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var res qa.Result
	if err := json.Unmarshal([]byte(text), &res); err != nil || res.ID != "q-1" {
		t.Errorf("result = %+v, %v", res, err)
	}
	if h.asker.last.Question != "q" || h.asker.last.DocumentIDs[0] != "doc-1" {
		t.Errorf("request = %+v", h.asker.last)
	}

	h.asker.err = core.ErrNoDocuments
	text, isErr = mcpCallTool(t, session, "ask_documents", map[string]any{"question": "q"})
	if !isErr || !strings.Contains(text, "no documents") {
		t.Errorf("expected tool error, got %q", text)
	}
}

func TestMCP_HTTPEndpointMounted(t *testing.T) {
	h := newHarness(t, nil)
	// A malformed message is rejected by the MCP handler, not the router.
	resp := h.do(t, http.MethodPost, "/mcp", strings.NewReader("{}"), map[string]string{"Content-Type": "application/json"})
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		t.Errorf("mcp endpoint not mounted: %d", resp.StatusCode)
	}
}
