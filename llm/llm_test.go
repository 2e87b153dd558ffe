package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hubenschmidt/go-docqa/core"
)

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return body
}

func TestOpenAIChatJSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		body := decodeBody(t, r)
		rf, _ := body["response_format"].(map[string]any)
		if rf["type"] != "json_object" {
			t.Errorf("response_format = %v", body["response_format"])
		}
		msgs := body["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("messages = %d, want 2", len(msgs))
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"answer\":\"x\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClientWithConfig(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	resp, err := c.Chat(context.Background(), core.DefaultModelConfig("gpt-4o-mini").WithJSON(), "sys", "hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"answer":"x"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClientWithConfig(ClientConfig{BaseURL: srv.URL, MaxRetries: 2})
	resp, err := c.Chat(context.Background(), core.ModelConfig{Name: "gpt-4o"}, "", "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" || calls.Load() != 2 {
		t.Errorf("content = %q, calls = %d", resp.Content, calls.Load())
	}
}

func TestOpenAIClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClientWithConfig(ClientConfig{BaseURL: srv.URL, MaxRetries: 3})
	_, err := c.Chat(context.Background(), core.ModelConfig{Name: "gpt-4o"}, "", "hi")
	if !errors.Is(err, core.ErrLLMRequest) {
		t.Fatalf("err = %v, want ErrLLMRequest", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want status in message", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestOpenAIEmbedBatchOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}],"usage":{"prompt_tokens":8}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClientWithConfig(ClientConfig{BaseURL: srv.URL})
	out, err := c.EmbedBatch(context.Background(), "text-embedding-3-small", []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if out[0].Embedding[0] != 1 || out[1].Embedding[1] != 1 {
		t.Errorf("embeddings out of order: %+v", out)
	}
	if out[0].TokenCount != 4 {
		t.Errorf("token count = %d, want 4", out[0].TokenCount)
	}
}

func TestOpenAIReadImageSendsDataURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		raw, _ := json.Marshal(body["messages"])
		if !strings.Contains(string(raw), "data:image/png;base64,") {
			t.Errorf("messages missing data url: %s", raw)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"scanned text"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClientWithConfig(ClientConfig{BaseURL: srv.URL})
	resp, err := c.ReadImage(context.Background(), core.ModelConfig{Name: "gpt-4o"}, "read", []byte{0x89, 'P', 'N', 'G'}, "image/png")
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if resp.Content != "scanned text" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestAnthropicJSONInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ak" {
			t.Errorf("missing api key header")
		}
		body := decodeBody(t, r)
		system, _ := body["system"].(string)
		if !strings.HasPrefix(system, "be brief") || !strings.Contains(system, jsonOnlyInstruction) {
			t.Errorf("system = %q", system)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"{}"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClientWithConfig(ClientConfig{APIKey: "ak", BaseURL: srv.URL})
	resp, err := c.Chat(context.Background(), core.ModelConfig{Name: "claude-sonnet-4-5", JSON: true}, "be brief", "q")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "{}" || resp.Usage.TotalTokens != 6 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOllamaEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body := decodeBody(t, r)
		if inputs, _ := body["input"].([]any); len(inputs) != 2 {
			t.Errorf("input = %v", body["input"])
		}
		w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]],"prompt_eval_count":6}`))
	}))
	defer srv.Close()

	c := NewOllamaEmbedClient(srv.URL + "/v1")
	out, err := c.EmbedBatch(context.Background(), "nomic-embed-text", []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(out) != 2 || out[1].Embedding[1] != 0.4 || out[0].TokenCount != 3 {
		t.Errorf("out = %+v", out)
	}
}

func TestDiscoverOllamaModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.2:latest"}]}`))
	}))
	defer srv.Close()

	models, err := DiscoverOllamaModels(context.Background(), srv.URL+"/v1")
	if err != nil {
		t.Fatalf("DiscoverOllamaModels: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("models = %d", len(models))
	}
	m := models[0]
	if m.ID != "ollama-llama3-2-latest" || m.Name != "Llama3.2 (Ollama)" || m.Model != "ollama/llama3.2:latest" {
		t.Errorf("model = %+v", m)
	}
}

func TestUnifiedRouting(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		gotModel, _ = body["model"].(string)
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	u := NewUnifiedClient(UnifiedConfig{OllamaURL: srv.URL})
	if _, err := u.Chat(context.Background(), core.ModelConfig{Name: "ollama/llama3.2"}, "", "q"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotModel != "llama3.2" {
		t.Errorf("model sent = %q, want prefix stripped", gotModel)
	}

	empty := NewUnifiedClient(UnifiedConfig{})
	if _, err := empty.Chat(context.Background(), core.ModelConfig{Name: "gpt-4o"}, "", "q"); !errors.Is(err, core.ErrLLMRequest) {
		t.Errorf("err = %v, want ErrLLMRequest", err)
	}
	if _, err := empty.Embed(context.Background(), "text-embedding-3-small", "x"); !errors.Is(err, core.ErrEmbedding) {
		t.Errorf("err = %v, want ErrEmbedding", err)
	}
}
