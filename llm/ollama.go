package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hubenschmidt/go-docqa/core"
)

type OllamaTagsResponse struct {
	Models []OllamaModelInfo `json:"models"`
}

type OllamaModelInfo struct {
	Name string `json:"name"`
}

type DiscoveredModel struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Model   string  `json:"model"`
	APIBase *string `json:"api_base,omitempty"`
}

// DiscoverOllamaModels queries an Ollama instance for available models.
func DiscoverOllamaModels(ctx context.Context, ollamaHost string) ([]DiscoveredModel, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	host := ollamaHostRoot(ollamaHost)
	url := fmt.Sprintf("%s/api/tags", host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var tags OllamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse ollama response: %w", err)
	}

	apiBase := fmt.Sprintf("%s/v1", host)
	models := make([]DiscoveredModel, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = DiscoveredModel{
			ID:      fmt.Sprintf("ollama-%s", slugify(m.Name)),
			Name:    formatDisplayName(m.Name),
			Model:   "ollama/" + m.Name,
			APIBase: &apiBase,
		}
	}

	return models, nil
}

// ollamaHostRoot accepts both the bare host and the /v1 compatibility base.
func ollamaHostRoot(baseURL string) string {
	host := strings.TrimSuffix(baseURL, "/")
	return strings.TrimSuffix(host, "/v1")
}

var slugRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func slugify(name string) string {
	return strings.ToLower(slugRe.ReplaceAllString(name, "-"))
}

func formatDisplayName(name string) string {
	// "llama3.2:latest" -> "Llama3.2 (Ollama)"
	base, _, _ := strings.Cut(name, ":")
	if len(base) > 0 {
		base = strings.ToUpper(base[:1]) + base[1:]
	}
	return fmt.Sprintf("%s (Ollama)", base)
}

// OllamaEmbedClient handles Ollama-native embedding API.
type OllamaEmbedClient struct {
	baseURL    string
	maxRetries int
	client     *http.Client
}

// NewOllamaEmbedClient creates a client for Ollama's native embedding API.
func NewOllamaEmbedClient(baseURL string) *OllamaEmbedClient {
	cfg := DefaultClientConfig()
	return &OllamaEmbedClient{
		baseURL:    ollamaHostRoot(baseURL),
		maxRetries: cfg.MaxRetries,
		client:     cfg.httpClient(),
	}
}

// Embed generates an embedding for a single input using Ollama's native API.
func (c *OllamaEmbedClient) Embed(ctx context.Context, model, input string) (*EmbeddingResponse, error) {
	results, err := c.EmbedBatch(ctx, model, []string{input})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", core.ErrEmbedding)
	}
	return &results[0], nil
}

// EmbedBatch sends all inputs in a single /api/embed call.
func (c *OllamaEmbedClient) EmbedBatch(ctx context.Context, model string, inputs []string) ([]EmbeddingResponse, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{
		"model": model,
		"input": inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, c.maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEmbedding, err)
	}
	defer resp.Body.Close()

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", core.ErrEmbedding, len(result.Embeddings), len(inputs))
	}

	perInput := result.PromptEvalCount / len(inputs)
	results := make([]EmbeddingResponse, len(result.Embeddings))
	for i, e := range result.Embeddings {
		results[i] = EmbeddingResponse{Embedding: e, TokenCount: perInput}
	}
	return results, nil
}

type ollamaEmbedResponse struct {
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}
