package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/hubenschmidt/go-docqa/core"
)

type OpenAIClient struct {
	apiKey     string
	baseURL    string
	maxRetries int
	client     *http.Client
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	cfg := DefaultClientConfig()
	cfg.APIKey = apiKey
	return NewOpenAIClientWithConfig(cfg)
}

func NewOpenAIClientWithConfig(cfg ClientConfig) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxRetries: cfg.MaxRetries,
		client:     cfg.httpClient(),
	}
}

func (c *OpenAIClient) Chat(ctx context.Context, model core.ModelConfig, system, user string) (*LLMResponse, error) {
	resp, err := c.ChatWithMessages(ctx, model, system, []Message{{Role: string(core.RoleUser), Content: user}})
	if err != nil {
		return nil, err
	}
	return &LLMResponse{
		Content:      resp.Content,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
	}, nil
}

func (c *OpenAIClient) ChatWithMessages(ctx context.Context, model core.ModelConfig, system string, msgs []Message) (*ChatResponse, error) {
	messages := c.buildMessages(system, msgs)
	return c.complete(ctx, model, messages)
}

// ReadImage sends a single image with an instruction to a vision-capable model.
func (c *OpenAIClient) ReadImage(ctx context.Context, model core.ModelConfig, prompt string, image []byte, mimeType string) (*LLMResponse, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))
	messages := []map[string]any{{
		"role": "user",
		"content": []map[string]any{
			{"type": "text", "text": prompt},
			{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
		},
	}}
	resp, err := c.complete(ctx, model, messages)
	if err != nil {
		return nil, err
	}
	return &LLMResponse{Content: resp.Content, FinishReason: resp.FinishReason, Usage: resp.Usage}, nil
}

func (c *OpenAIClient) complete(ctx context.Context, model core.ModelConfig, messages []map[string]any) (*ChatResponse, error) {
	reqBody := map[string]any{
		"model":    model.Name,
		"messages": messages,
	}
	if model.Temperature > 0 {
		reqBody["temperature"] = model.Temperature
	}
	if model.MaxTokens > 0 {
		reqBody["max_tokens"] = model.MaxTokens
	}
	if model.JSON {
		reqBody["response_format"] = map[string]string{"type": "json_object"}
	}

	var result openAIResponse
	if err := c.post(ctx, "/chat/completions", reqBody, &result); err != nil {
		return nil, err
	}
	return c.parseResponse(result), nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, reqBody any, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, c.maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *OpenAIClient) buildMessages(system string, msgs []Message) []map[string]any {
	messages := make([]map[string]any, 0, len(msgs)+1)

	if system != "" {
		messages = append(messages, map[string]any{
			"role":    "system",
			"content": system,
		})
	}

	for _, m := range msgs {
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": m.Content,
		})
	}

	return messages
}

func (c *OpenAIClient) parseResponse(resp openAIResponse) *ChatResponse {
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) == 0 {
		return &ChatResponse{Usage: usage}
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        usage,
	}
}

// Embed generates an embedding for a single input.
func (c *OpenAIClient) Embed(ctx context.Context, model, input string) (*EmbeddingResponse, error) {
	results, err := c.EmbedBatch(ctx, model, []string{input})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", core.ErrEmbedding)
	}
	return &results[0], nil
}

// EmbedBatch generates embeddings for multiple inputs in one request.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, model string, inputs []string) ([]EmbeddingResponse, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	var result openAIEmbeddingResponse
	if err := c.post(ctx, "/embeddings", map[string]any{"model": model, "input": inputs}, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEmbedding, err)
	}
	if len(result.Data) != len(inputs) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", core.ErrEmbedding, len(result.Data), len(inputs))
	}

	sort.Slice(result.Data, func(i, j int) bool {
		return result.Data[i].Index < result.Data[j].Index
	})

	// OpenAI reports tokens for the whole batch only.
	perInput := result.Usage.PromptTokens / len(inputs)
	out := make([]EmbeddingResponse, len(result.Data))
	for i, d := range result.Data {
		out[i] = EmbeddingResponse{Embedding: d.Embedding, TokenCount: perInput}
	}
	return out, nil
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}
