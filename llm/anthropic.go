package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hubenschmidt/go-docqa/core"
)

const jsonOnlyInstruction = "Respond with a single JSON object and nothing else."

type AnthropicClient struct {
	apiKey     string
	baseURL    string
	maxRetries int
	client     *http.Client
	version    string
}

func NewAnthropicClient(apiKey string) *AnthropicClient {
	cfg := DefaultClientConfig()
	cfg.APIKey = apiKey
	return NewAnthropicClientWithConfig(cfg)
}

func NewAnthropicClientWithConfig(cfg ClientConfig) *AnthropicClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxRetries: cfg.MaxRetries,
		client:     cfg.httpClient(),
		version:    "2023-06-01",
	}
}

func (c *AnthropicClient) Chat(ctx context.Context, model core.ModelConfig, system, user string) (*LLMResponse, error) {
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

func (c *AnthropicClient) ChatWithMessages(ctx context.Context, model core.ModelConfig, system string, msgs []Message) (*ChatResponse, error) {
	return c.send(ctx, model, system, c.buildMessages(msgs))
}

// ReadImage sends a base64 image block followed by the instruction.
func (c *AnthropicClient) ReadImage(ctx context.Context, model core.ModelConfig, prompt string, image []byte, mimeType string) (*LLMResponse, error) {
	messages := []map[string]any{{
		"role": "user",
		"content": []map[string]any{
			{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": mimeType,
					"data":       base64.StdEncoding.EncodeToString(image),
				},
			},
			{"type": "text", "text": prompt},
		},
	}}
	resp, err := c.send(ctx, model, "", messages)
	if err != nil {
		return nil, err
	}
	return &LLMResponse{Content: resp.Content, FinishReason: resp.FinishReason, Usage: resp.Usage}, nil
}

func (c *AnthropicClient) send(ctx context.Context, model core.ModelConfig, system string, messages []map[string]any) (*ChatResponse, error) {
	maxTokens := model.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	reqBody := map[string]any{
		"model":      model.Name,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if model.Temperature > 0 {
		reqBody["temperature"] = model.Temperature
	}

	// The Messages API has no JSON response mode.
	if model.JSON {
		if system == "" {
			system = jsonOnlyInstruction
		} else {
			system += "\n\n" + jsonOnlyInstruction
		}
	}
	if system != "" {
		reqBody["system"] = system
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, c.maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", c.version)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return c.parseResponse(result), nil
}

func (c *AnthropicClient) buildMessages(msgs []Message) []map[string]any {
	messages := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == string(core.RoleSystem) {
			continue
		}
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": m.Content,
		})
	}
	return messages
}

func (c *AnthropicClient) parseResponse(resp anthropicResponse) *ChatResponse {
	result := &ChatResponse{
		FinishReason: resp.StopReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	for _, block := range resp.Content {
		if block.Type == "text" {
			result.Content += block.Text
		}
	}

	return result
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
