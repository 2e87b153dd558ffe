package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/hubenschmidt/go-docqa/core"
)

type UnifiedClient struct {
	openai      *OpenAIClient
	anthropic   *AnthropicClient
	ollama      *OpenAIClient
	ollamaEmbed *OllamaEmbedClient
}

type UnifiedConfig struct {
	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
	OllamaURL     string
	Timeout       int
	MaxRetries    int
}

func NewUnifiedClient(cfg UnifiedConfig) *UnifiedClient {
	u := &UnifiedClient{}
	base := DefaultClientConfig()
	if cfg.Timeout > 0 {
		base.Timeout = cfg.Timeout
	}
	if cfg.MaxRetries > 0 {
		base.MaxRetries = cfg.MaxRetries
	}

	if cfg.OpenAIKey != "" {
		oc := base
		oc.APIKey = cfg.OpenAIKey
		oc.BaseURL = cfg.OpenAIBaseURL
		u.openai = NewOpenAIClientWithConfig(oc)
	}

	if cfg.AnthropicKey != "" {
		ac := base
		ac.APIKey = cfg.AnthropicKey
		u.anthropic = NewAnthropicClientWithConfig(ac)
	}

	if cfg.OllamaURL != "" {
		lc := base
		lc.BaseURL = ollamaHostRoot(cfg.OllamaURL) + "/v1"
		u.ollama = NewOpenAIClientWithConfig(lc)
		u.ollamaEmbed = NewOllamaEmbedClient(cfg.OllamaURL)
	}

	return u
}

func (u *UnifiedClient) Chat(ctx context.Context, model core.ModelConfig, system, user string) (*LLMResponse, error) {
	client, resolved, err := u.resolveClient(model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, resolved, system, user)
}

func (u *UnifiedClient) ChatWithMessages(ctx context.Context, model core.ModelConfig, system string, msgs []Message) (*ChatResponse, error) {
	client, resolved, err := u.resolveClient(model)
	if err != nil {
		return nil, err
	}
	return client.ChatWithMessages(ctx, resolved, system, msgs)
}

// ReadImage routes to the provider serving the vision model.
func (u *UnifiedClient) ReadImage(ctx context.Context, model core.ModelConfig, prompt string, image []byte, mimeType string) (*LLMResponse, error) {
	client, resolved, err := u.resolveClient(model)
	if err != nil {
		return nil, err
	}
	vc, ok := client.(VisionClient)
	if !ok {
		return nil, fmt.Errorf("%w: provider for %s cannot read images", core.ErrLLMRequest, model.Name)
	}
	return vc.ReadImage(ctx, resolved, prompt, image, mimeType)
}

func (u *UnifiedClient) resolveClient(model core.ModelConfig) (Client, core.ModelConfig, error) {
	prefixes := []struct {
		prefix string
		client Client
		strip  bool
	}{
		{"claude-", present(u.anthropic, u.anthropic != nil), false},
		{"gpt-", present(u.openai, u.openai != nil), false},
		{"o1-", present(u.openai, u.openai != nil), false},
		{"o3-", present(u.openai, u.openai != nil), false},
		{"ollama/", present(u.ollama, u.ollama != nil), true},
	}

	for _, p := range prefixes {
		if strings.HasPrefix(model.Name, p.prefix) && p.client != nil {
			if p.strip {
				model.Name = strings.TrimPrefix(model.Name, p.prefix)
			}
			return p.client, model, nil
		}
	}

	if c := u.defaultClient(); c != nil {
		return c, model, nil
	}
	return nil, model, fmt.Errorf("%w: no provider configured for model %q", core.ErrLLMRequest, model.Name)
}

// present keeps typed nil pointers out of the Client interface.
func present(c Client, ok bool) Client {
	if !ok {
		return nil
	}
	return c
}

func (u *UnifiedClient) defaultClient() Client {
	clients := []Client{
		present(u.openai, u.openai != nil),
		present(u.anthropic, u.anthropic != nil),
		present(u.ollama, u.ollama != nil),
	}
	for _, c := range clients {
		if c != nil {
			return c
		}
	}
	return nil
}

func (u *UnifiedClient) HasOpenAI() bool {
	return u.openai != nil
}

func (u *UnifiedClient) HasAnthropic() bool {
	return u.anthropic != nil
}

func (u *UnifiedClient) HasOllama() bool {
	return u.ollama != nil
}

// Embed generates an embedding for a single input.
func (u *UnifiedClient) Embed(ctx context.Context, model, input string) (*EmbeddingResponse, error) {
	client, resolvedModel := u.resolveEmbeddingClient(model)
	if client == nil {
		return nil, fmt.Errorf("%w: no embedding client available for model: %s", core.ErrEmbedding, model)
	}
	return client.Embed(ctx, resolvedModel, input)
}

// EmbedBatch generates embeddings for multiple inputs.
func (u *UnifiedClient) EmbedBatch(ctx context.Context, model string, inputs []string) ([]EmbeddingResponse, error) {
	client, resolvedModel := u.resolveEmbeddingClient(model)
	if client == nil {
		return nil, fmt.Errorf("%w: no embedding client available for model: %s", core.ErrEmbedding, model)
	}
	return client.EmbedBatch(ctx, resolvedModel, inputs)
}

func (u *UnifiedClient) resolveEmbeddingClient(model string) (EmbeddingClient, string) {
	if strings.HasPrefix(model, "ollama/") {
		if u.ollamaEmbed == nil {
			return nil, model
		}
		return u.ollamaEmbed, strings.TrimPrefix(model, "ollama/")
	}

	// text-embedding-3-small, text-embedding-3-large, ...
	if strings.HasPrefix(model, "text-embedding-") {
		if u.openai == nil {
			return nil, model
		}
		return u.openai, model
	}

	if u.openai != nil {
		return u.openai, model
	}
	if u.ollamaEmbed != nil {
		return u.ollamaEmbed, model
	}
	return nil, model
}

var (
	_ Client          = (*UnifiedClient)(nil)
	_ EmbeddingClient = (*UnifiedClient)(nil)
	_ VisionClient    = (*UnifiedClient)(nil)
)
