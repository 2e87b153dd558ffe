package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/go-docqa/core"
)

type Client interface {
	Chat(ctx context.Context, model core.ModelConfig, system, user string) (*LLMResponse, error)
	ChatWithMessages(ctx context.Context, model core.ModelConfig, system string, msgs []Message) (*ChatResponse, error)
}

// EmbeddingClient turns text into vectors.
type EmbeddingClient interface {
	Embed(ctx context.Context, model, input string) (*EmbeddingResponse, error)
	EmbedBatch(ctx context.Context, model string, inputs []string) ([]EmbeddingResponse, error)
}

// VisionClient reads text out of an image with a multimodal model.
type VisionClient interface {
	ReadImage(ctx context.Context, model core.ModelConfig, prompt string, image []byte, mimeType string) (*LLMResponse, error)
}

type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    int
	MaxRetries int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    60,
		MaxRetries: 3,
	}
}

func (c ClientConfig) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60
	}
	return &http.Client{Timeout: time.Duration(timeout) * time.Second}
}

// doWithRetry sends the request built by newReq, retrying on 429 and 5xx
// with exponential backoff. A non-2xx final response is returned as an error
// wrapping core.ErrLLMRequest; the caller owns the body of a 200 response.
func doWithRetry(ctx context.Context, client *http.Client, maxRetries int, newReq func() (*http.Request, error)) (*http.Response, error) {
	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: request failed: %v", core.ErrLLMRequest, err)
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		apiErr := fmt.Errorf("%w: API error (status %d): %s", core.ErrLLMRequest, resp.StatusCode, string(respBody))

		if !retryable(resp.StatusCode) || attempt >= maxRetries {
			return nil, apiErr
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
