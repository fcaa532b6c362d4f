package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"capforge/internal/config"
	"capforge/internal/logging"
)

// HTTPProvider talks to any OpenAI-compatible chat completion endpoint.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewHTTPProvider creates an HTTP-backed provider.
func NewHTTPProvider(cfg config.ProviderConfig, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

// GenerateProgram sends the synthesis prompt and parses the typed reply.
// 429 responses are retried with exponential backoff.
func (p *HTTPProvider) GenerateProgram(ctx context.Context, req Request) (*GeneratedProgram, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	system, user := buildPrompt(req)
	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   8192,
		Temperature: 0.1,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	log := logging.Get(logging.CategoryProvider)
	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			log.Warnw("provider rate limited", "attempt", i+1)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(data))
		}

		var chat chatResponse
		if err := json.Unmarshal(data, &chat); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if chat.Error != nil {
			return nil, fmt.Errorf("API error: %s", chat.Error.Message)
		}
		if len(chat.Choices) == 0 {
			return nil, fmt.Errorf("no completion returned")
		}

		return parseProgram(chat.Choices[0].Message.Content)
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
